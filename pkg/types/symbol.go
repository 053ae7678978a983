package types

import (
	"strings"
)

// SymbolNormalizer converts between gateway symbols (BTCUSDT) and venue symbols
type SymbolNormalizer interface {
	// Normalize converts a venue-specific symbol to the gateway format
	Normalize(venueSymbol string) string
	// Denormalize converts a gateway symbol to the venue-specific format
	Denormalize(symbol string) string
}

// IdentitySymbolNormalizer is used by venues that already quote BTCUSDT style symbols
type IdentitySymbolNormalizer struct{}

func (n IdentitySymbolNormalizer) Normalize(venueSymbol string) string {
	return strings.ToUpper(venueSymbol)
}

func (n IdentitySymbolNormalizer) Denormalize(symbol string) string {
	return strings.ToUpper(symbol)
}

// KucoinFuturesSymbolNormalizer handles KuCoin perpetual contract symbols
type KucoinFuturesSymbolNormalizer struct{}

func (n KucoinFuturesSymbolNormalizer) Normalize(venueSymbol string) string {
	// XBTUSDTM -> BTCUSDT
	s := strings.TrimSuffix(strings.ToUpper(venueSymbol), "M")
	if strings.HasPrefix(s, "XBT") {
		s = "BTC" + strings.TrimPrefix(s, "XBT")
	}
	return s
}

func (n KucoinFuturesSymbolNormalizer) Denormalize(symbol string) string {
	// BTCUSDT -> XBTUSDTM
	s := strings.ToUpper(symbol)
	if strings.HasPrefix(s, "BTC") {
		s = "XBT" + strings.TrimPrefix(s, "BTC")
	}
	return s + "M"
}

// MappedSymbolNormalizer applies explicit overrides before falling back to another normalizer
type MappedSymbolNormalizer struct {
	toVenue   map[string]string
	fromVenue map[string]string
	fallback  SymbolNormalizer
}

// NewMappedSymbolNormalizer builds a normalizer from a gateway->venue symbol map
func NewMappedSymbolNormalizer(overrides map[string]string, fallback SymbolNormalizer) *MappedSymbolNormalizer {
	n := &MappedSymbolNormalizer{
		toVenue:   make(map[string]string, len(overrides)),
		fromVenue: make(map[string]string, len(overrides)),
		fallback:  fallback,
	}
	for symbol, venueSymbol := range overrides {
		n.toVenue[strings.ToUpper(symbol)] = venueSymbol
		n.fromVenue[strings.ToUpper(venueSymbol)] = strings.ToUpper(symbol)
	}
	return n
}

func (n *MappedSymbolNormalizer) Normalize(venueSymbol string) string {
	if s, ok := n.fromVenue[strings.ToUpper(venueSymbol)]; ok {
		return s
	}
	return n.fallback.Normalize(venueSymbol)
}

func (n *MappedSymbolNormalizer) Denormalize(symbol string) string {
	if s, ok := n.toVenue[strings.ToUpper(symbol)]; ok {
		return s
	}
	return n.fallback.Denormalize(symbol)
}

// GetNormalizer returns the normalizer for a venue kind with optional overrides
func GetNormalizer(kind string, overrides map[string]string) SymbolNormalizer {
	var base SymbolNormalizer
	switch kind {
	case VenueKindKucoin:
		base = KucoinFuturesSymbolNormalizer{}
	default:
		base = IdentitySymbolNormalizer{}
	}
	if len(overrides) == 0 {
		return base
	}
	return NewMappedSymbolNormalizer(overrides, base)
}
