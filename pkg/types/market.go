package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketEntry is the last known quote of a symbol on one venue
type MarketEntry struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Arrival   int64           `json:"arrival"`
	Timestamp time.Time       `json:"timestamp"`
}

// Price returns the best single price of the entry: last trade, else mid, else whichever side is set
func (m MarketEntry) Price() decimal.Decimal {
	switch {
	case m.Last.IsPositive():
		return m.Last
	case m.Bid.IsPositive() && m.Ask.IsPositive():
		return m.Bid.Add(m.Ask).Div(decimal.NewFromInt(2))
	case m.Ask.IsPositive():
		return m.Ask
	default:
		return m.Bid
	}
}

// Position is an open position on one venue
type Position struct {
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
	Arrival       int64           `json:"arrival"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Order is the last known state of an order on one venue
type Order struct {
	Venue          string          `json:"venue"`
	OrderID        string          `json:"order_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Status         OrderStatus     `json:"status"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	Arrival        int64           `json:"arrival"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Execution is a single fill reported by a venue
type Execution struct {
	Venue     string          `json:"venue"`
	OrderID   string          `json:"order_id"`
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	FeeAsset  string          `json:"fee_asset"`
	Arrival   int64           `json:"arrival"`
	Timestamp time.Time       `json:"timestamp"`
}

// AssetBalance is the balance of one asset
type AssetBalance struct {
	Asset     string          `json:"asset"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Arrival   int64           `json:"arrival"`
}

// Balance is the account balance of one venue
type Balance struct {
	Venue     string                  `json:"venue"`
	Assets    map[string]AssetBalance `json:"assets"`
	Arrival   int64                   `json:"arrival"`
	Timestamp time.Time               `json:"timestamp"`
}

// Clone returns a copy whose asset map can be mutated freely
func (b *Balance) Clone() *Balance {
	if b == nil {
		return nil
	}
	out := *b
	out.Assets = make(map[string]AssetBalance, len(b.Assets))
	for k, v := range b.Assets {
		out.Assets[k] = v
	}
	return &out
}

// VenuePrice is one venue's quote in a best-price answer
type VenuePrice struct {
	Venue  string          `json:"venue"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
}

// BestPrice is the answer to a best-price query
type BestPrice struct {
	Symbol    string          `json:"symbol"`
	Best      VenuePrice      `json:"best_price"`
	AllPrices []VenuePrice    `json:"all_prices"`
	Spread    decimal.Decimal `json:"spread"`
}
