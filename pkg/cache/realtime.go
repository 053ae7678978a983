package cache

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
)

const shardCount = 32

type symbolQuotes struct {
	latest  types.MarketEntry
	byVenue map[string]types.MarketEntry
}

type shard struct {
	mu        sync.RWMutex
	markets   map[string]*symbolQuotes
	positions map[string]types.Position
	orders    map[string]types.Order
	balances  map[string]*types.Balance
}

// Realtime is the last-known-value store fed by venue streams.
// Every key is last-write-wins by arrival timestamp; an older arrival never replaces a newer one.
type Realtime struct {
	shards [shardCount]*shard
}

// NewRealtime creates an empty realtime cache
func NewRealtime() *Realtime {
	c := &Realtime{}
	for i := range c.shards {
		c.shards[i] = &shard{
			markets:   make(map[string]*symbolQuotes),
			positions: make(map[string]types.Position),
			orders:    make(map[string]types.Order),
			balances:  make(map[string]*types.Balance),
		}
	}
	return c
}

func (c *Realtime) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%shardCount]
}

func compositeKey(venue, id string) string {
	return venue + "|" + id
}

// PutMarket stores a quote; it returns false if a newer quote for the same venue and symbol is already held
func (c *Realtime) PutMarket(entry types.MarketEntry) bool {
	s := c.shardFor(entry.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.markets[entry.Symbol]
	if !ok {
		q = &symbolQuotes{byVenue: make(map[string]types.MarketEntry)}
		s.markets[entry.Symbol] = q
	}
	if entry.Arrival > q.latest.Arrival {
		q.latest = entry
	}
	if prev, ok := q.byVenue[entry.Venue]; ok && prev.Arrival >= entry.Arrival {
		return false
	}
	q.byVenue[entry.Venue] = entry
	return true
}

// GetMarket returns the most recent quote for the symbol across venues
func (c *Realtime) GetMarket(symbol string) (types.MarketEntry, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.markets[symbol]
	if !ok {
		return types.MarketEntry{}, false
	}
	return q.latest, true
}

// GetPrice returns the most recent price for the symbol across venues
func (c *Realtime) GetPrice(symbol string) (decimal.Decimal, bool) {
	entry, ok := c.GetMarket(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return entry.Price(), true
}

// GetVenueMarket returns the most recent quote for the symbol from one venue
func (c *Realtime) GetVenueMarket(venue, symbol string) (types.MarketEntry, bool) {
	s := c.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.markets[symbol]
	if !ok {
		return types.MarketEntry{}, false
	}
	entry, ok := q.byVenue[venue]
	return entry, ok
}

// PutPosition stores a position keyed by venue and symbol
func (c *Realtime) PutPosition(pos types.Position) bool {
	key := compositeKey(pos.Venue, pos.Symbol)
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.positions[key]; ok && prev.Arrival >= pos.Arrival {
		return false
	}
	s.positions[key] = pos
	return true
}

// GetPosition returns the position of a symbol on one venue
func (c *Realtime) GetPosition(venue, symbol string) (types.Position, bool) {
	key := compositeKey(venue, symbol)
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[key]
	return pos, ok
}

// Positions returns every cached position of a venue sorted by symbol
func (c *Realtime) Positions(venue string) []types.Position {
	var out []types.Position
	for _, s := range c.shards {
		s.mu.RLock()
		for _, pos := range s.positions {
			if pos.Venue == venue {
				out = append(out, pos)
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// PutOrder stores an order keyed by venue and venue-assigned id
func (c *Realtime) PutOrder(order types.Order) bool {
	key := compositeKey(order.Venue, order.OrderID)
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.orders[key]; ok && prev.Arrival >= order.Arrival {
		return false
	}
	s.orders[key] = order
	return true
}

// GetOrder returns an order by venue-assigned id
func (c *Realtime) GetOrder(venue, orderID string) (types.Order, bool) {
	key := compositeKey(venue, orderID)
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[key]
	return order, ok
}

// PutBalance merges a balance update asset by asset, last-write-wins per asset
func (c *Realtime) PutBalance(bal types.Balance) bool {
	s := c.shardFor(bal.Venue)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.balances[bal.Venue]
	if !ok {
		cur = &types.Balance{Venue: bal.Venue, Assets: make(map[string]types.AssetBalance)}
		s.balances[bal.Venue] = cur
	}

	applied := false
	for asset, ab := range bal.Assets {
		if ab.Arrival == 0 {
			ab.Arrival = bal.Arrival
		}
		if prev, ok := cur.Assets[asset]; ok && prev.Arrival >= ab.Arrival {
			continue
		}
		cur.Assets[asset] = ab
		applied = true
	}
	if applied && bal.Arrival > cur.Arrival {
		cur.Arrival = bal.Arrival
		cur.Timestamp = bal.Timestamp
	}
	return applied
}

// GetBalance returns a copy of the venue balance
func (c *Realtime) GetBalance(venue string) (*types.Balance, bool) {
	s := c.shardFor(venue)
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[venue]
	if !ok {
		return nil, false
	}
	return bal.Clone(), true
}
