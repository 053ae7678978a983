package types

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeStop             = "STOP"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfit       = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Order status
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Time in force
const (
	TimeInForceGTC = "GTC" // Good Till Cancel
	TimeInForceIOC = "IOC" // Immediate or Cancel
	TimeInForceFOK = "FOK" // Fill or Kill
)

// Position sides
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
	PositionSideFlat  = "FLAT"
)

type OrderSide = string
type OrderType = string
type OrderStatus = string
type TimeInForce = string

// OrderCategory groups order types for routing rule lookup
type OrderCategory string

const (
	CategoryMarket      OrderCategory = "market"
	CategoryLimit       OrderCategory = "limit"
	CategoryConditional OrderCategory = "conditional"
)

// CategoryOf returns the routing category of an order type
func CategoryOf(orderType OrderType) OrderCategory {
	switch strings.ToUpper(orderType) {
	case OrderTypeMarket, "":
		return CategoryMarket
	case OrderTypeLimit:
		return CategoryLimit
	default:
		return CategoryConditional
	}
}

// OrderRequest is an already-decided order to be routed to one venue
type OrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce      `json:"time_in_force,omitempty"`
	ReduceOnly    bool             `json:"reduce_only,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// Validate checks the request for obvious defects before it is routed
func (r *OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	side := strings.ToUpper(r.Side)
	if side != OrderSideBuy && side != OrderSideSell {
		return fmt.Errorf("invalid side: %q", r.Side)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if CategoryOf(r.Type) == CategoryLimit && (r.Price == nil || !r.Price.IsPositive()) {
		return fmt.Errorf("limit order requires a positive price")
	}
	if r.Price != nil && r.Price.IsNegative() {
		return fmt.Errorf("price must not be negative")
	}
	return nil
}

// OrderAck is a venue's acknowledgement of a placed order
type OrderAck struct {
	Venue         string           `json:"venue"`
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Status        OrderStatus      `json:"status"`
	Price         *decimal.Decimal `json:"price,omitempty"`
}

// AttemptOutcome describes what happened to one venue in a failover chain
type AttemptOutcome string

const (
	AttemptSkipped   AttemptOutcome = "skipped"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptSucceeded AttemptOutcome = "succeeded"
)

// Attempt is one step of the failover chain
type Attempt struct {
	Venue   string         `json:"venue"`
	Outcome AttemptOutcome `json:"outcome"`
	Kind    ErrorKind      `json:"kind,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// ExecutionResult is returned for a successfully placed order
type ExecutionResult struct {
	VenueUsed     string           `json:"venue_used"`
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Status        OrderStatus      `json:"status"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Latency       time.Duration    `json:"latency"`
	Failover      bool             `json:"failover"`
	Attempts      []Attempt        `json:"attempts"`
}

// VenueChain returns the venue ids of every attempt in order
func (r *ExecutionResult) VenueChain() []string {
	chain := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		chain = append(chain, a.Venue)
	}
	return chain
}

var lastArrival atomic.Int64

// NextArrival returns a process-wide strictly increasing arrival timestamp in nanoseconds
func NextArrival() int64 {
	for {
		prev := lastArrival.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if lastArrival.CompareAndSwap(prev, next) {
			return next
		}
	}
}
