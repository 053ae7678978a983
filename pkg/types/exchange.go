package types

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// VenueClient is the capability set every venue connector implements.
// Subscribe and Unsubscribe build the wire frames for a channel set on one stream;
// the connection manager owns the socket they are written to.
type VenueClient interface {
	Name() string
	Ping(ctx context.Context) error

	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetPositions(ctx context.Context) ([]Position, error)
	GetBalance(ctx context.Context) (*Balance, error)

	Subscribe(ctx context.Context, stream StreamSpec, channels []Channel) ([]interface{}, error)
	Unsubscribe(ctx context.Context, stream StreamSpec, channels []Channel) ([]interface{}, error)
}

// StreamCodec carries the venue-specific websocket protocol
type StreamCodec interface {
	// Streams lists the connections the venue needs
	Streams(authenticated bool) []StreamSpec
	// Endpoint resolves the dial URL, fetching tokens or listen keys if needed
	Endpoint(ctx context.Context, stream StreamSpec) (string, error)
	// Handshake returns frames sent right after dialing, before subscriptions
	Handshake(ctx context.Context, stream StreamSpec) ([]interface{}, error)
	// Heartbeat returns the application-level ping frame, or nil
	Heartbeat(stream StreamSpec) interface{}
	// Decode turns one raw frame into zero or more updates
	Decode(stream StreamSpec, raw []byte) ([]StreamUpdate, error)
}

// StreamingVenue is a venue client that can also stream
type StreamingVenue interface {
	VenueClient
	StreamCodec
}

// SessionKeeper is implemented by venues whose private stream needs periodic refresh
type SessionKeeper interface {
	KeepAliveInterval() time.Duration
	KeepAlive(ctx context.Context, stream StreamSpec) error
}

// StreamSpec names one streaming connection of a venue
type StreamSpec struct {
	Name    string `json:"name"`
	Public  bool   `json:"public"`
	Private bool   `json:"private"`
}

// Accepts reports whether the channel belongs on this stream
func (s StreamSpec) Accepts(ch Channel) bool {
	if ch.Kind.Private() {
		return s.Private
	}
	return s.Public
}

// ChannelKind names a streaming subscription
type ChannelKind string

const (
	ChannelTicker     ChannelKind = "ticker"
	ChannelPositions  ChannelKind = "positions"
	ChannelOrders     ChannelKind = "orders"
	ChannelExecutions ChannelKind = "executions"
	ChannelBalance    ChannelKind = "balance"
)

// Private reports whether the channel requires authentication
func (k ChannelKind) Private() bool {
	return k != ChannelTicker
}

// Channel is one subscription; Symbol is empty for account-wide channels
type Channel struct {
	Kind   ChannelKind `json:"kind"`
	Symbol string      `json:"symbol,omitempty"`
}

// String returns a stable key for the channel
func (c Channel) String() string {
	if c.Symbol == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Symbol
}

// UpdateKind names the payload of a decoded stream update
type UpdateKind string

const (
	UpdateMarket    UpdateKind = "market"
	UpdatePosition  UpdateKind = "position"
	UpdateOrder     UpdateKind = "order"
	UpdateExecution UpdateKind = "execution"
	UpdateBalance   UpdateKind = "balance"
)

// StreamUpdate is one decoded message; exactly one payload field is set
type StreamUpdate struct {
	Kind      UpdateKind
	Market    *MarketEntry
	Position  *Position
	Order     *Order
	Execution *Execution
	Balance   *Balance
}

// DefaultChannels returns the ticker channels for symbols plus the private account channels
func DefaultChannels(symbols []string, authenticated bool) []Channel {
	channels := make([]Channel, 0, len(symbols)+4)
	for _, s := range symbols {
		channels = append(channels, Channel{Kind: ChannelTicker, Symbol: s})
	}
	if authenticated {
		channels = append(channels,
			Channel{Kind: ChannelPositions},
			Channel{Kind: ChannelOrders},
			Channel{Kind: ChannelExecutions},
			Channel{Kind: ChannelBalance},
		)
	}
	return channels
}
