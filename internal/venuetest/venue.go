// Package venuetest provides a scriptable venue client for tests.
package venuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
)

// Venue is an in-memory VenueClient and StreamCodec
type Venue struct {
	name string

	mu         sync.Mutex
	price      decimal.Decimal
	priceErr   error
	pingErr    error
	pingDelay  time.Duration
	placeErrs  []error
	placeFunc  func(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error)
	placed     []types.OrderRequest
	cancelled  []string
	positions  []types.Position
	balance    *types.Balance
	streamURL  string
	authFrames []interface{}
	noPing     bool
	onShake    func()
	nextID     int
}

// New creates a healthy venue quoting zero
func New(name string) *Venue {
	return &Venue{name: name}
}

func (v *Venue) SetPrice(price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.price = price
	v.priceErr = nil
}

func (v *Venue) SetPriceError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.priceErr = err
}

func (v *Venue) SetPingError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pingErr = err
}

func (v *Venue) SetPingDelay(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pingDelay = d
}

// FailPlace queues errors returned by the next PlaceOrder calls
func (v *Venue) FailPlace(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeErrs = append(v.placeErrs, errs...)
}

// OnPlace replaces the PlaceOrder behaviour
func (v *Venue) OnPlace(fn func(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeFunc = fn
}

func (v *Venue) SetPositions(positions []types.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions = positions
}

func (v *Venue) SetBalance(b *types.Balance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = b
}

// SetStreamURL sets the websocket URL returned by Endpoint
func (v *Venue) SetStreamURL(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.streamURL = url
}

// DisableHeartbeat makes Heartbeat return nil, like venues that rely on websocket pings
func (v *Venue) DisableHeartbeat() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.noPing = true
}

// OnHandshake runs fn at the start of every stream handshake
func (v *Venue) OnHandshake(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onShake = fn
}

// SetAuthFrames sets the frames sent on private stream handshakes
func (v *Venue) SetAuthFrames(frames ...interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.authFrames = frames
}

// Placed returns every order request that reached PlaceOrder
func (v *Venue) Placed() []types.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]types.OrderRequest(nil), v.placed...)
}

// Cancelled returns every cancelled order id
func (v *Venue) Cancelled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancelled...)
}

func (v *Venue) Name() string {
	return v.name
}

func (v *Venue) Ping(ctx context.Context) error {
	v.mu.Lock()
	delay, err := v.pingDelay, v.pingErr
	v.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (v *Venue) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.priceErr != nil {
		return decimal.Zero, v.priceErr
	}
	return v.price, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	v.mu.Lock()
	v.placed = append(v.placed, *req)
	fn := v.placeFunc
	var err error
	if len(v.placeErrs) > 0 {
		err, v.placeErrs = v.placeErrs[0], v.placeErrs[1:]
	}
	v.nextID++
	id := strconv.Itoa(v.nextID)
	price := v.price
	v.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	ack := &types.OrderAck{
		Venue:         v.name,
		OrderID:       fmt.Sprintf("%s-%s", v.name, id),
		ClientOrderID: req.ClientOrderID,
		Status:        types.OrderStatusFilled,
	}
	if price.IsPositive() {
		ack.Price = &price
	}
	return ack, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, orderID)
	return nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]types.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]types.Position(nil), v.positions...), nil
}

func (v *Venue) GetBalance(ctx context.Context) (*types.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balance == nil {
		return &types.Balance{Venue: v.name, Assets: map[string]types.AssetBalance{}}, nil
	}
	return v.balance.Clone(), nil
}

// Frame is the wire format used by the fake stream
type Frame struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func channelArgs(channels []types.Channel) []string {
	args := make([]string, 0, len(channels))
	for _, ch := range channels {
		args = append(args, ch.String())
	}
	return args
}

func (v *Venue) Subscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	return []interface{}{Frame{Op: "subscribe", Args: channelArgs(channels)}}, nil
}

func (v *Venue) Unsubscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	return []interface{}{Frame{Op: "unsubscribe", Args: channelArgs(channels)}}, nil
}

func (v *Venue) Streams(authenticated bool) []types.StreamSpec {
	return []types.StreamSpec{{Name: "main", Public: true, Private: authenticated}}
}

func (v *Venue) Endpoint(ctx context.Context, stream types.StreamSpec) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.streamURL == "" {
		return "", fmt.Errorf("no stream url")
	}
	return v.streamURL, nil
}

func (v *Venue) Handshake(ctx context.Context, stream types.StreamSpec) ([]interface{}, error) {
	v.mu.Lock()
	fn := v.onShake
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
	if !stream.Private {
		return nil, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]interface{}(nil), v.authFrames...), nil
}

func (v *Venue) Heartbeat(stream types.StreamSpec) interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.noPing {
		return nil
	}
	return Frame{Op: "ping"}
}

// Message is a stream message understood by Decode
type Message struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol,omitempty"`
	Price    string `json:"price,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Quantity string `json:"quantity,omitempty"`
	Asset    string `json:"asset,omitempty"`
}

func (v *Venue) Decode(stream types.StreamSpec, raw []byte) ([]types.StreamUpdate, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	now := time.Now()
	switch msg.Type {
	case "ticker":
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return nil, fmt.Errorf("bad price %q: %w", msg.Price, err)
		}
		return []types.StreamUpdate{{Kind: types.UpdateMarket, Market: &types.MarketEntry{Symbol: msg.Symbol, Last: price, Timestamp: now}}}, nil
	case "order":
		return []types.StreamUpdate{{Kind: types.UpdateOrder, Order: &types.Order{OrderID: msg.OrderID, Symbol: msg.Symbol, Status: msg.Status, Timestamp: now}}}, nil
	case "fill":
		qty, _ := decimal.NewFromString(msg.Quantity)
		price, _ := decimal.NewFromString(msg.Price)
		return []types.StreamUpdate{{Kind: types.UpdateExecution, Execution: &types.Execution{OrderID: msg.OrderID, Symbol: msg.Symbol, Price: price, Quantity: qty, Timestamp: now}}}, nil
	case "position":
		qty, _ := decimal.NewFromString(msg.Quantity)
		return []types.StreamUpdate{{Kind: types.UpdatePosition, Position: &types.Position{Symbol: msg.Symbol, Quantity: qty, Timestamp: now}}}, nil
	case "balance":
		qty, _ := decimal.NewFromString(msg.Quantity)
		return []types.StreamUpdate{{Kind: types.UpdateBalance, Balance: &types.Balance{Timestamp: now, Assets: map[string]types.AssetBalance{
			msg.Asset: {Asset: msg.Asset, Total: qty, Available: qty},
		}}}}, nil
	case "pong", "ack":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown message type %q", msg.Type)
}
