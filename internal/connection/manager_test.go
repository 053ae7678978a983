package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/internal/registry"
	"github.com/mExOms/gateway/internal/venuetest"
	"github.com/mExOms/gateway/pkg/cache"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, venue *venuetest.Venue, limits types.RateLimits) (*Manager, *ratelimit.Limiter, *cache.Realtime) {
	t.Helper()
	reg, err := registry.New([]types.VenueConfig{{ID: venue.Name(), Active: true, RateLimits: limits}})
	require.NoError(t, err)

	limiter := ratelimit.New(reg)
	rt := cache.NewRealtime()
	m := NewManager(Options{
		Venue:   venue.Name(),
		Client:  venue,
		Limiter: limiter,
		Cache:   rt,
		Config:  Config{CallTimeout: 100 * time.Millisecond, RateLimitCooldown: time.Minute},
	})
	return m, limiter, rt
}

func TestManager_PlaceOrderCachesAck(t *testing.T) {
	venue := venuetest.New("A")
	venue.SetPrice(decimal.NewFromInt(50000))
	m, _, rt := newTestManager(t, venue, types.RateLimits{})

	req := &types.OrderRequest{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.RequireFromString("0.01"), ClientOrderID: "cid-1"}
	ack, err := m.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "A", ack.Venue)
	assert.Equal(t, "A-1", ack.OrderID)

	order, ok := rt.GetOrder("A", "A-1")
	require.True(t, ok)
	assert.Equal(t, "cid-1", order.ClientOrderID)
	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.True(t, decimal.NewFromInt(50000).Equal(order.AveragePrice))
}

func TestManager_PlaceOrderDoesNotAcquire(t *testing.T) {
	venue := venuetest.New("A")
	m, limiter, _ := newTestManager(t, venue, types.RateLimits{Orders: 1})

	res, err := limiter.Acquire("A", ratelimit.CategoryOrders)
	require.NoError(t, err)
	require.NotNil(t, res)

	_, err = m.PlaceOrder(context.Background(), &types.OrderRequest{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.Snapshot("A")[ratelimit.CategoryOrders].Count)
}

func TestManager_CancelOrderCountsAgainstOrders(t *testing.T) {
	venue := venuetest.New("A")
	m, _, _ := newTestManager(t, venue, types.RateLimits{Orders: 1})

	require.NoError(t, m.CancelOrder(context.Background(), "BTCUSDT", "1"))
	err := m.CancelOrder(context.Background(), "BTCUSDT", "2")
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindRateLimit, types.KindOf(err))
	assert.Equal(t, []string{"1"}, venue.Cancelled())
}

func TestManager_GetPriceCaches(t *testing.T) {
	venue := venuetest.New("A")
	venue.SetPrice(decimal.NewFromInt(50010))
	m, limiter, rt := newTestManager(t, venue, types.RateLimits{Requests: 10})

	price, err := m.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50010).Equal(price))

	cached, ok := rt.GetPrice("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(cached))
	assert.Equal(t, 1, limiter.Snapshot("A")[ratelimit.CategoryRequests].Count)
}

func TestManager_GetPriceRejectsZero(t *testing.T) {
	venue := venuetest.New("A")
	m, _, _ := newTestManager(t, venue, types.RateLimits{})

	_, err := m.GetPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindProtocol, types.KindOf(err))
}

func TestManager_VenueRateLimitMarksExhausted(t *testing.T) {
	venue := venuetest.New("A")
	venue.SetPriceError(types.NewVenueError("A", types.ErrorKindRateLimit, "429", "too many requests", nil))
	m, limiter, _ := newTestManager(t, venue, types.RateLimits{})

	_, err := m.GetPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, limiter.Exhausted("A"))

	_, err = limiter.Acquire("A", ratelimit.CategoryRequests)
	assert.Equal(t, types.ErrorKindRateLimit, types.KindOf(err))
}

func TestManager_TimeoutIsConnectivity(t *testing.T) {
	venue := venuetest.New("A")
	venue.OnPlace(func(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m, _, _ := newTestManager(t, venue, types.RateLimits{})

	_, err := m.PlaceOrder(context.Background(), &types.OrderRequest{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindConnectivity, types.KindOf(err))
	assert.Equal(t, types.CodeUnavailable, types.Code(err))
}

func TestManager_CallerCancellation(t *testing.T) {
	venue := venuetest.New("A")
	ctx, cancel := context.WithCancel(context.Background())
	venue.OnPlace(func(callCtx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	})
	m, _, _ := newTestManager(t, venue, types.RateLimits{})

	_, err := m.PlaceOrder(ctx, &types.OrderRequest{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestManager_RawErrorsAreClassified(t *testing.T) {
	venue := venuetest.New("A")
	venue.FailPlace(errors.New("unexpected payload"))
	m, _, _ := newTestManager(t, venue, types.RateLimits{})

	_, err := m.PlaceOrder(context.Background(), &types.OrderRequest{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)})
	var ve *types.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "A", ve.Venue)
	assert.Equal(t, types.ErrorKindProtocol, ve.Kind)
}

func TestManager_BalanceAndPositions(t *testing.T) {
	venue := venuetest.New("A")
	venue.SetBalance(&types.Balance{Assets: map[string]types.AssetBalance{
		"USDT": {Asset: "USDT", Total: decimal.NewFromInt(1000), Available: decimal.NewFromInt(800)},
	}})
	venue.SetPositions([]types.Position{{Symbol: "BTCUSDT", Side: types.PositionSideLong, Quantity: decimal.RequireFromString("0.5")}})
	m, _, rt := newTestManager(t, venue, types.RateLimits{})

	bal, err := m.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", bal.Venue)

	cached, ok := rt.GetBalance("A")
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(800).Equal(cached.Assets["USDT"].Available))

	positions, err := m.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos, ok := rt.GetPosition("A", "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, types.PositionSideLong, pos.Side)
}

func TestManager_NonStreamingClient(t *testing.T) {
	m := NewManager(Options{Client: nonStreaming{venuetest.New("B")}})
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, "B", m.Venue())
	assert.False(t, m.Streaming())
	assert.Equal(t, types.StreamDisconnected, m.State())
	m.Stop()
}

// nonStreaming hides the codec methods of the fake venue
type nonStreaming struct {
	v *venuetest.Venue
}

func (n nonStreaming) Name() string                   { return n.v.Name() }
func (n nonStreaming) Ping(ctx context.Context) error { return n.v.Ping(ctx) }
func (n nonStreaming) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return n.v.GetPrice(ctx, symbol)
}
func (n nonStreaming) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	return n.v.PlaceOrder(ctx, req)
}
func (n nonStreaming) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return n.v.CancelOrder(ctx, symbol, orderID)
}
func (n nonStreaming) GetPositions(ctx context.Context) ([]types.Position, error) {
	return n.v.GetPositions(ctx)
}
func (n nonStreaming) GetBalance(ctx context.Context) (*types.Balance, error) {
	return n.v.GetBalance(ctx)
}
func (n nonStreaming) Subscribe(ctx context.Context, s types.StreamSpec, ch []types.Channel) ([]interface{}, error) {
	return n.v.Subscribe(ctx, s, ch)
}
func (n nonStreaming) Unsubscribe(ctx context.Context, s types.StreamSpec, ch []types.Channel) ([]interface{}, error) {
	return n.v.Unsubscribe(ctx, s, ch)
}
