package binance

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFutures struct {
	*httptest.Server

	mu       sync.Mutex
	forms    []map[string]string
	handlers map[string]http.HandlerFunc
}

func newFakeFutures(t *testing.T) *fakeFutures {
	t.Helper()
	f := &fakeFutures{handlers: make(map[string]http.HandlerFunc)}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form := make(map[string]string)
		for _, raw := range []string{r.URL.RawQuery, string(body)} {
			values, _ := url.ParseQuery(raw)
			for k := range values {
				form[k] = values.Get(k)
			}
		}

		f.mu.Lock()
		f.forms = append(f.forms, form)
		var handler http.HandlerFunc
		for pattern, h := range f.handlers {
			method, suffix, ok := strings.Cut(pattern, " ")
			if !ok {
				method, suffix = "", pattern
			}
			if (method == "" || method == r.Method) && strings.HasSuffix(r.URL.Path, suffix) {
				handler = h
				break
			}
		}
		f.mu.Unlock()

		if handler == nil {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeFutures) handle(pattern string, status int, body interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[pattern] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (f *fakeFutures) lastForm() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forms) == 0 {
		return nil
	}
	return f.forms[len(f.forms)-1]
}

func newTestClient(f *fakeFutures) *Client {
	return NewClient(Config{
		ID:          "binance",
		Endpoints:   types.Endpoints{REST: f.URL, Stream: "wss://stream.test/ws", PrivateStream: "wss://stream.test/ws"},
		Credentials: types.Credentials{APIKey: "key", APISecret: "secret"},
	})
}

func TestClient_PingAndPrice(t *testing.T) {
	f := newFakeFutures(t)
	f.handle("GET /ping", http.StatusOK, map[string]interface{}{})
	f.handle("/ticker/price", http.StatusOK, map[string]string{"symbol": "BTCUSDT", "price": "50010.10"})
	c := newTestClient(f)

	require.NoError(t, c.Ping(context.Background()))

	price, err := c.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("50010.10").Equal(price))
	assert.Equal(t, "BTCUSDT", f.lastForm()["symbol"])
}

func TestClient_PlaceOrder(t *testing.T) {
	f := newFakeFutures(t)
	f.handle("POST /order", http.StatusOK, map[string]interface{}{
		"orderId":       int64(123456),
		"clientOrderId": "cid-1",
		"symbol":        "BTCUSDT",
		"status":        "FILLED",
		"price":         "0",
		"avgPrice":      "50012.5",
		"origQty":       "0.010",
		"executedQty":   "0.010",
		"side":          "BUY",
		"type":          "MARKET",
	})
	c := newTestClient(f)

	ack, err := c.PlaceOrder(context.Background(), &types.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.01"),
		ClientOrderID: "cid-1",
		ReduceOnly:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", ack.OrderID)
	assert.Equal(t, "cid-1", ack.ClientOrderID)
	assert.Equal(t, types.OrderStatusFilled, ack.Status)
	require.NotNil(t, ack.Price)
	assert.True(t, decimal.RequireFromString("50012.5").Equal(*ack.Price))

	form := f.lastForm()
	assert.Equal(t, "cid-1", form["newClientOrderId"])
	assert.Equal(t, "RESULT", form["newOrderRespType"])
	assert.Equal(t, "true", form["reduceOnly"])
	assert.Empty(t, form["price"])
	assert.NotEmpty(t, form["signature"])
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   int
		kind   types.ErrorKind
	}{
		{"margin", http.StatusBadRequest, -2019, types.ErrorKindRejected},
		{"bad key", http.StatusUnauthorized, -2015, types.ErrorKindAuthentication},
		{"signature", http.StatusBadRequest, -1022, types.ErrorKindAuthentication},
		{"too many requests", http.StatusTooManyRequests, -1003, types.ErrorKindRateLimit},
		{"timeout", http.StatusBadRequest, -1007, types.ErrorKindConnectivity},
		{"timestamp", http.StatusBadRequest, -1021, types.ErrorKindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFutures(t)
			f.handle("POST /order", tt.status, map[string]interface{}{"code": tt.code, "msg": tt.name})
			c := newTestClient(f)

			_, err := c.PlaceOrder(context.Background(), &types.OrderRequest{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Quantity: decimal.NewFromInt(1)})
			var ve *types.VenueError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.kind, ve.Kind)
			assert.Equal(t, "binance", ve.Venue)
		})
	}
}

func TestClient_CancelOrderByClientID(t *testing.T) {
	f := newFakeFutures(t)
	f.handle("DELETE /order", http.StatusOK, map[string]interface{}{"orderId": 1, "status": "CANCELED"})
	c := newTestClient(f)

	require.NoError(t, c.CancelOrder(context.Background(), "BTCUSDT", "cid-9"))
	assert.Equal(t, "cid-9", f.lastForm()["origClientOrderId"])

	require.NoError(t, c.CancelOrder(context.Background(), "BTCUSDT", "42"))
	assert.Equal(t, "42", f.lastForm()["orderId"])
}

func TestClient_PositionsAndBalance(t *testing.T) {
	f := newFakeFutures(t)
	f.handle("/positionRisk", http.StatusOK, []map[string]string{
		{"symbol": "BTCUSDT", "positionAmt": "-0.5", "entryPrice": "50000", "markPrice": "49000", "unRealizedProfit": "500", "leverage": "10", "positionSide": "BOTH"},
		{"symbol": "ETHUSDT", "positionAmt": "0", "entryPrice": "0", "markPrice": "3000", "unRealizedProfit": "0", "leverage": "10", "positionSide": "BOTH"},
	})
	f.handle("/balance", http.StatusOK, []map[string]string{
		{"asset": "USDT", "balance": "1000", "availableBalance": "750"},
		{"asset": "BNB", "balance": "0", "availableBalance": "0"},
	})
	c := newTestClient(f)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, types.PositionSideShort, positions[0].Side)
	assert.True(t, decimal.RequireFromString("0.5").Equal(positions[0].Quantity))

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	require.Contains(t, bal.Assets, "USDT")
	assert.NotContains(t, bal.Assets, "BNB")
	assert.True(t, decimal.NewFromInt(750).Equal(bal.Assets["USDT"].Available))
}

func TestClient_UserStreamEndpoint(t *testing.T) {
	f := newFakeFutures(t)
	f.handle("POST /listenKey", http.StatusOK, map[string]string{"listenKey": "lk-1"})
	f.handle("PUT /listenKey", http.StatusOK, map[string]string{})
	c := newTestClient(f)

	specs := c.Streams(true)
	require.Len(t, specs, 2)

	endpoint, err := c.Endpoint(context.Background(), specs[0])
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.test/ws", endpoint)

	endpoint, err = c.Endpoint(context.Background(), specs[1])
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.test/ws/lk-1", endpoint)

	require.NoError(t, c.KeepAlive(context.Background(), specs[1]))
}

func TestClient_StreamsWithoutCredentials(t *testing.T) {
	c := NewClient(Config{ID: "binance"})
	assert.Len(t, c.Streams(true), 1)
}
