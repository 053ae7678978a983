package kucoin

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_BulletEndpoint(t *testing.T) {
	f := newFakeKucoin(t)
	f.ok("POST /api/v1/bullet-private", map[string]interface{}{
		"token": "tok-1",
		"instanceServers": []map[string]interface{}{
			{"endpoint": "wss://ws-api-futures.kucoin.com/endpoint", "protocol": "websocket", "pingInterval": 18000},
		},
	})
	c := newTestClient(t, f)

	specs := c.Streams(true)
	require.Len(t, specs, 1)
	assert.True(t, specs[0].Private)

	endpoint, err := c.Endpoint(context.Background(), specs[0])
	require.NoError(t, err)
	assert.Equal(t, "wss://ws-api-futures.kucoin.com/endpoint?connectId=fixed-id&token=tok-1", endpoint)
	assert.Equal(t, c.sign("1700000000000POST/api/v1/bullet-private"), f.last().header.Get("KC-API-SIGN"))
}

func TestClient_PublicStreamWithoutCredentials(t *testing.T) {
	c := NewClient(Config{ID: "kucoin"})
	specs := c.Streams(true)
	require.Len(t, specs, 1)
	assert.False(t, specs[0].Private)
	assert.False(t, specs[0].Accepts(types.Channel{Kind: types.ChannelOrders}))
}

func TestClient_SubscribeFrames(t *testing.T) {
	f := newFakeKucoin(t)
	f.ok("GET /api/v1/contracts/XBTUSDTM", map[string]interface{}{"symbol": "XBTUSDTM", "multiplier": 0.001})
	f.ok("GET /api/v1/contracts/ETHUSDTM", map[string]interface{}{"symbol": "ETHUSDTM", "multiplier": 0.01})
	c := newTestClient(t, f)
	spec := c.Streams(true)[0]

	frames, err := c.Subscribe(context.Background(), spec, types.DefaultChannels([]string{"BTCUSDT", "ETHUSDT"}, true))
	require.NoError(t, err)
	require.Len(t, frames, 4)

	var topics []string
	for _, frame := range frames {
		data, err := json.Marshal(frame)
		require.NoError(t, err)
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, "subscribe", decoded["type"])
		topics = append(topics, decoded["topic"].(string))
	}
	assert.Equal(t, []string{
		"/contractMarket/tickerV2:XBTUSDTM,ETHUSDTM",
		"/contract/positionAll",
		"/contractMarket/tradeOrders",
		"/contractAccount/wallet",
	}, topics)
	assert.Equal(t, 2, f.count(http.MethodGet, "/api/v1/contracts/"))

	hb, _ := json.Marshal(c.Heartbeat(spec))
	assert.JSONEq(t, `{"id":"fixed-id","type":"ping"}`, string(hb))
}

func TestClient_DecodeTickerV2(t *testing.T) {
	c := newTestClient(t, newFakeKucoin(t))
	spec := c.Streams(false)[0]

	updates, err := c.Decode(spec, []byte(`{"type":"message","topic":"/contractMarket/tickerV2:XBTUSDTM","subject":"tickerV2",
		"data":{"symbol":"XBTUSDTM","bestBidSize":5,"bestBidPrice":"50000","bestAskPrice":"50002","bestAskSize":3,"ts":1700000000000000000}}`))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	m := updates[0].Market
	assert.Equal(t, "BTCUSDT", m.Symbol)
	assert.True(t, decimal.NewFromInt(50001).Equal(m.Price()))
	assert.True(t, m.Timestamp.Equal(time.Unix(0, 1700000000000000000)))

	for _, raw := range []string{
		`{"id":"x","type":"welcome"}`,
		`{"id":"x","type":"ack"}`,
		`{"id":"x","type":"pong"}`,
	} {
		updates, err := c.Decode(spec, []byte(raw))
		require.NoError(t, err)
		assert.Empty(t, updates)
	}

	_, err = c.Decode(spec, []byte(`{"id":"x","type":"error","code":401,"data":"token is expired"}`))
	assert.Error(t, err)
}

func TestClient_DecodeOrderMatchInBaseUnits(t *testing.T) {
	f := newFakeKucoin(t)
	f.ok("GET /api/v1/contracts/XBTUSDTM", map[string]interface{}{"symbol": "XBTUSDTM", "multiplier": 0.001})
	c := newTestClient(t, f)
	_, err := c.multiplier(context.Background(), "XBTUSDTM")
	require.NoError(t, err)
	spec := c.Streams(true)[0]

	updates, err := c.Decode(spec, []byte(`{"type":"message","topic":"/contractMarket/tradeOrders","subject":"orderChange","channelType":"private",
		"data":{"orderId":"o-1","symbol":"XBTUSDTM","type":"match","status":"match","matchSize":"4","matchPrice":"50010","orderType":"market",
		"side":"buy","price":"0","size":"10","remainSize":"6","filledSize":"4","tradeId":"t-1","clientOid":"cid-1","orderTime":1700000000000000000,"ts":1700000000000000000}}`))
	require.NoError(t, err)
	require.Len(t, updates, 2)

	order := updates[0].Order
	assert.Equal(t, types.OrderStatusPartiallyFilled, order.Status)
	assert.Equal(t, types.OrderSideBuy, order.Side)
	assert.True(t, decimal.RequireFromString("0.01").Equal(order.Quantity))
	assert.True(t, decimal.RequireFromString("0.004").Equal(order.FilledQuantity))

	exec := updates[1].Execution
	assert.Equal(t, "t-1", exec.TradeID)
	assert.True(t, decimal.RequireFromString("0.004").Equal(exec.Quantity))
	assert.True(t, decimal.NewFromInt(50010).Equal(exec.Price))
}

func TestClient_DecodeAccountTopics(t *testing.T) {
	f := newFakeKucoin(t)
	f.ok("GET /api/v1/contracts/XBTUSDTM", map[string]interface{}{"symbol": "XBTUSDTM", "multiplier": 0.001})
	c := newTestClient(t, f)
	spec := c.Streams(true)[0]

	updates, err := c.Decode(spec, []byte(`{"type":"message","topic":"/contract/position:XBTUSDTM","subject":"position.change",
		"data":{"symbol":"XBTUSDTM","currentQty":3,"avgEntryPrice":50000,"markPrice":50100,"unrealisedPnl":0.3,"realLeverage":2,"currentTimestamp":1700000000000}}`))
	require.NoError(t, err)
	assert.Empty(t, updates, "single-symbol position topic is not subscribed")

	updates, err = c.Decode(spec, []byte(`{"type":"message","topic":"/contract/positionAll","subject":"position.change",
		"data":{"symbol":"XBTUSDTM","currentQty":3,"avgEntryPrice":50000,"markPrice":50100,"unrealisedPnl":0.3,"realLeverage":2,"currentTimestamp":1700000000000}}`))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, types.PositionSideLong, updates[0].Position.Side)
	assert.True(t, decimal.RequireFromString("0.003").Equal(updates[0].Position.Quantity))

	updates, err = c.Decode(spec, []byte(`{"type":"message","topic":"/contractAccount/wallet","subject":"availableBalance.change",
		"data":{"availableBalance":900.5,"holdBalance":100,"currency":"USDT","timestamp":"1700000000000"}}`))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	usdt := updates[0].Balance.Assets["USDT"]
	assert.True(t, decimal.RequireFromString("1000.5").Equal(usdt.Total))
	assert.True(t, decimal.RequireFromString("900.5").Equal(usdt.Available))
}

func TestClient_DecodeLoadsMultiplierOnce(t *testing.T) {
	f := newFakeKucoin(t)
	f.ok("GET /api/v1/contracts/ETHUSDTM", map[string]interface{}{"symbol": "ETHUSDTM", "multiplier": 0.01})
	c := newTestClient(t, f)
	spec := c.Streams(true)[0]
	frame := []byte(`{"type":"message","topic":"/contract/positionAll","subject":"position.change",
		"data":{"symbol":"ETHUSDTM","currentQty":-5,"avgEntryPrice":3000,"markPrice":2990,"unrealisedPnl":0.5,"realLeverage":3,"currentTimestamp":1700000000000}}`)

	for i := 0; i < 2; i++ {
		updates, err := c.Decode(spec, frame)
		require.NoError(t, err)
		require.Len(t, updates, 1)
		assert.Equal(t, types.PositionSideShort, updates[0].Position.Side)
		assert.True(t, decimal.RequireFromString("0.05").Equal(updates[0].Position.Quantity))
	}
	assert.Equal(t, 1, f.count(http.MethodGet, "/api/v1/contracts/ETHUSDTM"))
}

func TestClient_DecodeDropsUpdateWithoutMultiplier(t *testing.T) {
	c := newTestClient(t, newFakeKucoin(t))
	spec := c.Streams(true)[0]

	updates, err := c.Decode(spec, []byte(`{"type":"message","topic":"/contractMarket/tradeOrders","subject":"orderChange","channelType":"private",
		"data":{"orderId":"o-2","symbol":"SOLUSDTM","type":"open","status":"open","orderType":"limit",
		"side":"sell","price":"150","size":"10","remainSize":"10","filledSize":"0","clientOid":"cid-2","orderTime":1700000000000000000,"ts":1700000000000000000}}`))
	assert.Error(t, err)
	assert.Empty(t, updates)
}
