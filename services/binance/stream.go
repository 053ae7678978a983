package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/mExOms/gateway/pkg/types"
)

const (
	streamMarket = "market"
	streamUser   = "user"
)

// Streams returns the public market stream and, with credentials, the listen-key user stream
func (c *Client) Streams(authenticated bool) []types.StreamSpec {
	specs := []types.StreamSpec{{Name: streamMarket, Public: true}}
	if authenticated && c.authed {
		specs = append(specs, types.StreamSpec{Name: streamUser, Private: true})
	}
	return specs
}

// Endpoint returns the dial URL; the user stream gets a fresh listen key on every connect
func (c *Client) Endpoint(ctx context.Context, stream types.StreamSpec) (string, error) {
	if !stream.Private {
		return c.endpoints.Stream, nil
	}
	listenKey, err := c.rest.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get listen key: %w", c.classify(err))
	}
	c.mu.Lock()
	c.listenKey = listenKey
	c.mu.Unlock()
	return strings.TrimSuffix(c.endpoints.PrivateStream, "/") + "/" + listenKey, nil
}

// Handshake is empty: the listen key in the URL authenticates the user stream
func (c *Client) Handshake(ctx context.Context, stream types.StreamSpec) ([]interface{}, error) {
	return nil, nil
}

// Heartbeat is nil: the server pings and the websocket layer answers with pongs
func (c *Client) Heartbeat(stream types.StreamSpec) interface{} {
	return nil
}

// KeepAliveInterval is how often the listen key must be extended
func (c *Client) KeepAliveInterval() time.Duration {
	return listenKeyKeepAlive
}

// KeepAlive extends the current listen key
func (c *Client) KeepAlive(ctx context.Context, stream types.StreamSpec) error {
	c.mu.Lock()
	listenKey := c.listenKey
	c.mu.Unlock()
	if listenKey == "" {
		return nil
	}
	if err := c.rest.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return fmt.Errorf("failed to keep listen key alive: %w", c.classify(err))
	}
	return nil
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *Client) marketParams(channels []types.Channel) []string {
	var params []string
	for _, ch := range channels {
		if ch.Kind != types.ChannelTicker || ch.Symbol == "" {
			continue
		}
		sym := strings.ToLower(c.normalizer.Denormalize(ch.Symbol))
		params = append(params, sym+"@ticker", sym+"@bookTicker")
	}
	return params
}

// Subscribe builds a SUBSCRIBE frame for ticker channels; account channels arrive on the user stream unasked
func (c *Client) Subscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	if stream.Private {
		return nil, nil
	}
	params := c.marketParams(channels)
	if len(params) == 0 {
		return nil, nil
	}
	return []interface{}{subscribeFrame{Method: "SUBSCRIBE", Params: params, ID: c.nextRequestID()}}, nil
}

// Unsubscribe builds an UNSUBSCRIBE frame for ticker channels
func (c *Client) Unsubscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	if stream.Private {
		return nil, nil
	}
	params := c.marketParams(channels)
	if len(params) == 0 {
		return nil, nil
	}
	return []interface{}{subscribeFrame{Method: "UNSUBSCRIBE", Params: params, ID: c.nextRequestID()}}, nil
}

// Go's json matches keys case-insensitively, so every struct below declares both
// spellings of keys that Binance uses in upper and lower case (e/E, c/C, ap/AP).
type envelope struct {
	Event string          `json:"e"`
	Time  int64           `json:"E"`
	ID    json.RawMessage `json:"id"`
	Error *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type tickerEvent struct {
	Event     string `json:"e"`
	Time      int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	CloseTime int64  `json:"C"`
}

type orderTradeUpdate struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		AveragePrice  string `json:"ap"`
		ActivatePrice string `json:"AP"`
		ExecutionType string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastQty       string `json:"l"`
		FilledQty     string `json:"z"`
		LastPrice     string `json:"L"`
		FeeAsset      string `json:"N"`
		Fee           string `json:"n"`
		TradeTime     int64  `json:"T"`
		TradeID       int64  `json:"t"`
	} `json:"o"`
}

type accountUpdate struct {
	Event   string `json:"e"`
	Time    int64  `json:"E"`
	Account struct {
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
			CrossWallet   string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol        string `json:"s"`
			Amount        string `json:"pa"`
			EntryPrice    string `json:"ep"`
			UnrealizedPnL string `json:"up"`
			PositionSide  string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// Decode turns a market or user stream frame into updates
func (c *Client) Decode(stream types.StreamSpec, raw []byte) ([]types.StreamUpdate, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("stream request failed: code %d: %s", env.Error.Code, env.Error.Msg)
	}

	switch env.Event {
	case "":
		// subscription acknowledgement
		return nil, nil
	case "24hrTicker":
		var ev tickerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode ticker: %w", err)
		}
		return []types.StreamUpdate{{Kind: types.UpdateMarket, Market: &types.MarketEntry{
			Symbol:    c.normalizer.Normalize(ev.Symbol),
			Last:      parseDecimal(ev.Last),
			Timestamp: msTime(ev.Time),
		}}}, nil
	case "bookTicker":
		var ev futures.WsBookTickerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode book ticker: %w", err)
		}
		return []types.StreamUpdate{{Kind: types.UpdateMarket, Market: &types.MarketEntry{
			Symbol:    c.normalizer.Normalize(ev.Symbol),
			Bid:       parseDecimal(ev.BestBidPrice),
			Ask:       parseDecimal(ev.BestAskPrice),
			Timestamp: time.Now(),
		}}}, nil
	case "ORDER_TRADE_UPDATE":
		return c.decodeOrderUpdate(raw)
	case "ACCOUNT_UPDATE":
		return c.decodeAccountUpdate(raw)
	case "listenKeyExpired":
		return nil, fmt.Errorf("listen key expired")
	}
	return nil, nil
}

func (c *Client) decodeOrderUpdate(raw []byte) ([]types.StreamUpdate, error) {
	var ev orderTradeUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode order update: %w", err)
	}
	o := ev.Order
	orderID := strconv.FormatInt(o.OrderID, 10)
	symbol := c.normalizer.Normalize(o.Symbol)
	ts := msTime(ev.Time)

	updates := []types.StreamUpdate{{Kind: types.UpdateOrder, Order: &types.Order{
		OrderID:        orderID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         symbol,
		Side:           o.Side,
		Type:           o.Type,
		Status:         o.Status,
		Price:          parseDecimal(o.Price),
		Quantity:       parseDecimal(o.Quantity),
		FilledQuantity: parseDecimal(o.FilledQty),
		AveragePrice:   parseDecimal(o.AveragePrice),
		Timestamp:      ts,
	}}}
	if o.ExecutionType == "TRADE" {
		updates = append(updates, types.StreamUpdate{Kind: types.UpdateExecution, Execution: &types.Execution{
			OrderID:   orderID,
			TradeID:   strconv.FormatInt(o.TradeID, 10),
			Symbol:    symbol,
			Side:      o.Side,
			Price:     parseDecimal(o.LastPrice),
			Quantity:  parseDecimal(o.LastQty),
			Fee:       parseDecimal(o.Fee),
			FeeAsset:  o.FeeAsset,
			Timestamp: msTime(o.TradeTime),
		}})
	}
	return updates, nil
}

func (c *Client) decodeAccountUpdate(raw []byte) ([]types.StreamUpdate, error) {
	var ev accountUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode account update: %w", err)
	}
	ts := msTime(ev.Time)

	var updates []types.StreamUpdate
	if len(ev.Account.Balances) > 0 {
		bal := &types.Balance{Assets: make(map[string]types.AssetBalance, len(ev.Account.Balances)), Timestamp: ts}
		for _, b := range ev.Account.Balances {
			bal.Assets[b.Asset] = types.AssetBalance{
				Asset:     b.Asset,
				Total:     parseDecimal(b.WalletBalance),
				Available: parseDecimal(b.CrossWallet),
			}
		}
		updates = append(updates, types.StreamUpdate{Kind: types.UpdateBalance, Balance: bal})
	}
	for _, p := range ev.Account.Positions {
		qty := parseDecimal(p.Amount)
		updates = append(updates, types.StreamUpdate{Kind: types.UpdatePosition, Position: &types.Position{
			Symbol:        c.normalizer.Normalize(p.Symbol),
			Side:          positionSide(p.PositionSide, qty),
			Quantity:      qty.Abs(),
			EntryPrice:    parseDecimal(p.EntryPrice),
			UnrealizedPnL: parseDecimal(p.UnrealizedPnL),
			Timestamp:     ts,
		}})
	}
	return updates, nil
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
