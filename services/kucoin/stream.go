package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	streamName = "futures"

	topicTicker    = "/contractMarket/tickerV2:"
	topicOrders    = "/contractMarket/tradeOrders"
	topicPositions = "/contract/positionAll"
	topicWallet    = "/contractAccount/wallet"
)

func newUUID() string {
	return uuid.NewString()
}

// Streams returns the single futures stream; it carries account topics when authenticated
func (c *Client) Streams(authenticated bool) []types.StreamSpec {
	return []types.StreamSpec{{
		Name:    streamName,
		Public:  true,
		Private: authenticated && c.authenticated(),
	}}
}

type bullet struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		PingInterval int64  `json:"pingInterval"`
	} `json:"instanceServers"`
}

// Endpoint requests a fresh bullet token on every connect
func (c *Client) Endpoint(ctx context.Context, stream types.StreamSpec) (string, error) {
	path := "/api/v1/bullet-public"
	if stream.Private {
		path = "/api/v1/bullet-private"
	}
	var b bullet
	if err := c.request(ctx, http.MethodPost, path, nil, nil, stream.Private, ratelimit.CategoryRequests, &b); err != nil {
		return "", fmt.Errorf("failed to get bullet token: %w", err)
	}
	if b.Token == "" || len(b.InstanceServers) == 0 {
		return "", types.NewVenueError(c.id, types.ErrorKindProtocol, "", "bullet response has no instance server", nil)
	}

	endpoint := b.InstanceServers[0].Endpoint
	if c.endpoints.Stream != "" {
		endpoint = c.endpoints.Stream
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid stream endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("token", b.Token)
	q.Set("connectId", c.newID())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handshake is empty: the server greets with a welcome message
func (c *Client) Handshake(ctx context.Context, stream types.StreamSpec) ([]interface{}, error) {
	return nil, nil
}

type wsRequest struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

// Heartbeat returns the ping frame; the server closes idle sockets after pingTimeout
func (c *Client) Heartbeat(stream types.StreamSpec) interface{} {
	return wsRequest{ID: c.newID(), Type: "ping"}
}

func (c *Client) frames(ctx context.Context, op string, stream types.StreamSpec, channels []types.Channel) []interface{} {
	var (
		symbols []string
		private []string
	)
	for _, ch := range channels {
		switch ch.Kind {
		case types.ChannelTicker:
			if ch.Symbol != "" {
				venueSymbol := c.normalizer.Denormalize(ch.Symbol)
				symbols = append(symbols, venueSymbol)
				if op == "subscribe" {
					// warm the multiplier cache so account frames decode in base units
					if _, err := c.multiplier(ctx, venueSymbol); err != nil {
						c.logger.WithError(err).WithField("symbol", venueSymbol).Warn("Failed to load contract multiplier")
					}
				}
			}
		case types.ChannelOrders, types.ChannelExecutions:
			private = appendOnce(private, topicOrders)
		case types.ChannelPositions:
			private = appendOnce(private, topicPositions)
		case types.ChannelBalance:
			private = appendOnce(private, topicWallet)
		}
	}

	var out []interface{}
	if len(symbols) > 0 && stream.Public {
		out = append(out, wsRequest{ID: c.newID(), Type: op, Topic: topicTicker + strings.Join(symbols, ","), Response: true})
	}
	if stream.Private {
		for _, topic := range private {
			out = append(out, wsRequest{ID: c.newID(), Type: op, Topic: topic, PrivateChannel: true, Response: true})
		}
	}
	return out
}

// Subscribe builds one frame for all ticker symbols plus one per private topic
func (c *Client) Subscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	return c.frames(ctx, "subscribe", stream, channels), nil
}

// Unsubscribe builds the matching unsubscribe frames
func (c *Client) Unsubscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	return c.frames(ctx, "unsubscribe", stream, channels), nil
}

type wsMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Code    json.RawMessage `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type tickerV2 struct {
	Symbol       string `json:"symbol"`
	BestBidPrice string `json:"bestBidPrice"`
	BestAskPrice string `json:"bestAskPrice"`
	TS           int64  `json:"ts"`
}

type orderChange struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	OrderType  string `json:"orderType"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	FilledSize string `json:"filledSize"`
	MatchPrice string `json:"matchPrice"`
	MatchSize  string `json:"matchSize"`
	TradeID    string `json:"tradeId"`
	TS         int64  `json:"ts"`
}

type walletChange struct {
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	HoldBalance      decimal.Decimal `json:"holdBalance"`
	Currency         string          `json:"currency"`
	Timestamp        string          `json:"timestamp"`
}

// Decode turns a futures stream frame into updates
func (c *Client) Decode(stream types.StreamSpec, raw []byte) ([]types.StreamUpdate, error) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch msg.Type {
	case "welcome", "ack", "pong":
		return nil, nil
	case "error":
		return nil, fmt.Errorf("stream error %s: %s", string(msg.Code), string(msg.Data))
	case "message":
	default:
		return nil, nil
	}

	switch {
	case strings.HasPrefix(msg.Topic, topicTicker):
		var t tickerV2
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return nil, fmt.Errorf("failed to decode ticker: %w", err)
		}
		return []types.StreamUpdate{{Kind: types.UpdateMarket, Market: &types.MarketEntry{
			Symbol:    c.normalizer.Normalize(t.Symbol),
			Bid:       parseDecimal(t.BestBidPrice),
			Ask:       parseDecimal(t.BestAskPrice),
			Timestamp: nsTime(t.TS),
		}}}, nil
	case msg.Topic == topicOrders:
		return c.decodeOrderChange(msg.Data)
	case strings.HasPrefix(msg.Topic, topicPositions):
		if msg.Subject != "position.change" {
			return nil, nil
		}
		var p positionData
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode position: %w", err)
		}
		mult, err := c.streamMultiplier(p.Symbol)
		if err != nil {
			return nil, err
		}
		pos := c.toPosition(p, mult)
		return []types.StreamUpdate{{Kind: types.UpdatePosition, Position: &pos}}, nil
	case msg.Topic == topicWallet:
		if msg.Subject != "availableBalance.change" {
			return nil, nil
		}
		var w walletChange
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			return nil, fmt.Errorf("failed to decode wallet: %w", err)
		}
		return []types.StreamUpdate{{Kind: types.UpdateBalance, Balance: &types.Balance{
			Assets: map[string]types.AssetBalance{w.Currency: {
				Asset:     w.Currency,
				Total:     w.AvailableBalance.Add(w.HoldBalance),
				Available: w.AvailableBalance,
			}},
			Timestamp: time.Now(),
		}}}, nil
	}
	return nil, nil
}

func (c *Client) decodeOrderChange(data json.RawMessage) ([]types.StreamUpdate, error) {
	var o orderChange
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode order change: %w", err)
	}
	mult, err := c.streamMultiplier(o.Symbol)
	if err != nil {
		return nil, err
	}
	symbol := c.normalizer.Normalize(o.Symbol)
	side := strings.ToUpper(o.Side)
	ts := nsTime(o.TS)

	size := parseDecimal(o.Size)
	filled := parseDecimal(o.FilledSize)

	updates := []types.StreamUpdate{{Kind: types.UpdateOrder, Order: &types.Order{
		OrderID:        o.OrderID,
		ClientOrderID:  o.ClientOid,
		Symbol:         symbol,
		Side:           side,
		Type:           strings.ToUpper(o.OrderType),
		Status:         orderStatus(o.Type, o.Status, size, filled),
		Price:          parseDecimal(o.Price),
		Quantity:       size.Mul(mult),
		FilledQuantity: filled.Mul(mult),
		Timestamp:      ts,
	}}}
	if o.Type == "match" {
		updates = append(updates, types.StreamUpdate{Kind: types.UpdateExecution, Execution: &types.Execution{
			OrderID:   o.OrderID,
			TradeID:   o.TradeID,
			Symbol:    symbol,
			Side:      side,
			Price:     parseDecimal(o.MatchPrice),
			Quantity:  parseDecimal(o.MatchSize).Mul(mult),
			Timestamp: ts,
		}})
	}
	return updates, nil
}

// orderStatus maps the change type and status onto gateway statuses
func orderStatus(changeType, status string, size, filled decimal.Decimal) string {
	switch changeType {
	case "filled":
		return types.OrderStatusFilled
	case "canceled":
		return types.OrderStatusCanceled
	case "match":
		if size.IsPositive() && filled.GreaterThanOrEqual(size) {
			return types.OrderStatusFilled
		}
		return types.OrderStatusPartiallyFilled
	}
	if status == "done" {
		if size.IsPositive() && filled.GreaterThanOrEqual(size) {
			return types.OrderStatusFilled
		}
		return types.OrderStatusCanceled
	}
	if filled.IsPositive() {
		return types.OrderStatusPartiallyFilled
	}
	return types.OrderStatusNew
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nsTime(ns int64) time.Time {
	if ns <= 0 {
		return time.Now()
	}
	return time.Unix(0, ns)
}
