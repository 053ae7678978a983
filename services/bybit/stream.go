package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mExOms/gateway/pkg/types"
)

const (
	streamPublic  = "public"
	streamPrivate = "private"

	authExpiry = 10 * time.Second
)

// Streams returns the public linear stream and, with credentials, the private stream
func (c *Client) Streams(authenticated bool) []types.StreamSpec {
	specs := []types.StreamSpec{{Name: streamPublic, Public: true}}
	if authenticated && c.authenticated() {
		specs = append(specs, types.StreamSpec{Name: streamPrivate, Private: true})
	}
	return specs
}

// Endpoint returns the dial URL of a stream
func (c *Client) Endpoint(ctx context.Context, stream types.StreamSpec) (string, error) {
	if stream.Private {
		return c.endpoints.PrivateStream, nil
	}
	return c.endpoints.Stream, nil
}

type opFrame struct {
	Op    string        `json:"op"`
	Args  []interface{} `json:"args,omitempty"`
	ReqID string        `json:"req_id,omitempty"`
}

// GenerateSignature signs the websocket auth payload for an expiry in milliseconds
func (c *Client) GenerateSignature(expires int64) string {
	return c.sign(fmt.Sprintf("GET/realtime%d", expires))
}

// Handshake returns the auth frame of the private stream
func (c *Client) Handshake(ctx context.Context, stream types.StreamSpec) ([]interface{}, error) {
	if !stream.Private {
		return nil, nil
	}
	if !c.authenticated() {
		return nil, fmt.Errorf("private stream requires credentials")
	}
	expires := c.now().Add(authExpiry).UnixMilli()
	return []interface{}{opFrame{
		Op:   "auth",
		Args: []interface{}{c.apiKey, expires, c.GenerateSignature(expires)},
	}}, nil
}

// Heartbeat is the application-level ping; Bybit drops sockets silent for 20s
func (c *Client) Heartbeat(stream types.StreamSpec) interface{} {
	return opFrame{Op: "ping"}
}

func (c *Client) topics(stream types.StreamSpec, channels []types.Channel) []interface{} {
	var topics []interface{}
	for _, ch := range channels {
		switch ch.Kind {
		case types.ChannelTicker:
			if !stream.Private && ch.Symbol != "" {
				topics = append(topics, "tickers."+c.normalizer.Denormalize(ch.Symbol))
			}
		case types.ChannelOrders:
			if stream.Private {
				topics = append(topics, "order")
			}
		case types.ChannelExecutions:
			if stream.Private {
				topics = append(topics, "execution")
			}
		case types.ChannelPositions:
			if stream.Private {
				topics = append(topics, "position")
			}
		case types.ChannelBalance:
			if stream.Private {
				topics = append(topics, "wallet")
			}
		}
	}
	return topics
}

func (c *Client) nextReqID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqID++
	return strconv.FormatInt(c.reqID, 10)
}

// Subscribe builds a subscribe frame for the channels that belong on stream
func (c *Client) Subscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	topics := c.topics(stream, channels)
	if len(topics) == 0 {
		return nil, nil
	}
	return []interface{}{opFrame{Op: "subscribe", Args: topics, ReqID: c.nextReqID()}}, nil
}

// Unsubscribe builds an unsubscribe frame and forgets merged ticker state
func (c *Client) Unsubscribe(ctx context.Context, stream types.StreamSpec, channels []types.Channel) ([]interface{}, error) {
	topics := c.topics(stream, channels)
	if len(topics) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	for _, ch := range channels {
		if ch.Kind == types.ChannelTicker {
			delete(c.tickers, c.normalizer.Denormalize(ch.Symbol))
		}
	}
	c.mu.Unlock()
	return []interface{}{opFrame{Op: "unsubscribe", Args: topics, ReqID: c.nextReqID()}}, nil
}

type wsMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Created int64           `json:"creationTime"`
}

type wsOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

type wsExecution struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	FeeCurrency string `json:"feeCurrency"`
	ExecTime    string `json:"execTime"`
}

// Decode turns a public or private frame into updates
func (c *Client) Decode(stream types.StreamSpec, raw []byte) ([]types.StreamUpdate, error) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	if msg.Op != "" {
		if msg.Op == "pong" || msg.Op == "ping" {
			return nil, nil
		}
		if msg.Success != nil && !*msg.Success {
			return nil, fmt.Errorf("%s failed: %s", msg.Op, msg.RetMsg)
		}
		return nil, nil
	}

	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		return c.decodeTicker(msg)
	case msg.Topic == "order":
		return c.decodeOrders(msg.Data)
	case msg.Topic == "execution":
		return c.decodeExecutions(msg.Data)
	case msg.Topic == "position":
		return c.decodePositions(msg.Data)
	case msg.Topic == "wallet":
		return c.decodeWallet(msg.Data, msTimeOr(msg.Created))
	}
	return nil, nil
}

// decodeTicker merges delta frames into the last snapshot of the symbol
func (c *Client) decodeTicker(msg wsMessage) ([]types.StreamUpdate, error) {
	var data tickerData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode ticker: %w", err)
	}

	c.mu.Lock()
	entry := c.tickers[data.Symbol]
	if msg.Type == "snapshot" {
		entry = types.MarketEntry{}
	}
	entry.Symbol = c.normalizer.Normalize(data.Symbol)
	if data.LastPrice != "" {
		entry.Last = parseDecimal(data.LastPrice)
	}
	if data.Bid1Price != "" {
		entry.Bid = parseDecimal(data.Bid1Price)
	}
	if data.Ask1Price != "" {
		entry.Ask = parseDecimal(data.Ask1Price)
	}
	entry.Timestamp = msTimeOr(msg.TS)
	c.tickers[data.Symbol] = entry
	c.mu.Unlock()

	if !entry.Price().IsPositive() {
		return nil, nil
	}
	out := entry
	return []types.StreamUpdate{{Kind: types.UpdateMarket, Market: &out}}, nil
}

func (c *Client) decodeOrders(data json.RawMessage) ([]types.StreamUpdate, error) {
	var orders []wsOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode orders: %w", err)
	}
	updates := make([]types.StreamUpdate, 0, len(orders))
	for _, o := range orders {
		updates = append(updates, types.StreamUpdate{Kind: types.UpdateOrder, Order: &types.Order{
			OrderID:        o.OrderID,
			ClientOrderID:  o.OrderLinkID,
			Symbol:         c.normalizer.Normalize(o.Symbol),
			Side:           fromBybitSide(o.Side),
			Type:           strings.ToUpper(o.OrderType),
			Status:         orderStatus(o.OrderStatus),
			Price:          parseDecimal(o.Price),
			Quantity:       parseDecimal(o.Qty),
			FilledQuantity: parseDecimal(o.CumExecQty),
			AveragePrice:   parseDecimal(o.AvgPrice),
			Timestamp:      msString(o.UpdatedTime),
		}})
	}
	return updates, nil
}

func (c *Client) decodeExecutions(data json.RawMessage) ([]types.StreamUpdate, error) {
	var execs []wsExecution
	if err := json.Unmarshal(data, &execs); err != nil {
		return nil, fmt.Errorf("failed to decode executions: %w", err)
	}
	updates := make([]types.StreamUpdate, 0, len(execs))
	for _, e := range execs {
		updates = append(updates, types.StreamUpdate{Kind: types.UpdateExecution, Execution: &types.Execution{
			OrderID:   e.OrderID,
			TradeID:   e.ExecID,
			Symbol:    c.normalizer.Normalize(e.Symbol),
			Side:      fromBybitSide(e.Side),
			Price:     parseDecimal(e.ExecPrice),
			Quantity:  parseDecimal(e.ExecQty),
			Fee:       parseDecimal(e.ExecFee),
			FeeAsset:  e.FeeCurrency,
			Timestamp: msString(e.ExecTime),
		}})
	}
	return updates, nil
}

func (c *Client) decodePositions(data json.RawMessage) ([]types.StreamUpdate, error) {
	var positions []positionData
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}
	updates := make([]types.StreamUpdate, 0, len(positions))
	for _, p := range positions {
		pos := c.toPosition(p)
		updates = append(updates, types.StreamUpdate{Kind: types.UpdatePosition, Position: &pos})
	}
	return updates, nil
}

func (c *Client) decodeWallet(data json.RawMessage, ts time.Time) ([]types.StreamUpdate, error) {
	var accounts []walletAccount
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode wallet: %w", err)
	}
	bal := walletBalance(accounts, ts)
	if len(bal.Assets) == 0 {
		return nil, nil
	}
	return []types.StreamUpdate{{Kind: types.UpdateBalance, Balance: bal}}, nil
}

func msTimeOr(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
