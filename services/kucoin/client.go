package kucoin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/pkg/cache"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRESTURL is the KuCoin futures REST endpoint
	DefaultRESTURL = "https://api-futures.kucoin.com"

	codeSuccess   = "200000"
	multiplierTTL = time.Hour
	// streamLoadTimeout bounds the contract lookup for a symbol seen first on the stream
	streamLoadTimeout = 2 * time.Second
)

// Config configures a KuCoin futures venue client
type Config struct {
	ID          string
	Endpoints   types.Endpoints
	Credentials types.Credentials
	Normalizer  types.SymbolNormalizer
	Timeout     time.Duration
	// Leverage sent with every order
	Leverage string
	// Metadata caches contract multipliers; one is created when nil
	Metadata    *cache.MemoryCache
	OnExhausted ratelimit.ExhaustionFunc
}

// Client is a KuCoin USDT-margined futures venue client
type Client struct {
	id          string
	apiKey      string
	apiSecret   string
	passphrase  string
	leverage    string
	endpoints   types.Endpoints
	normalizer  types.SymbolNormalizer
	http        *resty.Client
	metadata    *cache.MemoryCache
	onExhausted ratelimit.ExhaustionFunc
	now         func() time.Time
	newID       func() string

	logger *logrus.Entry
}

// NewClient creates a KuCoin futures client
func NewClient(cfg Config) *Client {
	if cfg.ID == "" {
		cfg.ID = types.VenueKindKucoin
	}
	if cfg.Endpoints.REST == "" {
		cfg.Endpoints.REST = DefaultRESTURL
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = types.KucoinFuturesSymbolNormalizer{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Leverage == "" {
		cfg.Leverage = "1"
	}
	if cfg.Metadata == nil {
		cfg.Metadata = cache.NewMemoryCache(10 * time.Minute)
	}

	return &Client{
		id:          cfg.ID,
		apiKey:      cfg.Credentials.APIKey,
		apiSecret:   cfg.Credentials.APISecret,
		passphrase:  cfg.Credentials.Passphrase,
		leverage:    cfg.Leverage,
		endpoints:   cfg.Endpoints,
		normalizer:  cfg.Normalizer,
		metadata:    cfg.Metadata,
		onExhausted: cfg.OnExhausted,
		now:         time.Now,
		newID:       newUUID,
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.Endpoints.REST, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		logger: logrus.WithFields(logrus.Fields{
			"component": "kucoin",
			"venue":     cfg.ID,
		}),
	}
}

type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) authenticated() bool {
	return c.apiKey != "" && c.apiSecret != "" && c.passphrase != ""
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// request performs a futures API call; signed calls carry the KC-API v2 headers
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool, bucket ratelimit.Category, result interface{}) error {
	req := c.http.R().SetContext(ctx)

	endpoint := path
	if len(query) > 0 {
		encoded := query.Encode()
		endpoint += "?" + encoded
		req.SetQueryString(encoded)
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.SetBody(payload)
	}

	if signed {
		if !c.authenticated() {
			return types.NewVenueError(c.id, types.ErrorKindAuthentication, "", "no credentials configured", nil)
		}
		timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
		req.SetHeaders(map[string]string{
			"KC-API-KEY":         c.apiKey,
			"KC-API-SIGN":        c.sign(timestamp + method + endpoint + string(payload)),
			"KC-API-TIMESTAMP":   timestamp,
			"KC-API-PASSPHRASE":  c.sign(c.passphrase),
			"KC-API-KEY-VERSION": "2",
		})
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return types.Classify(c.id, fmt.Errorf("request failed: %w", err))
	}
	c.observeLimits(resp.Header(), bucket)

	switch {
	case resp.StatusCode() == http.StatusServiceUnavailable:
		return types.NewVenueError(c.id, types.ErrorKindMaintenance, strconv.Itoa(resp.StatusCode()), "service unavailable", nil)
	case resp.StatusCode() == http.StatusTooManyRequests:
		return types.NewVenueError(c.id, types.ErrorKindRateLimit, strconv.Itoa(resp.StatusCode()), "request rate exceeded", nil)
	case resp.StatusCode() >= http.StatusInternalServerError:
		return types.NewVenueError(c.id, types.ErrorKindConnectivity, strconv.Itoa(resp.StatusCode()), resp.Status(), nil)
	}

	var out apiResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return types.NewVenueError(c.id, types.ErrorKindProtocol, "", "failed to parse response", err)
	}
	if out.Code != codeSuccess {
		return c.apiError(out.Code, out.Msg)
	}
	if result != nil && len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, result); err != nil {
			return types.NewVenueError(c.id, types.ErrorKindProtocol, "", "failed to unmarshal data", err)
		}
	}
	return nil
}

// observeLimits reports an exhausted budget from the gw-ratelimit headers
func (c *Client) observeLimits(header http.Header, bucket ratelimit.Category) {
	if c.onExhausted == nil {
		return
	}
	remaining, err := strconv.Atoi(header.Get("gw-ratelimit-remaining"))
	if err != nil || remaining > 0 {
		return
	}
	until := c.now().Add(time.Second)
	if reset, err := strconv.ParseInt(header.Get("gw-ratelimit-reset"), 10, 64); err == nil && reset > 0 {
		until = c.now().Add(time.Duration(reset) * time.Millisecond)
	}
	c.onExhausted(c.id, bucket, until)
}

func (c *Client) apiError(code, msg string) error {
	var kind types.ErrorKind
	switch code {
	case "400001", "400002", "400003", "400004", "400005", "411100":
		kind = types.ErrorKindAuthentication
	case "429000":
		kind = types.ErrorKindRateLimit
	default:
		kind = types.ErrorKindRejected
	}
	return types.NewVenueError(c.id, kind, code, msg, nil)
}

// Name returns the venue id
func (c *Client) Name() string {
	return c.id
}

// Ping calls the server timestamp endpoint
func (c *Client) Ping(ctx context.Context) error {
	var ts int64
	return c.request(ctx, http.MethodGet, "/api/v1/timestamp", nil, nil, false, ratelimit.CategoryRequests, &ts)
}

type contract struct {
	Symbol     string          `json:"symbol"`
	Multiplier decimal.Decimal `json:"multiplier"`
	LotSize    int64           `json:"lotSize"`
}

func (c *Client) multiplierKey(venueSymbol string) string {
	return c.id + ":multiplier:" + venueSymbol
}

// multiplier returns the contract size of a venue symbol, loading it once per TTL
func (c *Client) multiplier(ctx context.Context, venueSymbol string) (decimal.Decimal, error) {
	v, err := c.metadata.GetOrLoad(c.multiplierKey(venueSymbol), multiplierTTL, func() (interface{}, error) {
		var ct contract
		if err := c.request(ctx, http.MethodGet, "/api/v1/contracts/"+venueSymbol, nil, nil, false, ratelimit.CategoryRequests, &ct); err != nil {
			return nil, err
		}
		if !ct.Multiplier.IsPositive() {
			return nil, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "invalid multiplier for "+venueSymbol, nil)
		}
		return ct.Multiplier, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

// streamMultiplier serves the stream path. Symbols outside the warmed ticker set are loaded once
// with a short timeout; when that fails the update is dropped rather than reported in lots.
func (c *Client) streamMultiplier(venueSymbol string) (decimal.Decimal, error) {
	if v, ok := c.metadata.Get(c.multiplierKey(venueSymbol)); ok {
		return v.(decimal.Decimal), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamLoadTimeout)
	defer cancel()
	mult, err := c.multiplier(ctx, venueSymbol)
	if err != nil {
		c.logger.WithError(err).WithField("symbol", venueSymbol).Warn("Multiplier unavailable, dropping stream update")
		return decimal.Zero, fmt.Errorf("failed to load multiplier for %s: %w", venueSymbol, err)
	}
	return mult, nil
}

type ticker struct {
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	BestBidPrice string `json:"bestBidPrice"`
	BestAskPrice string `json:"bestAskPrice"`
	TS           int64  `json:"ts"`
}

// GetPrice returns the last traded price
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var t ticker
	query := url.Values{"symbol": {c.normalizer.Denormalize(symbol)}}
	if err := c.request(ctx, http.MethodGet, "/api/v1/ticker", query, nil, false, ratelimit.CategoryRequests, &t); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return decimal.Zero, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "invalid price", err)
	}
	return price, nil
}

type orderParams struct {
	ClientOid     string `json:"clientOid"`
	Side          string `json:"side"`
	Symbol        string `json:"symbol"`
	Type          string `json:"type"`
	Leverage      string `json:"leverage"`
	Size          int64  `json:"size"`
	Price         string `json:"price,omitempty"`
	TimeInForce   string `json:"timeInForce,omitempty"`
	ReduceOnly    bool   `json:"reduceOnly,omitempty"`
	Stop          string `json:"stop,omitempty"`
	StopPrice     string `json:"stopPrice,omitempty"`
	StopPriceType string `json:"stopPriceType,omitempty"`
}

// PlaceOrder converts the quantity to whole contracts and creates the order
func (c *Client) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	venueSymbol := c.normalizer.Denormalize(req.Symbol)
	mult, err := c.multiplier(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}
	lots := req.Quantity.Div(mult).Floor()
	if !lots.IsPositive() {
		return nil, types.NewVenueError(c.id, types.ErrorKindRejected, "", fmt.Sprintf("quantity %s is below one contract of %s", req.Quantity, mult), nil)
	}

	clientOid := req.ClientOrderID
	if clientOid == "" {
		clientOid = c.newID()
	}
	params := orderParams{
		ClientOid:  clientOid,
		Side:       strings.ToLower(req.Side),
		Symbol:     venueSymbol,
		Type:       "market",
		Leverage:   c.leverage,
		Size:       lots.IntPart(),
		ReduceOnly: req.ReduceOnly,
	}
	switch strings.ToUpper(req.Type) {
	case types.OrderTypeLimit, types.OrderTypeStop, types.OrderTypeTakeProfit:
		params.Type = "limit"
		if req.Price != nil {
			params.Price = req.Price.String()
		}
		params.TimeInForce = timeInForce(req.TimeInForce)
	}
	if req.StopPrice != nil {
		params.StopPrice = req.StopPrice.String()
		params.StopPriceType = "TP"
		params.Stop = stopDirection(req)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/orders", nil, params, true, ratelimit.CategoryOrders, &result); err != nil {
		return nil, err
	}
	if result.OrderID == "" {
		return nil, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "order id missing from response", nil)
	}
	return &types.OrderAck{
		Venue:         c.id,
		OrderID:       result.OrderID,
		ClientOrderID: clientOid,
		Status:        types.OrderStatusNew,
	}, nil
}

var venueOrderID = regexp.MustCompile(`^([0-9a-f]{24}|[0-9]+)$`)

// CancelOrder cancels by venue order id, or by client order id otherwise
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if venueOrderID.MatchString(orderID) {
		return c.request(ctx, http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil, true, ratelimit.CategoryOrders, nil)
	}
	query := url.Values{"symbol": {c.normalizer.Denormalize(symbol)}}
	return c.request(ctx, http.MethodDelete, "/api/v1/orders/client-order/"+url.PathEscape(orderID), query, nil, true, ratelimit.CategoryOrders, nil)
}

type positionData struct {
	Symbol           string          `json:"symbol"`
	CurrentQty       decimal.Decimal `json:"currentQty"`
	AvgEntryPrice    decimal.Decimal `json:"avgEntryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnrealisedPnl    decimal.Decimal `json:"unrealisedPnl"`
	RealLeverage     decimal.Decimal `json:"realLeverage"`
	CurrentTimestamp int64           `json:"currentTimestamp"`
}

func (c *Client) toPosition(p positionData, mult decimal.Decimal) types.Position {
	side := types.PositionSideFlat
	switch {
	case p.CurrentQty.IsPositive():
		side = types.PositionSideLong
	case p.CurrentQty.IsNegative():
		side = types.PositionSideShort
	}
	return types.Position{
		Venue:         c.id,
		Symbol:        c.normalizer.Normalize(p.Symbol),
		Side:          side,
		Quantity:      p.CurrentQty.Abs().Mul(mult),
		EntryPrice:    p.AvgEntryPrice,
		MarkPrice:     p.MarkPrice,
		UnrealizedPnL: p.UnrealisedPnl,
		Leverage:      p.RealLeverage,
		Timestamp:     msTime(p.CurrentTimestamp),
	}
}

// GetPositions returns open positions with quantities in base units
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	var list []positionData
	if err := c.request(ctx, http.MethodGet, "/api/v1/positions", nil, nil, true, ratelimit.CategoryRequests, &list); err != nil {
		return nil, err
	}
	positions := make([]types.Position, 0, len(list))
	for _, p := range list {
		if p.CurrentQty.IsZero() {
			continue
		}
		mult, err := c.multiplier(ctx, p.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to load contract %s: %w", p.Symbol, err)
		}
		positions = append(positions, c.toPosition(p, mult))
	}
	return positions, nil
}

// GetBalance returns the USDT futures account overview
func (c *Client) GetBalance(ctx context.Context) (*types.Balance, error) {
	var overview struct {
		AccountEquity    decimal.Decimal `json:"accountEquity"`
		AvailableBalance decimal.Decimal `json:"availableBalance"`
		Currency         string          `json:"currency"`
	}
	query := url.Values{"currency": {"USDT"}}
	if err := c.request(ctx, http.MethodGet, "/api/v1/account-overview", query, nil, true, ratelimit.CategoryRequests, &overview); err != nil {
		return nil, err
	}
	asset := overview.Currency
	if asset == "" {
		asset = "USDT"
	}
	return &types.Balance{
		Venue: c.id,
		Assets: map[string]types.AssetBalance{asset: {
			Asset:     asset,
			Total:     overview.AccountEquity,
			Available: overview.AvailableBalance,
		}},
		Timestamp: c.now(),
	}, nil
}

func timeInForce(tif string) string {
	switch strings.ToUpper(tif) {
	case types.TimeInForceIOC:
		return "IOC"
	default:
		return "GTC"
	}
}

// stopDirection picks the trigger side: buys stop out upward, sells downward; take-profits invert it
func stopDirection(req *types.OrderRequest) string {
	up := strings.EqualFold(req.Side, types.OrderSideBuy)
	if strings.HasPrefix(strings.ToUpper(req.Type), "TAKE_PROFIT") {
		up = !up
	}
	if up {
		return "up"
	}
	return "down"
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// ensure interface compliance
var _ types.StreamingVenue = (*Client)(nil)
