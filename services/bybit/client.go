package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mExOms/gateway/internal/ratelimit"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// API endpoints
	BaseURL          = "https://api.bybit.com"
	BaseURLTestnet   = "https://api-testnet.bybit.com"
	WSPublicLinear   = "wss://stream.bybit.com/v5/public/linear"
	WSPrivateURL     = "wss://stream.bybit.com/v5/private"
	WSTestnetLinear  = "wss://stream-testnet.bybit.com/v5/public/linear"
	WSTestnetPrivate = "wss://stream-testnet.bybit.com/v5/private"

	category   = "linear"
	recvWindow = "5000"
)

// Config configures a Bybit v5 linear venue client
type Config struct {
	ID          string
	Endpoints   types.Endpoints
	Credentials types.Credentials
	Normalizer  types.SymbolNormalizer
	Timeout     time.Duration
	// OnExhausted is told when the rate limit headers report an empty budget
	OnExhausted ratelimit.ExhaustionFunc
}

// Client represents Bybit API client
type Client struct {
	id          string
	apiKey      string
	apiSecret   string
	endpoints   types.Endpoints
	normalizer  types.SymbolNormalizer
	http        *resty.Client
	onExhausted ratelimit.ExhaustionFunc
	now         func() time.Time

	mu      sync.Mutex
	tickers map[string]types.MarketEntry
	reqID   int64

	logger *logrus.Entry
}

// NewClient creates a new Bybit client
func NewClient(cfg Config) *Client {
	if cfg.ID == "" {
		cfg.ID = types.VenueKindBybit
	}
	if cfg.Endpoints.REST == "" {
		cfg.Endpoints.REST = BaseURL
	}
	if cfg.Endpoints.Stream == "" {
		cfg.Endpoints.Stream = WSPublicLinear
	}
	if cfg.Endpoints.PrivateStream == "" {
		cfg.Endpoints.PrivateStream = WSPrivateURL
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = types.IdentitySymbolNormalizer{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		id:          cfg.ID,
		apiKey:      cfg.Credentials.APIKey,
		apiSecret:   cfg.Credentials.APISecret,
		endpoints:   cfg.Endpoints,
		normalizer:  cfg.Normalizer,
		onExhausted: cfg.OnExhausted,
		now:         time.Now,
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.Endpoints.REST, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		tickers: make(map[string]types.MarketEntry),
		logger: logrus.WithFields(logrus.Fields{
			"component": "bybit",
			"venue":     cfg.ID,
		}),
	}
}

// BaseResponse is the common response structure
type BaseResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func (c *Client) authenticated() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

// sign generates HMAC SHA256 signature
func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// buildQueryString builds a sorted query string; the same string is signed and sent
func buildQueryString(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}

// request performs a v5 call; signed calls carry the X-BAPI headers
func (c *Client) request(ctx context.Context, method, endpoint string, query map[string]string, body interface{}, signed bool, bucket ratelimit.Category, result interface{}) error {
	req := c.http.R().SetContext(ctx)

	queryString := buildQueryString(query)
	if queryString != "" {
		req.SetQueryString(queryString)
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
		signPayload := timestamp + c.apiKey + recvWindow + queryString
		if method != http.MethodGet {
			signPayload = timestamp + c.apiKey + recvWindow + string(payload)
		}
		req.SetHeaders(map[string]string{
			"X-BAPI-API-KEY":     c.apiKey,
			"X-BAPI-TIMESTAMP":   timestamp,
			"X-BAPI-RECV-WINDOW": recvWindow,
			"X-BAPI-SIGN":        c.sign(signPayload),
		})
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return types.Classify(c.id, fmt.Errorf("request failed: %w", err))
	}
	c.observeLimits(resp.Header(), bucket)

	switch resp.StatusCode() {
	case http.StatusServiceUnavailable:
		return types.NewVenueError(c.id, types.ErrorKindMaintenance, strconv.Itoa(resp.StatusCode()), "service unavailable", nil)
	case http.StatusTooManyRequests, http.StatusForbidden:
		return types.NewVenueError(c.id, types.ErrorKindRateLimit, strconv.Itoa(resp.StatusCode()), "request rate exceeded", nil)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return types.NewVenueError(c.id, types.ErrorKindConnectivity, strconv.Itoa(resp.StatusCode()), resp.Status(), nil)
	}

	var base BaseResponse
	if err := json.Unmarshal(resp.Body(), &base); err != nil {
		return types.NewVenueError(c.id, types.ErrorKindProtocol, "", "failed to parse response", err)
	}
	if base.RetCode != 0 {
		return c.apiError(base.RetCode, base.RetMsg)
	}
	if result != nil && len(base.Result) > 0 {
		if err := json.Unmarshal(base.Result, result); err != nil {
			return types.NewVenueError(c.id, types.ErrorKindProtocol, "", "failed to unmarshal result", err)
		}
	}
	return nil
}

// observeLimits reports an exhausted budget from the X-Bapi-Limit headers
func (c *Client) observeLimits(header http.Header, bucket ratelimit.Category) {
	if c.onExhausted == nil {
		return
	}
	status := header.Get("X-Bapi-Limit-Status")
	if status == "" {
		return
	}
	remaining, err := strconv.Atoi(status)
	if err != nil || remaining > 0 {
		return
	}
	until := c.now().Add(time.Second)
	if reset, err := strconv.ParseInt(header.Get("X-Bapi-Limit-Reset-Timestamp"), 10, 64); err == nil && reset > 0 {
		until = time.UnixMilli(reset)
	}
	c.onExhausted(c.id, bucket, until)
}

// apiError maps retCode values onto the gateway error taxonomy
func (c *Client) apiError(code int, msg string) error {
	var kind types.ErrorKind
	switch code {
	case 10003, 10004, 10005, 10007, 10009, 10010, 33004:
		kind = types.ErrorKindAuthentication
	case 10006, 10018:
		kind = types.ErrorKindRateLimit
	case 10000, 10016:
		kind = types.ErrorKindConnectivity
	case 10002:
		kind = types.ErrorKindProtocol
	default:
		kind = types.ErrorKindRejected
	}
	return types.NewVenueError(c.id, kind, strconv.Itoa(code), msg, nil)
}

// Name returns the venue id
func (c *Client) Name() string {
	return c.id
}

// Ping calls the server time endpoint
func (c *Client) Ping(ctx context.Context) error {
	var result struct {
		TimeSecond string `json:"timeSecond"`
	}
	return c.request(ctx, http.MethodGet, "/v5/market/time", nil, nil, false, ratelimit.CategoryRequests, &result)
}

type tickerList struct {
	List []tickerData `json:"list"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

// GetPrice returns the last traded price
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result tickerList
	query := map[string]string{"category": category, "symbol": c.normalizer.Denormalize(symbol)}
	if err := c.request(ctx, http.MethodGet, "/v5/market/tickers", query, nil, false, ratelimit.CategoryRequests, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "empty ticker list for "+symbol, nil)
	}
	price, err := decimal.NewFromString(result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "invalid price", err)
	}
	return price, nil
}

type createOrderParams struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
	TimeInForce  string `json:"timeInForce,omitempty"`
	ReduceOnly   bool   `json:"reduceOnly,omitempty"`
	OrderLinkID  string `json:"orderLinkId,omitempty"`
}

// PlaceOrder creates a linear order; the client order id travels as orderLinkId
func (c *Client) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	params := createOrderParams{
		Category:    category,
		Symbol:      c.normalizer.Denormalize(req.Symbol),
		Side:        toBybitSide(req.Side),
		OrderType:   "Market",
		Qty:         req.Quantity.String(),
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.ClientOrderID,
	}
	switch strings.ToUpper(req.Type) {
	case types.OrderTypeLimit, types.OrderTypeStop, types.OrderTypeTakeProfit:
		// stop and take-profit limits become conditional Limit orders via triggerPrice
		params.OrderType = "Limit"
	}
	if params.OrderType == "Limit" && req.Price != nil {
		params.Price = req.Price.String()
		params.TimeInForce = timeInForce(req.TimeInForce)
	}
	if req.StopPrice != nil {
		params.TriggerPrice = req.StopPrice.String()
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.request(ctx, http.MethodPost, "/v5/order/create", nil, params, true, ratelimit.CategoryOrders, &result); err != nil {
		return nil, err
	}
	if result.OrderID == "" {
		return nil, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "order id missing from response", nil)
	}
	return &types.OrderAck{
		Venue:         c.id,
		OrderID:       result.OrderID,
		ClientOrderID: result.OrderLinkID,
		Status:        types.OrderStatusNew,
	}, nil
}

// CancelOrder cancels by order id, falling back to orderLinkId for client ids
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"category": category,
		"symbol":   c.normalizer.Denormalize(symbol),
	}
	if isBybitOrderID(orderID) {
		params["orderId"] = orderID
	} else {
		params["orderLinkId"] = orderID
	}
	return c.request(ctx, http.MethodPost, "/v5/order/cancel", nil, params, true, ratelimit.CategoryOrders, nil)
}

type positionData struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	UpdatedTime   string `json:"updatedTime"`
}

func (c *Client) toPosition(p positionData) types.Position {
	entry := parseDecimal(p.AvgPrice)
	if entry.IsZero() {
		entry = parseDecimal(p.EntryPrice)
	}
	return types.Position{
		Venue:         c.id,
		Symbol:        c.normalizer.Normalize(p.Symbol),
		Side:          positionSide(p.Side),
		Quantity:      parseDecimal(p.Size),
		EntryPrice:    entry,
		MarkPrice:     parseDecimal(p.MarkPrice),
		UnrealizedPnL: parseDecimal(p.UnrealisedPnl),
		Leverage:      parseDecimal(p.Leverage),
		Timestamp:     msString(p.UpdatedTime),
	}
}

// GetPositions returns open USDT linear positions
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	var result struct {
		List []positionData `json:"list"`
	}
	query := map[string]string{"category": category, "settleCoin": "USDT"}
	if err := c.request(ctx, http.MethodGet, "/v5/position/list", query, nil, true, ratelimit.CategoryRequests, &result); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(result.List))
	for _, p := range result.List {
		pos := c.toPosition(p)
		if pos.Quantity.IsZero() {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

type walletCoin struct {
	Coin                string `json:"coin"`
	WalletBalance       string `json:"walletBalance"`
	Equity              string `json:"equity"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
}

type walletAccount struct {
	AccountType string       `json:"accountType"`
	Coin        []walletCoin `json:"coin"`
}

func walletBalance(accounts []walletAccount, ts time.Time) *types.Balance {
	bal := &types.Balance{Assets: make(map[string]types.AssetBalance), Timestamp: ts}
	for _, account := range accounts {
		for _, coin := range account.Coin {
			total := parseDecimal(coin.WalletBalance)
			available := parseDecimal(coin.AvailableToWithdraw)
			if available.IsZero() {
				available = total
			}
			bal.Assets[coin.Coin] = types.AssetBalance{
				Asset:     coin.Coin,
				Total:     total,
				Available: available,
			}
		}
	}
	return bal
}

// GetBalance returns the unified account wallet balance
func (c *Client) GetBalance(ctx context.Context) (*types.Balance, error) {
	var result struct {
		List []walletAccount `json:"list"`
	}
	query := map[string]string{"accountType": "UNIFIED"}
	if err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, true, ratelimit.CategoryRequests, &result); err != nil {
		return nil, err
	}
	bal := walletBalance(result.List, c.now())
	bal.Venue = c.id
	return bal, nil
}

func toBybitSide(side string) string {
	if strings.EqualFold(side, types.OrderSideSell) {
		return "Sell"
	}
	return "Buy"
}

func fromBybitSide(side string) string {
	if strings.EqualFold(side, "Sell") {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

func positionSide(side string) string {
	switch strings.ToLower(side) {
	case "buy":
		return types.PositionSideLong
	case "sell":
		return types.PositionSideShort
	default:
		return types.PositionSideFlat
	}
}

func timeInForce(tif string) string {
	switch strings.ToUpper(tif) {
	case types.TimeInForceIOC:
		return "IOC"
	case types.TimeInForceFOK:
		return "FOK"
	default:
		return "GTC"
	}
}

// orderStatus maps v5 order statuses onto gateway statuses
func orderStatus(status string) string {
	switch status {
	case "New", "Untriggered", "Created", "Active":
		return types.OrderStatusNew
	case "PartiallyFilled":
		return types.OrderStatusPartiallyFilled
	case "Filled":
		return types.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return types.OrderStatusCanceled
	case "Rejected":
		return types.OrderStatusRejected
	default:
		return strings.ToUpper(status)
	}
}

// isBybitOrderID reports whether id looks like a venue-assigned UUID order id
func isBybitOrderID(id string) bool {
	return len(id) == 36 && strings.Count(id, "-") == 4
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msString(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || v <= 0 {
		return time.Now()
	}
	return time.UnixMilli(v)
}

var _ types.StreamingVenue = (*Client)(nil)
