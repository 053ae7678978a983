package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRESTURL is the USDⓈ-M futures REST endpoint
	DefaultRESTURL = "https://fapi.binance.com"
	// DefaultStreamURL is the USDⓈ-M futures raw stream endpoint
	DefaultStreamURL = "wss://fstream.binance.com/ws"
	// TestnetRESTURL and TestnetStreamURL point at the futures testnet
	TestnetRESTURL   = "https://testnet.binancefuture.com"
	TestnetStreamURL = "wss://stream.binancefuture.com/ws"

	listenKeyKeepAlive = 30 * time.Minute
)

// Config configures a Binance futures venue client
type Config struct {
	ID          string
	Endpoints   types.Endpoints
	Credentials types.Credentials
	Normalizer  types.SymbolNormalizer
	HTTPClient  *http.Client
}

// Client is a Binance USDⓈ-M futures venue client
type Client struct {
	id         string
	rest       *futures.Client
	endpoints  types.Endpoints
	normalizer types.SymbolNormalizer
	authed     bool

	mu        sync.Mutex
	listenKey string
	requestID int64

	logger *logrus.Entry
}

// NewClient creates a Binance futures client
func NewClient(cfg Config) *Client {
	if cfg.ID == "" {
		cfg.ID = types.VenueKindBinance
	}
	if cfg.Endpoints.REST == "" {
		cfg.Endpoints.REST = DefaultRESTURL
	}
	if cfg.Endpoints.Stream == "" {
		cfg.Endpoints.Stream = DefaultStreamURL
	}
	if cfg.Endpoints.PrivateStream == "" {
		cfg.Endpoints.PrivateStream = cfg.Endpoints.Stream
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = types.IdentitySymbolNormalizer{}
	}

	rest := futures.NewClient(cfg.Credentials.APIKey, cfg.Credentials.APISecret)
	rest.BaseURL = strings.TrimSuffix(cfg.Endpoints.REST, "/")
	if cfg.HTTPClient != nil {
		rest.HTTPClient = cfg.HTTPClient
	}

	return &Client{
		id:         cfg.ID,
		rest:       rest,
		endpoints:  cfg.Endpoints,
		normalizer: cfg.Normalizer,
		authed:     !cfg.Credentials.Empty(),
		logger: logrus.WithFields(logrus.Fields{
			"component": "binance",
			"venue":     cfg.ID,
		}),
	}
}

// Name returns the venue id
func (c *Client) Name() string {
	return c.id
}

// Ping checks REST connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rest.NewPingService().Do(ctx); err != nil {
		return c.classify(err)
	}
	return nil
}

// GetPrice returns the last traded price of a symbol
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := c.rest.NewListPricesService().Symbol(c.normalizer.Denormalize(symbol)).Do(ctx)
	if err != nil {
		return decimal.Zero, c.classify(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "empty price list for "+symbol, nil)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, types.NewVenueError(c.id, types.ErrorKindProtocol, "", "invalid price", err)
	}
	return price, nil
}

// PlaceOrder creates an order and waits for the RESULT response
func (c *Client) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	orderType := strings.ToUpper(req.Type)
	if orderType == "" {
		orderType = types.OrderTypeMarket
	}

	svc := c.rest.NewCreateOrderService().
		Symbol(c.normalizer.Denormalize(req.Symbol)).
		Side(futures.SideType(strings.ToUpper(req.Side))).
		Type(futures.OrderType(orderType)).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.ClientOrderID != "" {
		svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Price != nil && orderType != types.OrderTypeMarket && orderType != types.OrderTypeStopMarket && orderType != types.OrderTypeTakeProfitMarket {
		svc.Price(req.Price.String())
	}
	if req.StopPrice != nil {
		svc.StopPrice(req.StopPrice.String())
	}
	if orderType == types.OrderTypeLimit || orderType == types.OrderTypeStop || orderType == types.OrderTypeTakeProfit {
		tif := req.TimeInForce
		if tif == "" {
			tif = types.TimeInForceGTC
		}
		svc.TimeInForce(futures.TimeInForceType(tif))
	}
	if req.ReduceOnly {
		svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.classify(err)
	}

	ack := &types.OrderAck{
		Venue:         c.id,
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        string(res.Status),
	}
	if avg := parseDecimal(res.AvgPrice); avg.IsPositive() {
		ack.Price = &avg
	} else if px := parseDecimal(res.Price); px.IsPositive() {
		ack.Price = &px
	}
	return ack, nil
}

// CancelOrder cancels by venue order id, or by client order id when the id is not numeric
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	svc := c.rest.NewCancelOrderService().Symbol(c.normalizer.Denormalize(symbol))
	if id, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		svc.OrderID(id)
	} else {
		svc.OrigClientOrderID(orderID)
	}
	if _, err := svc.Do(ctx); err != nil {
		return c.classify(err)
	}
	return nil
}

// GetPositions returns non-flat positions
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	risks, err := c.rest.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.classify(err)
	}

	now := time.Now()
	positions := make([]types.Position, 0, len(risks))
	for _, risk := range risks {
		qty := parseDecimal(risk.PositionAmt)
		if qty.IsZero() {
			continue
		}
		positions = append(positions, types.Position{
			Venue:         c.id,
			Symbol:        c.normalizer.Normalize(risk.Symbol),
			Side:          positionSide(risk.PositionSide, qty),
			Quantity:      qty.Abs(),
			EntryPrice:    parseDecimal(risk.EntryPrice),
			MarkPrice:     parseDecimal(risk.MarkPrice),
			UnrealizedPnL: parseDecimal(risk.UnRealizedProfit),
			Leverage:      parseDecimal(risk.Leverage),
			Timestamp:     now,
		})
	}
	return positions, nil
}

// GetBalance returns wallet and available balance per asset
func (c *Client) GetBalance(ctx context.Context) (*types.Balance, error) {
	balances, err := c.rest.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, c.classify(err)
	}

	bal := &types.Balance{
		Venue:     c.id,
		Assets:    make(map[string]types.AssetBalance, len(balances)),
		Timestamp: time.Now(),
	}
	for _, b := range balances {
		total := parseDecimal(b.Balance)
		if total.IsZero() {
			continue
		}
		bal.Assets[b.Asset] = types.AssetBalance{
			Asset:     b.Asset,
			Total:     total,
			Available: parseDecimal(b.AvailableBalance),
		}
	}
	return bal, nil
}

// classify maps go-binance errors onto the gateway error taxonomy
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return types.Classify(c.id, err)
	}

	code := strconv.FormatInt(apiErr.Code, 10)
	var kind types.ErrorKind
	switch apiErr.Code {
	case -1022, -2014, -2015:
		kind = types.ErrorKindAuthentication
	case -1003, -1015:
		kind = types.ErrorKindRateLimit
	case -1001, -1007:
		kind = types.ErrorKindConnectivity
	case -1021:
		kind = types.ErrorKindProtocol
	case 0:
		// non-JSON error bodies (gateway pages, maintenance) carry no code
		kind = types.ErrorKindConnectivity
	default:
		kind = types.ErrorKindRejected
	}
	return types.NewVenueError(c.id, kind, code, apiErr.Message, err)
}

func positionSide(side string, qty decimal.Decimal) string {
	switch strings.ToUpper(side) {
	case types.PositionSideLong, types.PositionSideShort:
		return strings.ToUpper(side)
	}
	switch {
	case qty.IsPositive():
		return types.PositionSideLong
	case qty.IsNegative():
		return types.PositionSideShort
	default:
		return types.PositionSideFlat
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Client) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID++
	return c.requestID
}

// ensure interface compliance
var (
	_ types.StreamingVenue = (*Client)(nil)
	_ types.SessionKeeper  = (*Client)(nil)
)

func (c *Client) String() string {
	return fmt.Sprintf("binance(%s)", c.id)
}
