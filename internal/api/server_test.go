package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mExOms/gateway/internal/gateway"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	active      map[string]bool
	maintenance map[string]time.Time
	prices      map[string]*types.BestPrice
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		active:      map[string]bool{"binance": true, "bybit": true},
		maintenance: map[string]time.Time{},
		prices: map[string]*types.BestPrice{
			"BTCUSDT": {
				Symbol:    "BTCUSDT",
				Best:      types.VenuePrice{Venue: "binance", Price: decimal.NewFromInt(50010)},
				AllPrices: []types.VenuePrice{{Venue: "binance", Price: decimal.NewFromInt(50010)}},
			},
		},
	}
}

func (g *fakeGateway) known(venue string) error {
	if _, ok := g.active[venue]; !ok {
		return fmt.Errorf("%w: %s", types.ErrVenueNotFound, venue)
	}
	return nil
}

func (g *fakeGateway) Report() gateway.Report {
	return gateway.Report{Venues: []gateway.VenueReport{{Venue: "binance", Status: types.StatusHealthy, Active: g.active["binance"]}}}
}

func (g *fakeGateway) GetBestPrice(ctx context.Context, symbol string) (*types.BestPrice, error) {
	if best, ok := g.prices[strings.ToUpper(symbol)]; ok {
		return best, nil
	}
	return nil, fmt.Errorf("%w: no active venue supports %s", types.ErrNoPriceAvailable, symbol)
}

func (g *fakeGateway) SetVenueActive(venue string, active bool) error {
	if err := g.known(venue); err != nil {
		return err
	}
	g.active[venue] = active
	return nil
}

func (g *fakeGateway) SetMaintenance(venue string, until time.Time) error {
	if err := g.known(venue); err != nil {
		return err
	}
	g.maintenance[venue] = until
	return nil
}

func (g *fakeGateway) ClearMaintenance(venue string) error {
	if err := g.known(venue); err != nil {
		return err
	}
	delete(g.maintenance, venue)
	return nil
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServer_Healthz(t *testing.T) {
	rec := do(t, NewServer(newFakeGateway(), Options{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Status(t *testing.T) {
	rec := do(t, NewServer(newFakeGateway(), Options{}), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var report gateway.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Venues, 1)
	assert.Equal(t, types.StatusHealthy, report.Venues[0].Status)
}

func TestServer_BestPrice(t *testing.T) {
	s := NewServer(newFakeGateway(), Options{})

	rec := do(t, s, http.MethodGet, "/prices/btcusdt")
	require.Equal(t, http.StatusOK, rec.Code)
	var best types.BestPrice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &best))
	assert.Equal(t, "binance", best.Best.Venue)

	rec = do(t, s, http.MethodGet, "/prices/DOGEUSDT")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, types.CodeNoPriceAvailable, decodeError(t, rec).Code)
}

func TestServer_Activation(t *testing.T) {
	gw := newFakeGateway()
	s := NewServer(gw, Options{})

	rec := do(t, s, http.MethodPost, "/venues/bybit/deactivate")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gw.active["bybit"])

	rec = do(t, s, http.MethodPost, "/venues/bybit/activate")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gw.active["bybit"])

	rec = do(t, s, http.MethodPost, "/venues/okx/activate")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeVenueNotFound, decodeError(t, rec).Code)

	rec = do(t, s, http.MethodGet, "/venues/bybit/activate")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, CodeMethodNotAllowed, decodeError(t, rec).Code)
}

func TestServer_MethodNotAllowedOnVenueRoutes(t *testing.T) {
	s := NewServer(newFakeGateway(), Options{})

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/venues/bybit/deactivate"},
		{http.MethodPut, "/venues/bybit/maintenance"},
		{http.MethodPost, "/status"},
	} {
		rec := do(t, s, tc.method, tc.path)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, tc.method+" "+tc.path)
		assert.Equal(t, CodeMethodNotAllowed, decodeError(t, rec).Code)
	}

	rec := do(t, s, http.MethodGet, "/venues/bybit/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Maintenance(t *testing.T) {
	gw := newFakeGateway()
	s := NewServer(gw, Options{MaintenanceWindow: time.Minute})

	rec := do(t, s, http.MethodPost, "/venues/binance/maintenance?for=30m")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), gw.maintenance["binance"], 5*time.Second)

	rec = do(t, s, http.MethodPost, "/venues/bybit/maintenance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, time.Now().Add(time.Minute), gw.maintenance["bybit"], 5*time.Second)

	rec = do(t, s, http.MethodPost, "/venues/binance/maintenance?for=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, rec).Code)

	rec = do(t, s, http.MethodDelete, "/venues/binance/maintenance")
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := gw.maintenance["binance"]
	assert.False(t, ok)

	rec = do(t, s, http.MethodDelete, "/venues/okx/maintenance")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := do(t, NewServer(newFakeGateway(), Options{Gatherer: reg}), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_test_total 1")
}
