package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/mExOms/gateway/internal/registry"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHealth struct {
	mu       sync.Mutex
	statuses map[string]types.VenueStatus
}

func healthy(ids ...string) *staticHealth {
	h := &staticHealth{statuses: make(map[string]types.VenueStatus)}
	for _, id := range ids {
		h.statuses[id] = types.StatusHealthy
	}
	return h
}

func (h *staticHealth) set(id string, status types.VenueStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[id] = status
}

func (h *staticHealth) Status(id string) types.VenueStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.statuses[id]; ok {
		return s
	}
	return types.StatusStandby
}

func newTestRegistry(t *testing.T, venues ...types.VenueConfig) *registry.Registry {
	t.Helper()
	if len(venues) == 0 {
		venues = []types.VenueConfig{
			{ID: "A", Priority: 1, Active: true},
			{ID: "B", Priority: 2, Active: true},
			{ID: "C", Priority: 3, Active: true},
			{ID: "D", Priority: 4, Active: true},
		}
	}
	reg, err := registry.New(venues)
	require.NoError(t, err)
	return reg
}

func btcOrder() *types.OrderRequest {
	return &types.OrderRequest{Symbol: "BTCUSDT", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: decimal.RequireFromString("0.01")}
}

var btcRule = types.RoutingRule{Symbol: "BTCUSDT", Primary: "A", Fallback: []string{"B", "C"}, Criterion: "latency"}

func TestEngine_Resolve(t *testing.T) {
	rules := []types.RoutingRule{
		btcRule,
		{Category: types.CategoryLimit, Primary: "B", Fallback: []string{"A"}},
	}
	e, err := NewEngine(newTestRegistry(t), healthy(), rules, &types.RoutingRule{Primary: "C"})
	require.NoError(t, err)

	rule, err := e.Resolve(&types.OrderRequest{Symbol: "btcusdt", Type: types.OrderTypeLimit})
	require.NoError(t, err)
	assert.Equal(t, "A", rule.Primary, "symbol rule wins over category")

	rule, err = e.Resolve(&types.OrderRequest{Symbol: "ETHUSDT", Type: types.OrderTypeLimit})
	require.NoError(t, err)
	assert.Equal(t, "B", rule.Primary)

	rule, err = e.Resolve(&types.OrderRequest{Symbol: "ETHUSDT", Type: types.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, "C", rule.Primary)

	candidates, err := e.Candidates(btcOrder())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, candidates)
}

func TestEngine_ResolveWithoutRule(t *testing.T) {
	e, err := NewEngine(newTestRegistry(t), healthy("A"), []types.RoutingRule{btcRule}, nil)
	require.NoError(t, err)

	_, err = e.Select(&types.OrderRequest{Symbol: "DOGEUSDT"}, nil)
	assert.True(t, errors.Is(err, types.ErrNoCandidate))
}

func TestEngine_SelectPrimaryWhenHealthy(t *testing.T) {
	e, err := NewEngine(newTestRegistry(t), healthy("A", "B", "C"), []types.RoutingRule{btcRule}, nil)
	require.NoError(t, err)

	sel, err := e.Select(btcOrder(), nil)
	require.NoError(t, err)
	assert.Equal(t, "A", sel.Venue)
	assert.Empty(t, sel.Skipped)
	assert.Equal(t, "latency", sel.Rule.Criterion)
}

func TestEngine_SelectFallbackInOrder(t *testing.T) {
	tests := []struct {
		name    string
		primary types.VenueStatus
		b       types.VenueStatus
		expect  string
	}{
		{"primary error", types.StatusError, types.StatusHealthy, "B"},
		{"primary rate limited", types.StatusRateLimited, types.StatusHealthy, "B"},
		{"primary slow", types.StatusSlow, types.StatusHealthy, "B"},
		{"primary standby and first fallback in maintenance", types.StatusStandby, types.StatusMaintenance, "C"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := healthy("C")
			h.set("A", tt.primary)
			h.set("B", tt.b)
			e, err := NewEngine(newTestRegistry(t), h, []types.RoutingRule{btcRule}, nil)
			require.NoError(t, err)

			sel, err := e.Select(btcOrder(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, sel.Venue)
			require.NotEmpty(t, sel.Skipped)
			assert.Equal(t, "A", sel.Skipped[0].Venue)
			assert.Equal(t, tt.primary, sel.Skipped[0].Status)
		})
	}
}

func TestEngine_SelectSkipsInactive(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.SetActive("A", false))
	e, err := NewEngine(reg, healthy("A", "B", "C"), []types.RoutingRule{btcRule}, nil)
	require.NoError(t, err)

	sel, err := e.Select(btcOrder(), nil)
	require.NoError(t, err)
	assert.Equal(t, "B", sel.Venue)
	assert.Equal(t, []Skip{{Venue: "A", Reason: "inactive"}}, sel.Skipped)
}

func TestEngine_SelectSkipsUnsupportedSymbol(t *testing.T) {
	reg := newTestRegistry(t,
		types.VenueConfig{ID: "A", Priority: 1, Active: true, Symbols: []string{"ETHUSDT"}},
		types.VenueConfig{ID: "B", Priority: 2, Active: true},
	)
	e, err := NewEngine(reg, healthy("A", "B"), []types.RoutingRule{btcRule}, nil)
	require.NoError(t, err)

	sel, err := e.Select(btcOrder(), nil)
	require.NoError(t, err)
	assert.Equal(t, "B", sel.Venue)
	assert.Equal(t, []Skip{{Venue: "A", Reason: "symbol not supported"}}, sel.Skipped)

	_, err = e.Select(btcOrder(), map[string]bool{"B": true})
	require.True(t, errors.Is(err, types.ErrNoCandidate))
}

func TestEngine_SelectNeverPicksUnlistedVenue(t *testing.T) {
	h := healthy("D")
	h.set("A", types.StatusError)
	h.set("B", types.StatusError)
	h.set("C", types.StatusRateLimited)
	e, err := NewEngine(newTestRegistry(t), h, []types.RoutingRule{btcRule}, nil)
	require.NoError(t, err)

	sel, err := e.Select(btcOrder(), nil)
	assert.True(t, errors.Is(err, types.ErrNoCandidate))
	assert.Empty(t, sel.Venue)
	assert.Len(t, sel.Skipped, 3)
}

func TestEngine_SelectExcludes(t *testing.T) {
	e, err := NewEngine(newTestRegistry(t), healthy("A", "B", "C"), []types.RoutingRule{btcRule}, nil)
	require.NoError(t, err)

	sel, err := e.Select(btcOrder(), map[string]bool{"A": true, "B": true})
	require.NoError(t, err)
	assert.Equal(t, "C", sel.Venue)
	assert.Empty(t, sel.Skipped)

	_, err = e.Select(btcOrder(), map[string]bool{"A": true, "B": true, "C": true})
	assert.True(t, errors.Is(err, types.ErrNoCandidate))
}

func TestEngine_ReplaceRulesValidation(t *testing.T) {
	e, err := NewEngine(newTestRegistry(t), healthy("A"), []types.RoutingRule{btcRule}, nil)
	require.NoError(t, err)

	invalid := [][]types.RoutingRule{
		{{Symbol: "BTCUSDT"}},
		{{Symbol: "BTCUSDT", Primary: "A"}, {Symbol: "btcusdt", Primary: "B"}},
		{{Symbol: "BTCUSDT", Category: types.CategoryLimit, Primary: "A"}},
		{{Category: "iceberg", Primary: "A"}},
		{{Primary: "A"}},
	}
	for _, rules := range invalid {
		assert.Error(t, e.ReplaceRules(rules, nil))
	}
	assert.Error(t, e.ReplaceRules(nil, &types.RoutingRule{}))

	rule, err := e.Resolve(btcOrder())
	require.NoError(t, err)
	assert.Equal(t, "A", rule.Primary, "a rejected table leaves the previous one in place")
}

func TestEngine_ReplaceRulesIsAtomic(t *testing.T) {
	first := []types.RoutingRule{
		{Symbol: "BTCUSDT", Primary: "A", Fallback: []string{"B"}},
		{Symbol: "ETHUSDT", Primary: "A", Fallback: []string{"B"}},
	}
	second := []types.RoutingRule{
		{Symbol: "BTCUSDT", Primary: "C", Fallback: []string{"D"}},
		{Symbol: "ETHUSDT", Primary: "C", Fallback: []string{"D"}},
	}
	e, err := NewEngine(newTestRegistry(t), healthy(), first, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				btc, err := e.Resolve(&types.OrderRequest{Symbol: "BTCUSDT"})
				if err != nil {
					t.Error(err)
					return
				}
				pair := btc.Primary + btc.Fallback[0]
				if pair != "AB" && pair != "CD" {
					t.Errorf("torn rule %s", pair)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		rules := first
		if i%2 == 0 {
			rules = second
		}
		require.NoError(t, e.ReplaceRules(rules, nil))
	}
	close(stop)
	wg.Wait()
}
