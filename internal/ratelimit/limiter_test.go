package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mExOms/gateway/internal/registry"
	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	reg, err := registry.New([]types.VenueConfig{
		{ID: "x", Active: true, RateLimits: types.RateLimits{Orders: 10, Requests: 100, Window: 60 * time.Second}},
		{ID: "y", Active: true, RateLimits: types.RateLimits{Orders: 10, Requests: 100, Window: 60 * time.Second}},
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(reg)
	l.SetClock(clock.Now)
	return l, clock
}

func TestLimiter_EleventhOrderDenied(t *testing.T) {
	l, clock := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		_, err := l.Acquire("x", CategoryOrders)
		require.NoError(t, err, "order %d", i+1)
	}

	_, err := l.Acquire("x", CategoryOrders)
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindRateLimit, types.KindOf(err))
	assert.True(t, l.Exhausted("x"))

	// Other venue is untouched by the denial
	assert.False(t, l.Exhausted("y"))
	assert.Equal(t, 0, l.Snapshot("y")[CategoryOrders].Count)
	for i := 0; i < 10; i++ {
		_, err := l.Acquire("y", CategoryOrders)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, l.Snapshot("x")[CategoryOrders].Count)

	// Still denied just before reset, admitted at reset
	clock.Advance(59 * time.Second)
	_, err = l.Acquire("x", CategoryOrders)
	assert.Error(t, err)

	clock.Advance(time.Second)
	_, err = l.Acquire("x", CategoryOrders)
	assert.NoError(t, err)
	assert.Equal(t, 1, l.Snapshot("x")[CategoryOrders].Count)
}

func TestLimiter_CategoriesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 10; i++ {
		_, err := l.Acquire("x", CategoryOrders)
		require.NoError(t, err)
	}
	_, err := l.Acquire("x", CategoryRequests)
	assert.NoError(t, err)
}

func TestLimiter_UnknownVenueIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	for i := 0; i < 1000; i++ {
		_, err := l.Acquire("other", CategoryOrders)
		require.NoError(t, err)
	}
	assert.False(t, l.Exhausted("other"))
}

func TestReservation_Release(t *testing.T) {
	l, clock := newTestLimiter(t)

	var last *Reservation
	for i := 0; i < 10; i++ {
		res, err := l.Acquire("x", CategoryOrders)
		require.NoError(t, err)
		last = res
	}
	last.Release()
	last.Release()
	assert.Equal(t, 9, l.Snapshot("x")[CategoryOrders].Count)

	_, err := l.Acquire("x", CategoryOrders)
	assert.NoError(t, err)

	// Releasing into a rolled window has no effect
	res, err := l.Acquire("y", CategoryOrders)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.Acquire("y", CategoryOrders)
	require.NoError(t, err)
	res.Release()
	assert.Equal(t, 1, l.Snapshot("y")[CategoryOrders].Count)
}

func TestLimiter_MarkExhausted(t *testing.T) {
	l, clock := newTestLimiter(t)

	l.MarkExhausted("x", CategoryRequests, clock.Now().Add(10*time.Second))
	assert.True(t, l.Exhausted("x"))

	_, err := l.Acquire("x", CategoryRequests)
	assert.Error(t, err)
	_, err = l.Acquire("x", CategoryOrders)
	assert.NoError(t, err)

	clock.Advance(10 * time.Second)
	assert.False(t, l.Exhausted("x"))
	_, err = l.Acquire("x", CategoryRequests)
	assert.NoError(t, err)
}

func TestLimiter_ConcurrentAcquireAdmitsExactlyLimit(t *testing.T) {
	l, _ := newTestLimiter(t)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire("x", CategoryOrders); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), admitted.Load())
}

func TestLimiter_RegisterCountsDenials(t *testing.T) {
	l, _ := newTestLimiter(t)
	reg := prometheus.NewRegistry()
	require.NoError(t, l.Register(reg))

	for i := 0; i < 12; i++ {
		_, _ = l.Acquire("x", CategoryOrders)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(l.denials.WithLabelValues("x", "orders")))
}
