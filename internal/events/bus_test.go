package events

import (
	"testing"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priceEvent(n int) types.Event {
	return types.NewEvent(types.EventPrice, "a", n)
}

func TestBus_PublishDelivers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("test", 4, DropOldest)

	bus.Publish(priceEvent(1))

	select {
	case evt := <-sub.C():
		assert.Equal(t, types.EventPrice, evt.Type)
		assert.Equal(t, 1, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_DropOldest(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("slow", 3, DropOldest)

	for i := 1; i <= 5; i++ {
		bus.Publish(priceEvent(i))
	}

	var got []int
	for i := 0; i < 3; i++ {
		got = append(got, (<-sub.C()).Payload.(int))
	}
	assert.Equal(t, []int{3, 4, 5}, got)
	assert.Equal(t, int64(2), sub.Dropped())
}

func TestBus_BoundedBlockDropsNewest(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("bounded", 1, BoundedBlock(10*time.Millisecond))

	bus.Publish(priceEvent(1))
	start := time.Now()
	bus.Publish(priceEvent(2))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	assert.Equal(t, 1, (<-sub.C()).Payload.(int))
	assert.Equal(t, int64(1), sub.Dropped())
}

func TestBus_BoundedBlockDeliversWhenConsumerKeepsUp(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("bounded", 1, BoundedBlock(time.Second))

	done := make(chan []int)
	go func() {
		var got []int
		for evt := range sub.C() {
			got = append(got, evt.Payload.(int))
			if len(got) == 3 {
				break
			}
		}
		done <- got
	}()

	for i := 1; i <= 3; i++ {
		bus.Publish(priceEvent(i))
	}
	assert.Equal(t, []int{1, 2, 3}, <-done)
	assert.Equal(t, int64(0), sub.Dropped())
}

func TestBus_Filter(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("status", 4, DropOldest, types.EventStatusChanged)

	bus.Publish(priceEvent(1))
	bus.Publish(types.NewEvent(types.EventStatusChanged, "a", types.StatusChange{Previous: types.StatusHealthy, Current: types.StatusError}))

	evt := <-sub.C()
	assert.Equal(t, types.EventStatusChanged, evt.Type)
	assert.Len(t, sub.C(), 0)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("a", 1, DropOldest)
	b := bus.Subscribe("b", 1, DropOldest)

	bus.Unsubscribe(a)
	_, ok := <-a.C()
	assert.False(t, ok)

	bus.Close()
	_, ok = <-b.C()
	assert.False(t, ok)

	// Publishing after close is a no-op
	bus.Publish(priceEvent(1))
	late := bus.Subscribe("late", 1, DropOldest)
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestBus_RegisterCountsDrops(t *testing.T) {
	bus := NewBus()
	reg := prometheus.NewRegistry()
	require.NoError(t, bus.Register(reg))

	bus.Subscribe("slow", 1, DropOldest)
	bus.Publish(priceEvent(1))
	bus.Publish(priceEvent(2))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, float64(1), families[0].GetMetric()[0].GetCounter().GetValue())
}
