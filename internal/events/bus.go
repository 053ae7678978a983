package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Policy decides what happens when a subscriber's queue is full
type Policy struct {
	// BlockTimeout > 0 waits up to that long for room before dropping the new event.
	// Zero means drop the oldest queued event to make room.
	BlockTimeout time.Duration
}

// DropOldest discards the oldest queued event when a subscriber falls behind
var DropOldest = Policy{}

// BoundedBlock waits up to timeout for the subscriber, then drops the event
func BoundedBlock(timeout time.Duration) Policy {
	return Policy{BlockTimeout: timeout}
}

// Subscription is one consumer of the bus
type Subscription struct {
	name    string
	ch      chan types.Event
	policy  Policy
	filter  map[types.EventType]bool
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// C returns the channel events are delivered on
func (s *Subscription) C() <-chan types.Event {
	return s.ch
}

// Name returns the subscriber name
func (s *Subscription) Name() string {
	return s.name
}

// Dropped returns how many events were discarded for this subscriber
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t types.EventType) bool {
	return len(s.filter) == 0 || s.filter[t]
}

// deliver enqueues the event according to the policy and reports whether it was delivered
func (s *Subscription) deliver(evt types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
	}

	if s.policy.BlockTimeout > 0 {
		timer := time.NewTimer(s.policy.BlockTimeout)
		defer timer.Stop()
		select {
		case s.ch <- evt:
			return true
		case <-timer.C:
			s.dropped.Add(1)
			return false
		}
	}

	// Drop oldest
	for {
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- evt:
			return true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans typed events out to bounded subscriber queues
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	drops  *prometheus.CounterVec
	logger *logrus.Entry
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logrus.WithField("component", "events"),
	}
}

// Register exports per-subscriber drop counters
func (b *Bus) Register(reg prometheus.Registerer) error {
	drops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_event_drops_total",
			Help: "Number of events dropped because a subscriber fell behind",
		},
		[]string{"subscriber"},
	)
	if err := reg.Register(drops); err != nil {
		return err
	}
	b.mu.Lock()
	b.drops = drops
	b.mu.Unlock()
	return nil
}

// Subscribe registers a consumer with a bounded queue; eventTypes filters delivery when non-empty
func (b *Bus) Subscribe(name string, buffer int, policy Policy, eventTypes ...types.EventType) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &Subscription{
		name:   name,
		ch:     make(chan types.Event, buffer),
		policy: policy,
	}
	if len(eventTypes) > 0 {
		sub.filter = make(map[types.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a consumer and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers the event to every interested subscriber
func (b *Bus) Publish(evt types.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		before := sub.Dropped()
		sub.deliver(evt)
		if lost := sub.Dropped() - before; lost > 0 {
			if b.drops != nil {
				b.drops.WithLabelValues(sub.name).Add(float64(lost))
			}
			b.logger.WithFields(logrus.Fields{
				"subscriber": sub.name,
				"event":      evt.Type,
			}).Debug("Subscriber behind, event dropped")
		}
	}
}

// Close closes every subscription; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close()
	}
	b.subs = map[*Subscription]struct{}{}
}
