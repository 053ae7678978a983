package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisSetter is the subset of the redis client the mirror needs
type RedisSetter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisMirror copies stream updates into Redis so external dashboards can read them
type RedisMirror struct {
	client RedisSetter
	ttl    time.Duration
	logger *logrus.Entry
}

// NewRedisMirror creates a mirror writing keys that expire after ttl
func NewRedisMirror(client RedisSetter, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{
		client: client,
		ttl:    ttl,
		logger: logrus.WithField("component", "redis_mirror"),
	}
}

// MirrorKey returns the redis key for an event, or "" if the event is not mirrored
func MirrorKey(evt types.Event) string {
	switch p := evt.Payload.(type) {
	case types.MarketEntry:
		return fmt.Sprintf("latest:%s:%s", p.Symbol, p.Venue)
	case types.Position:
		return fmt.Sprintf("position:%s:%s", p.Venue, p.Symbol)
	case types.Order:
		return fmt.Sprintf("order:%s:%s", p.Venue, p.OrderID)
	case types.Balance:
		return fmt.Sprintf("balance:%s", p.Venue)
	case types.StatusChange:
		return fmt.Sprintf("status:%s", evt.Venue)
	}
	return ""
}

// Write mirrors one event
func (m *RedisMirror) Write(ctx context.Context, evt types.Event) error {
	key := MirrorKey(evt)
	if key == "" {
		return nil
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", evt.Type, err)
	}
	if err := m.client.Set(ctx, key, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Run mirrors events until the channel closes or ctx is cancelled
func (m *RedisMirror) Run(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := m.Write(ctx, evt); err != nil {
				m.logger.WithError(err).Warn("Failed to mirror event")
			}
		}
	}
}
