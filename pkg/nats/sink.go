package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/sirupsen/logrus"
)

// Publisher sends raw payloads. *nats.Conn satisfies it directly.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body of a published event
type Message struct {
	Type      types.EventType `json:"type"`
	Venue     string          `json:"venue,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   interface{}     `json:"payload"`
}

// Sink forwards gateway events to NATS
type Sink struct {
	publisher Publisher
	prefix    string
	logger    *logrus.Entry
}

// NewSink creates a sink publishing under prefix
func NewSink(publisher Publisher, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sink{
		publisher: publisher,
		prefix:    prefix,
		logger:    logrus.WithField("component", "nats-sink"),
	}
}

// Write publishes one event
func (s *Sink) Write(evt types.Event) error {
	data, err := json.Marshal(Message{
		Type:      evt.Type,
		Venue:     evt.Venue,
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}
	subject := Subject(s.prefix, evt)
	if err := s.publisher.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	s.logger.Debugf("Published to %s", subject)
	return nil
}

// Run publishes events until the channel closes or ctx is cancelled
func (s *Sink) Run(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.Write(evt); err != nil {
				s.logger.WithError(err).WithField("venue", evt.Venue).Warn("Failed to publish event")
			}
		}
	}
}
