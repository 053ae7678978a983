package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Config holds NATS configuration
type Config struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"client_id"`
	// Prefix is the first subject token of every published event
	Prefix string `mapstructure:"prefix"`
	// Stream switches publishing to JetStream when set
	Stream *StreamConfig `mapstructure:"stream"`
}

// StreamConfig defines the JetStream stream events are persisted to
type StreamConfig struct {
	Name    string        `mapstructure:"name"`
	MaxAge  time.Duration `mapstructure:"max_age"`
	MaxMsgs int64         `mapstructure:"max_msgs"`
}

// Client wraps a NATS connection and the publisher events go through
type Client struct {
	conn      *nats.Conn
	publisher Publisher
	config    Config
	logger    *logrus.Entry
}

// Connect dials NATS and, when a stream is configured, ensures it exists
func Connect(config Config) (*Client, error) {
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.ClientID == "" {
		config.ClientID = "gateway"
	}
	logger := logrus.WithField("component", "nats-client")

	opts := []nats.Option{
		nats.Name(config.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.WithError(err).Error("NATS error")
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client := &Client{conn: conn, publisher: conn, config: config, logger: logger}

	if config.Stream != nil {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if err := ensureStream(js, config.Prefix, *config.Stream, logger); err != nil {
			conn.Close()
			return nil, err
		}
		client.publisher = jetStreamPublisher{js: js}
	}

	logger.WithFields(logrus.Fields{
		"url":       config.URL,
		"jetstream": config.Stream != nil,
	}).Info("Connected to NATS")
	return client, nil
}

// ensureStream creates the event stream or updates it in place
func ensureStream(js nats.JetStreamContext, prefix string, sc StreamConfig, logger *logrus.Entry) error {
	cfg := &nats.StreamConfig{
		Name:      sc.Name,
		Subjects:  []string{prefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    sc.MaxAge,
		MaxMsgs:   sc.MaxMsgs,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
	if cfg.MaxMsgs == 0 {
		cfg.MaxMsgs = -1
	}

	if _, err := js.StreamInfo(sc.Name); err == nil {
		if _, err := js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", sc.Name, err)
		}
		logger.WithField("stream", sc.Name).Info("Updated stream")
		return nil
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", sc.Name, err)
	}
	logger.WithField("stream", sc.Name).Info("Created stream")
	return nil
}

// Publisher returns the publisher events should be sent through
func (c *Client) Publisher() Publisher {
	return c.publisher
}

// Prefix returns the configured subject prefix
func (c *Client) Prefix() string {
	return c.config.Prefix
}

// Close drains pending messages and closes the connection
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.WithError(err).Warn("Failed to drain NATS connection")
		c.conn.Close()
	}
}

type jetStreamPublisher struct {
	js nats.JetStreamContext
}

func (p jetStreamPublisher) Publish(subject string, data []byte) error {
	_, err := p.js.Publish(subject, data)
	return err
}
