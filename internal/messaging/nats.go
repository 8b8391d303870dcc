// Package messaging provides a NATS client wrapper used to hand match
// notifications to components outside this process: an offline push worker
// and any consumer of the match event stream.
package messaging

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns.
const (
	SubjectPush        = "push"         // + .<user_id>
	SubjectMatchEvents = "match.events" // + .<kind>
)

// NATSClient wraps the NATS connection. This process only publishes.
type NATSClient struct {
	conn *nats.Conn
	log  *zap.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "mealmatch-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.Logger) (*NATSClient, error) {
	log = log.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{conn: nc, log: log}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Close flushes pending publishes and closes the NATS connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", zap.Error(err))
	}
	c.log.Info("client closed")
}
