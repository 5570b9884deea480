// Package events fans fired callouts out to other systems.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/workoutbot/internal/callout"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
)

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, callout.Event) error { return nil }

// Close is a no-op.
func (Nop) Close() error { return nil }

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL     string
	Subject string
	Name    string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "workoutbot.callouts",
		Name:          "workoutbot",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Conn is the part of a NATS connection the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
}

// NATSPublisher publishes callouts as JSON to <subject>.<room>.
type NATSPublisher struct {
	conn    Conn
	subject string
	logger  zerolog.Logger
}

// Message is the JSON payload on the wire.
type Message struct {
	callout.Event
	Kind string `json:"kind"`
}

// NewNATSPublisher dials NATS.
func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	logger = logger.With().Str("component", "events").Logger()
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w: %w", cfg.URL, perrors.ErrUnavailable, err)
	}
	logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("NATS publisher initialized")
	return NewNATSPublisherWithConn(nc, cfg.Subject, logger), nil
}

// NewNATSPublisherWithConn wraps an existing connection.
func NewNATSPublisherWithConn(conn Conn, subject string, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// Subject returns the subject a room's callouts are published on.
func (p *NATSPublisher) Subject(room string) string {
	return p.subject + "." + room
}

// Publish sends ev. While disconnected the client buffers the message.
func (p *NATSPublisher) Publish(_ context.Context, ev callout.Event) error {
	data, err := json.Marshal(Message{Event: ev, Kind: ev.Kind()})
	if err != nil {
		return fmt.Errorf("encoding callout %s: %w", ev.ID, err)
	}
	if err := p.conn.Publish(p.Subject(ev.Room), data); err != nil {
		return fmt.Errorf("publishing callout %s: %w", ev.ID, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *NATSPublisher) Healthy() bool {
	return p.conn.IsConnected()
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
