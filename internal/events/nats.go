package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("nido-billing"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish marshals the payload and publishes it. Errors are logged, not
// returned: billing state must never depend on the event bus.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("failed to marshal event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to drain nats connection")
	}
}

// NoopPublisher discards events. Used in tests and when no event bus is
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, subject string, payload any) {}

func (NoopPublisher) Close() {}
