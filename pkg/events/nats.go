package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natspkg "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher pushes JSON encoded events onto a NATS subject.
type Publisher struct {
	nc      *natspkg.Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher connects to the NATS server at url. Publishing targets subject
// unless a caller overrides it per message.
func NewPublisher(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := natspkg.Connect(url,
		natspkg.Name("authsession-api"),
		natspkg.Timeout(2*time.Second),
		natspkg.MaxReconnects(-1),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		natspkg.ReconnectHandler(func(c *natspkg.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}, nil
}

// Publish encodes payload and publishes it under the configured subject with
// the event name appended, e.g. "auth.security.token.reuse_detected".
func (p *Publisher) Publish(ctx context.Context, name string, payload interface{}) error {
	if p == nil || p.nc == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", name, err)
	}
	subject := p.subject
	if name != "" {
		subject = subject + "." + name
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is usable.
func (p *Publisher) IsConnected() bool {
	return p != nil && p.nc != nil && p.nc.Status() == natspkg.CONNECTED
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
		p.nc.Close()
	}
}
