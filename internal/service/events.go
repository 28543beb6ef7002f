package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventType names a session or token lifecycle event.
type EventType string

const (
	EventTokenIssued        EventType = "token.issued"
	EventTokenRotated       EventType = "token.rotated"
	EventTokenRevoked       EventType = "token.revoked"
	EventTokenFamilyRevoked EventType = "token.family_revoked"
	EventTokenUserRevoked   EventType = "token.user_revoked"
	EventTokenReuseDetected EventType = "token.reuse_detected"
	EventSessionBackfilled  EventType = "session.backfilled"
	EventExpiredTokensSwept EventType = "tokens.swept"
)

// Event is a structured record of something the session core did.
type Event struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	Family    string    `json:"family,omitempty"`
	TokenID   string    `json:"tokenId,omitempty"`
	TokenHash string    `json:"tokenHash,omitempty"`
	Count     int       `json:"count,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	At        time.Time `json:"at"`
}

// EventSink receives lifecycle events. Implementations must not block the caller
// on slow consumers and must never fail the operation that emitted the event.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) {}

// securityPublisher forwards security events off-process. pkg/events.Publisher satisfies it.
type securityPublisher interface {
	Publish(ctx context.Context, name string, payload interface{}) error
}

type tokenEventCounter interface {
	RecordTokenEvent(event string)
}

// EventRecorder logs every event, counts it, and publishes security events.
type EventRecorder struct {
	logger    *zap.Logger
	metrics   tokenEventCounter
	publisher securityPublisher
}

// NewEventRecorder constructs an EventRecorder. metrics and publisher are optional.
func NewEventRecorder(logger *zap.Logger, metrics tokenEventCounter, publisher securityPublisher) *EventRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRecorder{logger: logger, metrics: metrics, publisher: publisher}
}

// Emit implements EventSink.
func (r *EventRecorder) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.TokenHash != "" {
		event.TokenHash = hashPrefix(event.TokenHash)
	}

	fields := []zap.Field{zap.String("event", string(event.Type))}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.Family != "" {
		fields = append(fields, zap.String("family", event.Family))
	}
	if event.TokenID != "" {
		fields = append(fields, zap.String("token_id", event.TokenID))
	}
	if event.TokenHash != "" {
		fields = append(fields, zap.String("token_hash", event.TokenHash))
	}
	if event.Count > 0 {
		fields = append(fields, zap.Int("count", event.Count))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip", event.IPAddress))
	}

	level := eventLevel(event.Type)
	if ce := r.logger.Check(level, "auth event"); ce != nil {
		ce.Write(fields...)
	}

	if r.metrics != nil {
		r.metrics.RecordTokenEvent(string(event.Type))
	}

	if r.publisher != nil && level >= zapcore.WarnLevel {
		if err := r.publisher.Publish(ctx, string(event.Type), event); err != nil {
			r.logger.Warn("failed to publish security event", zap.String("event", string(event.Type)), zap.Error(err))
		}
	}
}

func eventLevel(t EventType) zapcore.Level {
	switch t {
	case EventTokenReuseDetected:
		return zapcore.ErrorLevel
	case EventTokenFamilyRevoked, EventTokenUserRevoked:
		return zapcore.WarnLevel
	case EventSessionBackfilled, EventTokenRevoked:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
