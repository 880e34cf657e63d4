package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"referral-service/internal/models"
)

// Match lifecycle event names, also used as routing keys.
const (
	EventMatchCreated      = "match.created"
	EventMatchAccepted     = "match.accepted"
	EventMatchConfirmed    = "match.confirmed"
	EventMatchCancelled    = "match.cancelled"
	EventMatchExpired      = "match.expired"
	EventMatchTimeProposed = "match.time_proposed"
)

const auditRoutingKey = "audit.referral"

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Emitter publishes match lifecycle events and audit logs.
type Emitter struct {
	publisher   Publisher
	service     string
	environment string
	logger      *zap.Logger
}

type MatchEventEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	ActorUID      string       `json:"actor_uid,omitempty"`
	Match         MatchPayload `json:"match"`
}

type MatchPayload struct {
	ID              string             `json:"id"`
	TalentUID       string             `json:"talent_uid"`
	InsiderUID      string             `json:"insider_uid"`
	Company         string             `json:"company"`
	Positions       []string           `json:"positions"`
	Type            models.MatchType   `json:"type"`
	Status          models.MatchStatus `json:"status"`
	TalentAccepted  bool               `json:"talent_accepted"`
	InsiderAccepted bool               `json:"insider_accepted"`
	ChatID          string             `json:"chat_id,omitempty"`
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func NewEmitter(publisher Publisher, service, environment string, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		publisher:   publisher,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

// MatchEvent publishes a lifecycle event. Publishing is best effort: the
// state change already committed.
func (e *Emitter) MatchEvent(ctx context.Context, name string, m models.Match, actorUID string) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := MatchEventEnvelope{
		SchemaVersion: 1,
		EventType:     name,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     RequestIDFrom(ctx),
		ActorUID:      actorUID,
		Match: MatchPayload{
			ID:              m.ID,
			TalentUID:       m.TalentUID,
			InsiderUID:      m.InsiderUID,
			Company:         m.MatchParameters.Company,
			Positions:       m.MatchParameters.Positions,
			Type:            m.Type,
			Status:          m.Status,
			TalentAccepted:  m.TalentAccepted,
			InsiderAccepted: m.InsiderAccepted,
			ChatID:          m.ChatID,
		},
	}

	if err := e.publisher.Publish(ctx, name, envelope); err != nil {
		e.logger.Warn("match event publish failed", zap.String("event", name), zap.String("match_id", m.ID), zap.Error(err))
	}
}

// Emit publishes an audit log entry.
func (e *Emitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	if e == nil || e.publisher == nil {
		return
	}

	e.logger.Debug("audit emit", zap.String("level", level), zap.String("request_id", requestID), zap.String("text", text))
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level: level,
			Text:  text,
		},
	}

	if err := e.publisher.Publish(ctx, auditRoutingKey, envelope); err != nil {
		e.logger.Warn("audit publish failed", zap.Error(err))
	}
}

type requestIDKey struct{}

// WithRequestID stores the request id on ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFrom returns the request id stored on ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
