package audit

import (
	"context"
	"sync"

	"risk-auth-service/internal/model"
	"risk-auth-service/internal/util"

	"go.uber.org/zap"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e *model.AuditEvent) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("identity", util.Redact(e.Identity)),
		zap.Time("occurred_at", e.OccurredAt),
		zap.Int("bucket", e.Bucket),
		zap.Int("user_bucket", e.UserBucket),
	}
	if e.Decision != "" {
		fields = append(fields, zap.String("decision", string(e.Decision)))
	}
	if e.Score != nil {
		fields = append(fields, zap.Float64("score", *e.Score))
	}
	if len(e.Reasons) > 0 {
		fields = append(fields, zap.Strings("reasons", e.Reasons))
	}
	if e.Fallback {
		fields = append(fields, zap.Bool("fallback", true))
	}
	if e.ChallengeID != "" {
		fields = append(fields, zap.String("challenge_id", e.ChallengeID), zap.String("challenge_state", string(e.ChallengeState)))
	}
	if e.AttemptsRemaining != nil {
		fields = append(fields, zap.Int("attempts_remaining", *e.AttemptsRemaining))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	s.logger.Info("audit", fields...)
	return nil
}

// MemorySink keeps events in order. Used by tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, e *model.AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, *e)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.events...)
}

// Types lists recorded event types in order.
func (s *MemorySink) Types() []model.AuditEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
