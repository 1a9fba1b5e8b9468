// Package audit is the append-only record of security-relevant transitions:
// logins, consent grants, approval and group denials. Recording is best
// effort; a sink failure is logged and counted but never fails the primary
// flow.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oidcgw/internal/metrics"
	"oidcgw/internal/observability/logger"
)

// ActorAnonymous marks events raised before any account is known.
const ActorAnonymous = "anonymous"

// Event is one immutable audit record. There is no update or delete path.
type Event struct {
	ID     string
	Time   time.Time
	Actor  string
	Action string
	Fields map[string]any
}

// Sink appends events to some durable or observable medium.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Recorder fans an event out to all configured sinks.
type Recorder struct {
	sinks []Sink
	now   func() time.Time
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, now: time.Now}
}

// Record appends an event. Fire and forget: failures are surfaced through
// the log and the failure counter only.
func (r *Recorder) Record(ctx context.Context, actor, action string, fields map[string]any) {
	if actor == "" {
		actor = ActorAnonymous
	}
	e := Event{
		ID:     uuid.NewString(),
		Time:   r.now().UTC(),
		Actor:  actor,
		Action: action,
		Fields: fields,
	}
	for _, sink := range r.sinks {
		if err := sink.Record(ctx, e); err != nil {
			metrics.AuditFailures.Inc()
			logger.From(ctx).Warn("audit record failed",
				zap.String("action", action),
				logger.Err(err),
			)
		}
	}
}

// ZapSink writes events as structured log lines.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink() *ZapSink {
	return &ZapSink{log: logger.Named("audit")}
}

func (s *ZapSink) Record(ctx context.Context, e Event) error {
	s.log.Info(e.Action,
		zap.String("audit_id", e.ID),
		zap.Time("ts", e.Time),
		zap.String("actor", e.Actor),
		zap.Any("fields", e.Fields),
	)
	return nil
}
