package audit

import (
	"context"
	"sync"

	"github.com/and161185/clinauth/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// execer is the subset of the pgx pool used by PGSink.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink appends events to the audit_log table.
type PGSink struct{ db execer }

// NewPGSink constructs a PostgreSQL sink.
func NewPGSink(db execer) *PGSink { return &PGSink{db: db} }

// Write inserts one event.
func (s *PGSink) Write(ctx context.Context, ev model.AuditEvent) error {
	const q = `
INSERT INTO audit_log (id, occurred_at, event_type, email, principal_type, principal_id, success, address, user_agent, detail)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	detail := ev.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	_, err := s.db.Exec(ctx, q, ev.ID, ev.OccurredAt, ev.Type, ev.Email, string(ev.PrincipalType), ev.PrincipalID,
		ev.Success, ev.Address, ev.UserAgent, detail)
	return err
}

// LogSink writes events as structured log lines.
type LogSink struct{ log *zap.Logger }

// NewLogSink constructs a zap-backed sink.
func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: log.Named("audit")} }

// Write logs one event at info level.
func (s *LogSink) Write(_ context.Context, ev model.AuditEvent) error {
	s.log.Info(ev.Type,
		zap.String("id", ev.ID),
		zap.Time("at", ev.OccurredAt),
		zap.Bool("success", ev.Success),
		zap.String("email", ev.Email),
		zap.String("principal_type", string(ev.PrincipalType)),
		zap.String("principal_id", ev.PrincipalID),
		zap.String("address", ev.Address),
		zap.String("user_agent", ev.UserAgent),
		zap.Any("detail", ev.Detail),
	)
	return nil
}

// Memory collects events synchronously. It is both a Sink and a Recorder.
type Memory struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

// Record appends ev.
func (m *Memory) Record(ev model.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Write appends ev.
func (m *Memory) Write(_ context.Context, ev model.AuditEvent) error {
	m.Record(ev)
	return nil
}

// Events returns a copy of the collected events.
func (m *Memory) Events() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.events...)
}

// OfType returns the events with the given type.
func (m *Memory) OfType(t string) []model.AuditEvent {
	var out []model.AuditEvent
	for _, ev := range m.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets collected events.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Tee fans one Sink write out to several sinks, returning the first error.
type Tee []Sink

// Write writes ev to every sink.
func (t Tee) Write(ctx context.Context, ev model.AuditEvent) error {
	var first error
	for _, s := range t {
		if err := s.Write(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
