package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/oracle/internal/domain"
)

// ─── Audit Recorder ─────────────────────────────────────────────────────────

// AuditStore persists audit events.
type AuditStore interface {
	InsertAudit(ctx context.Context, ev domain.AuditEvent) error
}

// RecorderConfig configures the audit recorder.
type RecorderConfig struct {
	MaxEvents int // ring buffer size (default 4096)
}

// DefaultRecorderConfig returns production defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{MaxEvents: 4096}
}

// Recorder implements domain.AuditSink. Each event is logged at WARN,
// counted, kept in a bounded ring and forwarded to the store if one is set.
type Recorder struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	max    int

	store AuditStore
	log   *slog.Logger
	now   func() time.Time
}

var _ domain.AuditSink = (*Recorder)(nil)

// NewRecorder creates an audit recorder. store may be nil.
func NewRecorder(cfg RecorderConfig, store AuditStore, logger *slog.Logger) *Recorder {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultRecorderConfig().MaxEvents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		events: make([]domain.AuditEvent, 0, min(cfg.MaxEvents, 256)),
		max:    cfg.MaxEvents,
		store:  store,
		log:    logger.With(slog.String("component", "audit")),
		now:    time.Now,
	}
}

// SetClock replaces the recorder clock.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Record implements domain.AuditSink. A store failure is logged and the
// event is still kept in memory.
func (r *Recorder) Record(ctx context.Context, ev domain.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}

	attrs := []any{slog.String("kind", string(ev.Kind)), slog.Uint64("epoch", ev.Epoch)}
	if ev.WorkerID != "" {
		attrs = append(attrs, slog.String("worker", ev.WorkerID))
	}
	if ev.ScorerID != "" {
		attrs = append(attrs, slog.String("scorer", ev.ScorerID))
	}
	if ev.ChallengeID != "" {
		attrs = append(attrs, slog.String("challenge", ev.ChallengeID))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	r.log.WarnContext(ctx, "audit event", attrs...)
	AuditEvents.WithLabelValues(string(ev.Kind)).Inc()

	r.mu.Lock()
	if len(r.events) >= r.max {
		r.events = r.events[1:]
	}
	r.events = append(r.events, ev)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.InsertAudit(ctx, ev); err != nil {
			r.log.ErrorContext(ctx, "persist audit event", slog.String("id", ev.ID), slog.Any("err", err))
		}
	}
}

// Recent returns up to limit of the newest events, newest first.
// An empty kind matches every event.
func (r *Recorder) Recent(limit int, kind domain.AuditKind) []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.AuditEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if kind != "" && r.events[i].Kind != kind {
			continue
		}
		out = append(out, r.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Count returns the number of buffered events.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
