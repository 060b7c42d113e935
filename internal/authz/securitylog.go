package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Security event types.
const (
	EventAuthenticationMissing = "authentication_missing"
	EventCapabilityDenied      = "capability_denied"
	EventRequirementFailed     = "requirement_unsatisfied"
	EventEvaluationFault       = "evaluation_fault"
)

// SecurityEvent records a denial or fault for audit purposes.
type SecurityEvent struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	UserID       string       `json:"user_id,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Scope        ScopeContext `json:"scope,omitempty"`
	ClientIP     string       `json:"client_ip,omitempty"`
	UserAgent    string       `json:"user_agent,omitempty"`
	Detail       string       `json:"detail,omitempty"`
	OccurredAt   time.Time    `json:"occurred_at"`
}

// SecurityLog keeps recent security events in a bounded in-memory ring
// and forwards them to the backing store when one is configured. Store
// failures are logged locally and never surfaced to callers.
type SecurityLog struct {
	mu     sync.Mutex
	ring   []SecurityEvent
	next   int
	filled bool

	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewSecurityLog constructs the log. pool may be nil for memory-only
// operation. capacity bounds the in-memory ring.
func NewSecurityLog(pool *pgxpool.Pool, capacity int, logger *slog.Logger) *SecurityLog {
	if capacity <= 0 {
		capacity = 512
	}
	return &SecurityLog{
		ring:   make([]SecurityEvent, capacity),
		pool:   pool,
		logger: logger,
	}
}

// Record stores the event in memory and best-effort in the store. It is
// a no-op on a nil log.
func (l *SecurityLog) Record(ctx context.Context, ev SecurityEvent) {
	if l == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	l.mu.Lock()
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.filled = true
	}
	l.mu.Unlock()

	if l.pool == nil {
		return
	}
	meta, err := json.Marshal(map[string]any{
		"scope":      ev.Scope,
		"client_ip":  ev.ClientIP,
		"user_agent": ev.UserAgent,
		"detail":     ev.Detail,
	})
	if err != nil {
		meta = []byte("{}")
	}
	caps := make([]string, len(ev.Capabilities))
	for i, c := range ev.Capabilities {
		caps[i] = string(c)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO security_events (id, event_type, user_id, capabilities, meta, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		ev.ID, ev.Type, ev.UserID, caps, meta, ev.OccurredAt)
	if err != nil && l.logger != nil {
		l.logger.Warn("security event persist", slog.String("event_id", ev.ID), slog.Any("error", err))
	}
}

// Recent returns up to limit most recent events, newest first.
func (l *SecurityLog) Recent(limit int) []SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]SecurityEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}
