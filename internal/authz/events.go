package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Assignment-change actions.
const (
	ActionAssigned = "assigned"
	ActionRevoked  = "revoked"
	ActionUpdated  = "updated"
	ActionExpired  = "expired"
)

// AssignmentChangeEvent is published by any component that mutates role
// assignments. It is the system's only cache-coherence mechanism; there
// is no polling and no TTL-only invalidation for assignment mutation.
type AssignmentChangeEvent struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AssignmentType string    `json:"assignment_type"`
	AssignmentID   string    `json:"assignment_id"`
	Action         string    `json:"action"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewAssignmentChangeEvent fills in the event identity and timestamp.
func NewAssignmentChangeEvent(userID, assignmentType, assignmentID, action string) AssignmentChangeEvent {
	return AssignmentChangeEvent{
		ID:             uuid.NewString(),
		UserID:         userID,
		AssignmentType: assignmentType,
		AssignmentID:   assignmentID,
		Action:         action,
		Timestamp:      time.Now().UTC(),
	}
}

// ChangeListener receives assignment-change events after the engine's own
// invalidation has run. Listener faults are logged, never propagated.
type ChangeListener func(ctx context.Context, ev AssignmentChangeEvent)

// ChangeBroadcaster fans assignment-change events out to subscribers.
type ChangeBroadcaster struct {
	mu        sync.RWMutex
	listeners []ChangeListener
	logger    *slog.Logger
}

// NewChangeBroadcaster constructs a broadcaster.
func NewChangeBroadcaster(logger *slog.Logger) *ChangeBroadcaster {
	return &ChangeBroadcaster{logger: logger}
}

// Subscribe registers a listener. Listeners run in subscription order.
func (b *ChangeBroadcaster) Subscribe(l ChangeListener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers the event to every listener synchronously.
func (b *ChangeBroadcaster) Publish(ctx context.Context, ev AssignmentChangeEvent) {
	b.mu.RLock()
	listeners := make([]ChangeListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil && b.logger != nil {
					b.logger.Error("change listener panic",
						slog.String("event_id", ev.ID), slog.Any("panic", rec))
				}
			}()
			l(ctx, ev)
		}()
	}
}
