package timegrant

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-ppm/meridian/internal/authz"
	"github.com/meridian-ppm/meridian/internal/observability"
)

// ErrValidation indicates a malformed grant request.
var ErrValidation = errors.New("timegrant: validation failed")

// Store is the persistence contract for grants.
type Store interface {
	Insert(ctx context.Context, g Grant) error
	Deactivate(ctx context.Context, id string) error
	ActiveGrants(ctx context.Context, userID string, cap authz.Capability, scopeKey string) ([]Grant, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service manages time-window grants. It keeps an in-memory index of the
// latest grant per (user, capability, scope); the backing store retains
// history. Overlapping grants for the same key are not reconciled: the
// latest write wins in the index.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	index map[string]Grant
}

// NewService constructs the grant manager. metrics may be nil.
func NewService(store Store, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		index:   make(map[string]Grant),
	}
}

// GrantTemporary creates a grant valid from now for the given duration.
func (s *Service) GrantTemporary(ctx context.Context, userID string, cap authz.Capability, duration time.Duration, scope authz.ScopeContext, grantedBy string) (Grant, error) {
	if duration <= 0 {
		return Grant{}, errors.Join(ErrValidation, errors.New("duration must be positive"))
	}
	now := s.now()
	expires := now.Add(duration)
	return s.create(ctx, Grant{
		UserID:     userID,
		Capability: cap,
		Scope:      scope,
		StartsAt:   &now,
		ExpiresAt:  &expires,
		GrantedBy:  grantedBy,
	})
}

// GrantScheduled creates a grant valid between startsAt and expiresAt.
func (s *Service) GrantScheduled(ctx context.Context, userID string, cap authz.Capability, startsAt, expiresAt time.Time, scope authz.ScopeContext, grantedBy string) (Grant, error) {
	if !expiresAt.After(startsAt) {
		return Grant{}, errors.Join(ErrValidation, errors.New("expires_at must follow starts_at"))
	}
	return s.create(ctx, Grant{
		UserID:     userID,
		Capability: cap,
		Scope:      scope,
		StartsAt:   &startsAt,
		ExpiresAt:  &expiresAt,
		GrantedBy:  grantedBy,
	})
}

// GrantWindowed creates a grant constrained by recurring windows, with an
// optional absolute expiry.
func (s *Service) GrantWindowed(ctx context.Context, userID string, cap authz.Capability, windows []TimeWindow, expiresAt *time.Time, scope authz.ScopeContext, grantedBy string) (Grant, error) {
	if len(windows) == 0 {
		return Grant{}, errors.Join(ErrValidation, errors.New("at least one time window required"))
	}
	for _, w := range windows {
		if w.StartHour != nil && (*w.StartHour < 0 || *w.StartHour > 23) {
			return Grant{}, errors.Join(ErrValidation, errors.New("start_hour out of range"))
		}
		if w.EndHour != nil && (*w.EndHour < 1 || *w.EndHour > 24) {
			return Grant{}, errors.Join(ErrValidation, errors.New("end_hour out of range"))
		}
	}
	return s.create(ctx, Grant{
		UserID:     userID,
		Capability: cap,
		Scope:      scope,
		ExpiresAt:  expiresAt,
		Windows:    windows,
		GrantedBy:  grantedBy,
	})
}

// Revoke deactivates a grant by ID and drops it from the index.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	for key, g := range s.index {
		if g.ID == id {
			delete(s.index, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// IsGranted reports whether a valid grant exists right now.
func (s *Service) IsGranted(ctx context.Context, userID string, cap authz.Capability, scope authz.ScopeContext) bool {
	return s.IsGrantedAt(ctx, userID, cap, scope, s.now())
}

// IsGrantedAt evaluates validity at an explicit instant. Store failures
// degrade to false.
func (s *Service) IsGrantedAt(ctx context.Context, userID string, cap authz.Capability, scope authz.ScopeContext, at time.Time) bool {
	key := indexKey(userID, cap, scope)

	s.mu.RLock()
	g, ok := s.index[key]
	s.mu.RUnlock()
	if ok {
		return g.ValidAt(at)
	}

	grants, err := s.store.ActiveGrants(ctx, userID, cap, scope.CacheKey())
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("load grants", slog.String("user_id", userID),
				slog.String("capability", string(cap)), slog.Any("error", err))
		}
		return false
	}
	if len(grants) == 0 {
		return false
	}
	latest := grants[0]
	for _, g := range grants[1:] {
		if g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	s.mu.Lock()
	s.index[key] = latest
	s.mu.Unlock()
	return latest.ValidAt(at)
}

// CleanupExpired deactivates rows whose expiry has passed and prunes the
// index. Skipping the sweep never affects ValidAt correctness, only
// storage growth.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.now()
	count, err := s.store.DeactivateExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for key, g := range s.index {
		if g.ExpiresAt != nil && g.ExpiresAt.Before(now) {
			delete(s.index, key)
		}
	}
	s.mu.Unlock()
	s.metrics.ObserveGrantsSwept(int(count))
	if s.logger != nil && count > 0 {
		s.logger.Info("expired grants swept", slog.Int64("count", count))
	}
	return count, nil
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) create(ctx context.Context, g Grant) (Grant, error) {
	if g.UserID == "" || g.Capability == "" {
		return Grant{}, errors.Join(ErrValidation, errors.New("user and capability required"))
	}
	g.ID = uuid.NewString()
	g.CreatedAt = s.now()
	g.IsActive = true
	if err := s.store.Insert(ctx, g); err != nil {
		return Grant{}, err
	}
	s.mu.Lock()
	s.index[indexKey(g.UserID, g.Capability, g.Scope)] = g
	s.mu.Unlock()
	return g, nil
}

func indexKey(userID string, cap authz.Capability, scope authz.ScopeContext) string {
	return userID + "|" + string(cap) + "|" + scope.CacheKey()
}
