// Package identity writes a denormalized snapshot of a user's current
// roles and capabilities back to the identity provider's user-metadata
// field, so sessions can hydrate without hitting the engine.
package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-ppm/meridian/internal/authz"
)

// Snapshot is the denormalized payload stored in user metadata.
type Snapshot struct {
	Roles        []string  `json:"roles"`
	Capabilities []string  `json:"capabilities"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}

// Snapshotter recomputes and persists snapshots.
type Snapshotter struct {
	resolver *authz.Resolver
	store    authz.Store
	pool     *pgxpool.Pool
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotter constructs a Snapshotter.
func NewSnapshotter(resolver *authz.Resolver, store authz.Store, pool *pgxpool.Pool, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		resolver: resolver,
		store:    store,
		pool:     pool,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Refresh recomputes the user's global roles and capabilities and writes
// them to user metadata.
func (s *Snapshotter) Refresh(ctx context.Context, userID string) error {
	roles := s.resolver.EffectiveRoles(ctx, userID, authz.ScopeContext{})
	names := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	caps := make(authz.CapabilitySet)
	for _, role := range roles {
		if _, dup := seen[role.Role]; !dup {
			seen[role.Role] = struct{}{}
			names = append(names, role.Role)
		}
		caps.AddAll(role.Capabilities)
	}

	payload, err := json.Marshal(Snapshot{
		Roles:        names,
		Capabilities: caps.Strings(),
		RefreshedAt:  s.now(),
	})
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE users
		SET user_metadata = COALESCE(user_metadata, '{}'::jsonb) || jsonb_build_object('authz', $2::jsonb)
		WHERE id = $1`,
		userID, payload)
	return err
}

// RefreshAll resyncs every user holding at least one valid assignment.
// Individual failures are logged and skipped.
func (s *Snapshotter) RefreshAll(ctx context.Context) (int, error) {
	userIDs, err := s.store.AssignedUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, id := range userIDs {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if err := s.Refresh(ctx, id); err != nil {
			if s.logger != nil {
				s.logger.Warn("snapshot refresh", slog.String("user_id", id), slog.Any("error", err))
			}
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// ChangeListener returns a listener that refreshes the snapshot whenever
// the user's assignments change.
func (s *Snapshotter) ChangeListener() authz.ChangeListener {
	return func(ctx context.Context, ev authz.AssignmentChangeEvent) {
		if ev.UserID == "" {
			return
		}
		if err := s.Refresh(ctx, ev.UserID); err != nil && s.logger != nil {
			s.logger.Warn("snapshot refresh on change",
				slog.String("user_id", ev.UserID), slog.Any("error", err))
		}
	}
}
