package timegrant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-ppm/meridian/internal/authz"
)

const fkViolation = "23503"

// Repository provides PostgreSQL backed persistence over the
// time_based_permissions table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a new grant row.
func (r *Repository) Insert(ctx context.Context, g Grant) error {
	windows, err := json.Marshal(g.Windows)
	if err != nil {
		return err
	}
	scope, err := json.Marshal(g.Scope)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO time_based_permissions
			(id, user_id, capability, scope_key, scope, starts_at, expires_at, time_windows, granted_by, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
		g.ID, g.UserID, string(g.Capability), g.Scope.CacheKey(), scope,
		g.StartsAt, g.ExpiresAt, windows, g.GrantedBy, g.IsActive, g.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == fkViolation {
			return errors.Join(ErrValidation, err)
		}
		return err
	}
	return nil
}

// Deactivate marks a grant inactive.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE time_based_permissions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return authz.ErrNotFound
	}
	return nil
}

// ActiveGrants returns active grant rows for the key, newest first.
func (r *Repository) ActiveGrants(ctx context.Context, userID string, cap authz.Capability, scopeKey string) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, capability, scope, starts_at, expires_at, time_windows,
		       COALESCE(granted_by, ''), is_active, created_at
		FROM time_based_permissions
		WHERE user_id = $1 AND capability = $2 AND scope_key = $3 AND is_active
		ORDER BY created_at DESC`,
		userID, string(cap), scopeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var (
			g          Grant
			capability string
			scopeRaw   []byte
			windowsRaw []byte
		)
		if err := rows.Scan(&g.ID, &g.UserID, &capability, &scopeRaw, &g.StartsAt,
			&g.ExpiresAt, &windowsRaw, &g.GrantedBy, &g.IsActive, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Capability = authz.Capability(capability)
		if len(scopeRaw) > 0 {
			if err := json.Unmarshal(scopeRaw, &g.Scope); err != nil {
				return nil, err
			}
		}
		if len(windowsRaw) > 0 {
			if err := json.Unmarshal(windowsRaw, &g.Windows); err != nil {
				return nil, err
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeactivateExpired marks every lapsed grant inactive and reports how
// many rows changed.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE time_based_permissions
		SET is_active = FALSE
		WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
