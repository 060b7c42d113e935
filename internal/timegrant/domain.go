// Package timegrant implements expiring, scheduled and recurring-window
// capability grants, layered independently of static role assignments.
package timegrant

import (
	"time"

	"github.com/meridian-ppm/meridian/internal/authz"
)

// TimeWindow constrains when a grant applies. Constraints are optional;
// a window matches an instant only when every set constraint matches.
type TimeWindow struct {
	// DaysOfWeek restricts to the listed weekdays (time.Sunday == 0).
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	// StartHour/EndHour restrict to [StartHour, EndHour) in the grant's
	// evaluation timezone.
	StartHour *int `json:"start_hour,omitempty"`
	EndHour   *int `json:"end_hour,omitempty"`
	// StartDate/EndDate restrict to an absolute date range, inclusive.
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// Matches reports whether the instant satisfies every set constraint.
func (w TimeWindow) Matches(at time.Time) bool {
	if len(w.DaysOfWeek) > 0 {
		found := false
		for _, day := range w.DaysOfWeek {
			if at.Weekday() == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if w.StartHour != nil && at.Hour() < *w.StartHour {
		return false
	}
	if w.EndHour != nil && at.Hour() >= *w.EndHour {
		return false
	}
	if w.StartDate != nil && at.Before(*w.StartDate) {
		return false
	}
	if w.EndDate != nil && at.After(*w.EndDate) {
		return false
	}
	return true
}

// Grant is a time-bounded capability grant.
type Grant struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	Capability authz.Capability   `json:"capability"`
	Scope      authz.ScopeContext `json:"scope"`
	StartsAt   *time.Time         `json:"starts_at,omitempty"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	Windows    []TimeWindow       `json:"time_windows,omitempty"`
	GrantedBy  string             `json:"granted_by,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	IsActive   bool               `json:"is_active"`
}

// ValidAt reports whether the grant applies at the instant: it must be
// active, within its start/expiry bounds, and matched by at least one
// declared window when windows are present.
func (g Grant) ValidAt(at time.Time) bool {
	if !g.IsActive {
		return false
	}
	if g.StartsAt != nil && at.Before(*g.StartsAt) {
		return false
	}
	if g.ExpiresAt != nil && at.After(*g.ExpiresAt) {
		return false
	}
	if len(g.Windows) == 0 {
		return true
	}
	for _, w := range g.Windows {
		if w.Matches(at) {
			return true
		}
	}
	return false
}
