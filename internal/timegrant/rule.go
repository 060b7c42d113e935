package timegrant

import (
	"context"

	"github.com/meridian-ppm/meridian/internal/authz"
)

// RuleName identifies the time-grant stage in evaluation traces.
const RuleName = "time_window_grants"

// Rule layers time-window grants into the evaluation pipeline. It only
// ever grants; grants already produced by earlier stages stand.
type Rule struct {
	service *Service
}

// NewRule wraps the service as an evaluator rule.
func NewRule(service *Service) *Rule {
	return &Rule{service: service}
}

// Name implements authz.Rule.
func (r *Rule) Name() string {
	return RuleName
}

// Evaluate implements authz.Rule.
func (r *Rule) Evaluate(ctx context.Context, userID string, cap authz.Capability, scope authz.ScopeContext, currentGranted bool) (bool, error) {
	if currentGranted {
		return true, nil
	}
	return r.service.IsGranted(ctx, userID, cap, scope), nil
}
