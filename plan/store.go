package plan

import (
	"context"

	"github.com/xraph/entitle/id"
)

// Store persists plans together with their features.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*Plan, error)
	ListPlans(ctx context.Context, opts ListOpts) ([]*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error
	DeletePlan(ctx context.Context, planID id.PlanID) error
}

// ListOpts filters ListPlans. Results are ordered by sort order, then name.
type ListOpts struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
