package entitle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// ──────────────────────────────────────────────────
// Plan catalog
// ──────────────────────────────────────────────────

// CreatePlan validates and stores a new plan, assigning ids to the plan and
// any feature without one.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	for i := range p.Features {
		if p.Features[i].ID.IsNil() {
			p.Features[i].ID = id.NewFeatureID()
		}
	}
	p.Slug = strings.TrimSpace(p.Slug)
	p.Entity = types.NewEntityAt(e.now())

	if err := validatePlan(p); err != nil {
		return err
	}

	if err := e.store.CreatePlan(ctx, p); err != nil {
		return fmt.Errorf("entitle: create plan %q: %w", p.Slug, err)
	}

	e.plans.Add(p.ID.String(), p.Clone())
	e.plugins.EmitPlanCreated(ctx, p)

	e.logger.Info("plan created",
		"plan_id", p.ID.String(),
		"slug", p.Slug,
		"features", len(p.Features),
	)
	return nil
}

// UpdatePlan replaces a stored plan and drops every cached feature set of
// subscriptions on it.
func (e *Engine) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	for i := range p.Features {
		if p.Features[i].ID.IsNil() {
			p.Features[i].ID = id.NewFeatureID()
		}
	}
	if err := validatePlan(p); err != nil {
		return err
	}

	old, err := e.store.GetPlan(ctx, p.ID)
	if err != nil {
		return err
	}

	p.CreatedAt = old.CreatedAt
	p.Touch(e.now())
	if err := e.store.UpdatePlan(ctx, p); err != nil {
		return fmt.Errorf("entitle: update plan %q: %w", p.Slug, err)
	}
	e.plans.Remove(p.ID.String())

	planID := p.ID
	subs, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{PlanID: &planID})
	if err != nil {
		e.logger.Warn("could not list subscriptions for cache invalidation", "plan_id", planID.String(), "error", err)
	}
	for _, sub := range subs {
		e.invalidateFeatures(ctx, sub.ID)
	}

	e.plugins.EmitPlanUpdated(ctx, old, p)
	return nil
}

// DeletePlan removes a plan no active or trialing subscription uses.
func (e *Engine) DeletePlan(ctx context.Context, planID id.PlanID) error {
	n, err := e.store.CountSubscriptions(ctx, subscription.ListOpts{
		PlanID:   &planID,
		Statuses: []subscription.Status{subscription.StatusActive, subscription.StatusTrial},
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d subscriptions on plan %s", ErrPlanInUse, n, planID)
	}

	if err := e.store.DeletePlan(ctx, planID); err != nil {
		return err
	}
	e.plans.Remove(planID.String())
	e.plugins.EmitPlanDeleted(ctx, planID)
	return nil
}

// GetPlan returns a plan by id.
func (e *Engine) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	p, err := e.loadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// PlanBySlug returns a plan by slug.
func (e *Engine) PlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	p, err := e.store.GetPlanBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	e.plans.Add(p.ID.String(), p.Clone())
	return p, nil
}

// ListActivePlans returns the active plans ordered by sort order, then name.
func (e *Engine) ListActivePlans(ctx context.Context) ([]*plan.Plan, error) {
	return e.store.ListPlans(ctx, plan.ListOpts{ActiveOnly: true})
}

// ListPlans returns plans matching opts.
func (e *Engine) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	return e.store.ListPlans(ctx, opts)
}

// PlanFeatures returns a plan's features ordered by sort order.
func (e *Engine) PlanFeatures(ctx context.Context, planID id.PlanID) ([]plan.Feature, error) {
	p, err := e.loadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return p.SortedFeatures(), nil
}

// PlanGrants reports whether the plan carries an enabled feature with key.
func (e *Engine) PlanGrants(ctx context.Context, planID id.PlanID, key string) (bool, error) {
	p, err := e.loadPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	return p.Grants(key), nil
}

// MonthlyPrice returns the monthly equivalent of a plan's price.
func MonthlyPrice(p *plan.Plan) decimal.Decimal {
	return p.MonthlyPrice()
}

// SeedPlans creates every plan whose slug is not yet stored and returns
// how many were created. Existing plans are left untouched.
func (e *Engine) SeedPlans(ctx context.Context, plans []*plan.Plan) (int, error) {
	created := 0
	for _, p := range plans {
		_, err := e.store.GetPlanBySlug(ctx, p.Slug)
		switch {
		case err == nil:
			e.logger.Debug("plan exists, skipping", "slug", p.Slug)
			continue
		case !errors.Is(err, ErrPlanNotFound):
			return created, err
		}

		if err := e.CreatePlan(ctx, p); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// loadPlan returns a cached plan. Callers must not mutate the result.
func (e *Engine) loadPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	key := planID.String()
	if p, ok := e.plans.Get(key); ok {
		return p, nil
	}

	v, err, _ := e.planGroup.Do(key, func() (any, error) {
		p, err := e.store.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		e.plans.Add(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*plan.Plan), nil //nolint:forcetypeassert // the loader only stores *plan.Plan
}

func validatePlan(p *plan.Plan) error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}
