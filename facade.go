package entitle

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

// ──────────────────────────────────────────────────
// Entitlement facade
// ──────────────────────────────────────────────────

// Check answers whether the subscription may use the feature right now.
// Every feature is denied while the subscription is not usable. A numeric
// feature is allowed while its counter is below the limit; boolean and text
// features follow their enabled flag.
func (e *Engine) Check(ctx context.Context, subID id.SubscriptionID, key string) (*entitlement.Result, error) {
	sub, p, err := e.subscriptionPlan(ctx, "check", subID)
	if err != nil {
		return nil, err
	}

	result := &entitlement.Result{Feature: key}
	defer e.plugins.EmitEntitlementChecked(ctx, subID, result)

	if !sub.Usable(e.now(), e.config.GracePeriod()) {
		result.Reason = entitlement.ReasonNotUsable
		return result, nil
	}

	f := p.FindFeature(key)
	if f == nil {
		result.Reason = entitlement.ReasonFeatureMissing
		return result, nil
	}
	result.Type = f.Type

	limit := f.TypedLimit()
	switch limit.Kind {
	case plan.LimitUnlimited:
		used, err := e.currentUsage(ctx, sub, key)
		if err != nil {
			return nil, err
		}
		result.Allowed = true
		result.Unlimited = true
		result.Used = used
		result.Limit = -1
		result.Remaining = -1

	case plan.LimitNumeric:
		used, err := e.currentUsage(ctx, sub, key)
		if err != nil {
			return nil, err
		}
		result.Used = used
		result.Limit = limit.Number
		result.Remaining = remaining(used, limit.Number)
		result.Allowed = used < limit.Number
		if !result.Allowed {
			result.Reason = entitlement.ReasonQuotaExhausted
		}

	case plan.LimitBoolean, plan.LimitText:
		result.Allowed = f.IsEnabled()
		if !result.Allowed {
			result.Reason = entitlement.ReasonFeatureDisabled
		}
	}

	return result, nil
}

// CheckAccount resolves the account's current subscription and checks the
// feature against it.
func (e *Engine) CheckAccount(ctx context.Context, accountID, key string) (*entitlement.Result, error) {
	sub, err := e.CurrentSubscription(ctx, accountID)
	if err != nil {
		return nil, &Error{Op: "check_account", FeatureKey: key, Err: err}
	}
	return e.Check(ctx, sub.ID, key)
}

// HasFeature reports whether the subscription currently grants an enabled
// feature with key.
func (e *Engine) HasFeature(ctx context.Context, subID id.SubscriptionID, key string) (bool, error) {
	features, err := e.Features(ctx, subID)
	if err != nil {
		return false, err
	}
	for i := range features {
		if features[i].Key == key {
			return features[i].IsEnabled(), nil
		}
	}
	return false, nil
}

// Features returns the features the subscription grants right now, ordered
// by sort order. A subscription that is not usable grants none.
//
// The cache holds the plan's feature set only; usability is time-dependent
// and is evaluated against the subscription on every call.
func (e *Engine) Features(ctx context.Context, subID id.SubscriptionID) ([]plan.Feature, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, opError("features", subID, err)
	}
	if !sub.Usable(e.now(), e.config.GracePeriod()) {
		return []plan.Feature{}, nil
	}

	cached, ok, err := e.features.Get(ctx, subID)
	if err != nil {
		e.logger.Warn("feature cache read failed", "subscription_id", subID.String(), "error", err)
	}
	if ok {
		return cached, nil
	}

	p, err := e.loadPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, opError("features", subID, err)
	}
	features := p.SortedFeatures()

	if err := e.features.Set(ctx, subID, features, e.config.CacheTTL); err != nil {
		e.logger.Warn("feature cache write failed", "subscription_id", subID.String(), "error", err)
	}
	return features, nil
}

// invalidateFeatures drops the cached feature set of a subscription.
func (e *Engine) invalidateFeatures(ctx context.Context, subID id.SubscriptionID) {
	if err := e.features.Invalidate(ctx, subID); err != nil {
		e.logger.Warn("feature cache invalidation failed", "subscription_id", subID.String(), "error", err)
	}
}
