// Package plugin provides an extensible hook system for Entitle.
// Plugins implement any subset of the hook interfaces below; the Registry
// discovers them by type assertion at registration time.
package plugin

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan catalog hooks
// ──────────────────────────────────────────────────

// OnPlanCreated is called when a new plan is created.
type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, p *plan.Plan) error
}

// OnPlanUpdated is called when a plan is updated.
type OnPlanUpdated interface {
	Plugin
	OnPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) error
}

// OnPlanDeleted is called when a plan is deleted.
type OnPlanDeleted interface {
	Plugin
	OnPlanDeleted(ctx context.Context, planID id.PlanID) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a new subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnStatusChanged is called after every committed status transition.
type OnStatusChanged interface {
	Plugin
	OnStatusChanged(ctx context.Context, sub *subscription.Subscription, from, to subscription.Status) error
}

// OnSubscriptionChanged is called when a subscription moves to another plan.
// proration is nil when proration was not requested or is disabled.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan, proration *subscription.Proration) error
}

// OnSubscriptionCancelled is called when a subscription is cancelled.
type OnSubscriptionCancelled interface {
	Plugin
	OnSubscriptionCancelled(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionResumed is called when a cancelled subscription is resumed.
type OnSubscriptionResumed interface {
	Plugin
	OnSubscriptionResumed(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionRenewed is called after a subscription advances to its next period.
type OnSubscriptionRenewed interface {
	Plugin
	OnSubscriptionRenewed(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionExpired is called when a subscription expires.
type OnSubscriptionExpired interface {
	Plugin
	OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error
}

// OnTrialEnding is called by renewal checks when a trial ends within the
// configured notice window.
type OnTrialEnding interface {
	Plugin
	OnTrialEnding(ctx context.Context, sub *subscription.Subscription, daysLeft int) error
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentSucceeded is called when a successful payment outcome is recorded.
type OnPaymentSucceeded interface {
	Plugin
	OnPaymentSucceeded(ctx context.Context, sub *subscription.Subscription) error
}

// OnPaymentFailed is called when a failed payment outcome is recorded.
type OnPaymentFailed interface {
	Plugin
	OnPaymentFailed(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Usage hooks
// ──────────────────────────────────────────────────

// OnUsageChanged is called after a counter is incremented, decremented,
// set or reset. delta is the signed change actually applied.
type OnUsageChanged interface {
	Plugin
	OnUsageChanged(ctx context.Context, subID id.SubscriptionID, featureKey string, delta, used int64) error
}

// OnQuotaExceeded is called when an increment is refused.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, subID id.SubscriptionID, featureKey string, used, requested, limit int64) error
}

// OnUsageLimitApproaching is called when an increment crosses the
// near-limit threshold.
type OnUsageLimitApproaching interface {
	Plugin
	OnUsageLimitApproaching(ctx context.Context, subID id.SubscriptionID, featureKey string, used, limit int64) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked is called after every facade check.
type OnEntitlementChecked interface {
	Plugin
	OnEntitlementChecked(ctx context.Context, subID id.SubscriptionID, result *entitlement.Result) error
}
