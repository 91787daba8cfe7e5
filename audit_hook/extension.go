// Package audithook bridges Entitle lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                  = (*Extension)(nil)
	_ plugin.OnPlanCreated           = (*Extension)(nil)
	_ plugin.OnPlanUpdated           = (*Extension)(nil)
	_ plugin.OnPlanDeleted           = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated   = (*Extension)(nil)
	_ plugin.OnStatusChanged         = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged   = (*Extension)(nil)
	_ plugin.OnSubscriptionCancelled = (*Extension)(nil)
	_ plugin.OnSubscriptionResumed   = (*Extension)(nil)
	_ plugin.OnSubscriptionRenewed   = (*Extension)(nil)
	_ plugin.OnSubscriptionExpired   = (*Extension)(nil)
	_ plugin.OnTrialEnding           = (*Extension)(nil)
	_ plugin.OnPaymentSucceeded      = (*Extension)(nil)
	_ plugin.OnPaymentFailed         = (*Extension)(nil)
	_ plugin.OnQuotaExceeded         = (*Extension)(nil)
	_ plugin.OnUsageLimitApproaching = (*Extension)(nil)
	_ plugin.OnEntitlementChecked    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Entitle lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan catalog hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (e *Extension) OnPlanCreated(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryCatalog, nil,
		"slug", p.Slug,
		"price", p.Price.String(),
		"cadence", string(p.Cadence),
	)
}

// OnPlanUpdated implements plugin.OnPlanUpdated.
func (e *Extension) OnPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) error {
	return e.record(ctx, ActionPlanUpdated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, newPlan.ID.String(), CategoryCatalog, nil,
		"slug", newPlan.Slug,
		"old_price", oldPlan.Price.String(),
		"new_price", newPlan.Price.String(),
		"active", newPlan.Active,
	)
}

// OnPlanDeleted implements plugin.OnPlanDeleted.
func (e *Extension) OnPlanDeleted(ctx context.Context, planID id.PlanID) error {
	return e.record(ctx, ActionPlanDeleted, SeverityWarning, OutcomeSuccess,
		ResourcePlan, planID.String(), CategoryCatalog, nil,
	)
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"account_id", sub.AccountID,
		"plan_id", sub.PlanID.String(),
		"status", string(sub.Status),
	)
}

// OnStatusChanged implements plugin.OnStatusChanged.
func (e *Extension) OnStatusChanged(ctx context.Context, sub *subscription.Subscription, from, to subscription.Status) error {
	severity := SeverityInfo
	if to == subscription.StatusSuspended || to == subscription.StatusPastDue {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionStatusChanged, severity, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"account_id", sub.AccountID,
		"from", string(from),
		"to", string(to),
	)
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged. A move to
// a plan with a higher monthly-equivalent price is an upgrade.
func (e *Extension) OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan, proration *subscription.Proration) error {
	action := ActionSubscriptionUpgraded
	if newPlan.MonthlyPrice().LessThan(oldPlan.MonthlyPrice()) {
		action = ActionSubscriptionDowngraded
	}

	kv := []any{
		"account_id", sub.AccountID,
		"old_plan", oldPlan.Slug,
		"new_plan", newPlan.Slug,
	}
	if proration != nil {
		kv = append(kv,
			"proration_type", string(proration.Type),
			"proration_amount", proration.Amount.String(),
		)
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		kv...,
	)
}

// OnSubscriptionCancelled implements plugin.OnSubscriptionCancelled.
func (e *Extension) OnSubscriptionCancelled(ctx context.Context, sub *subscription.Subscription) error {
	kv := []any{"account_id", sub.AccountID}
	if sub.EndsAt != nil {
		kv = append(kv, "ends_at", sub.EndsAt.UTC())
	}
	return e.record(ctx, ActionSubscriptionCancelled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		append(kv, "reason", sub.CancellationReason)...,
	)
}

// OnSubscriptionResumed implements plugin.OnSubscriptionResumed.
func (e *Extension) OnSubscriptionResumed(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionResumed, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"account_id", sub.AccountID,
	)
}

// OnSubscriptionRenewed implements plugin.OnSubscriptionRenewed.
func (e *Extension) OnSubscriptionRenewed(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionRenewed, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"account_id", sub.AccountID,
		"period_end", sub.CurrentPeriodEnd.UTC(),
	)
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (e *Extension) OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionExpired, SeverityWarning, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"account_id", sub.AccountID,
	)
}

// OnTrialEnding implements plugin.OnTrialEnding.
func (e *Extension) OnTrialEnding(ctx context.Context, sub *subscription.Subscription, daysLeft int) error {
	return e.record(ctx, ActionTrialEnding, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"account_id", sub.AccountID,
		"days_left", daysLeft,
	)
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentSucceeded implements plugin.OnPaymentSucceeded.
func (e *Extension) OnPaymentSucceeded(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionPaymentSucceeded, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategoryPayment, nil,
		"account_id", sub.AccountID,
		"amount", sub.Amount.String(),
	)
}

// OnPaymentFailed implements plugin.OnPaymentFailed.
func (e *Extension) OnPaymentFailed(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionPaymentFailed, SeverityCritical, OutcomeFailure,
		ResourceSubscription, sub.ID.String(), CategoryPayment, nil,
		"account_id", sub.AccountID,
		"amount", sub.Amount.String(),
	)
}

// ──────────────────────────────────────────────────
// Usage and entitlement hooks
// ──────────────────────────────────────────────────

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, subID id.SubscriptionID, featureKey string, used, requested, limit int64) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceUsage, subID.String(), CategoryUsage, nil,
		"feature", featureKey,
		"used", used,
		"requested", requested,
		"limit", limit,
	)
}

// OnUsageLimitApproaching implements plugin.OnUsageLimitApproaching.
func (e *Extension) OnUsageLimitApproaching(ctx context.Context, subID id.SubscriptionID, featureKey string, used, limit int64) error {
	return e.record(ctx, ActionNearLimit, SeverityInfo, OutcomeSuccess,
		ResourceUsage, subID.String(), CategoryUsage, nil,
		"feature", featureKey,
		"used", used,
		"limit", limit,
	)
}

// OnEntitlementChecked implements plugin.OnEntitlementChecked.
// Only denials are recorded.
func (e *Extension) OnEntitlementChecked(ctx context.Context, subID id.SubscriptionID, result *entitlement.Result) error {
	if result.Allowed {
		return nil
	}
	return e.record(ctx, ActionEntitlementDenied, SeverityInfo, OutcomeFailure,
		ResourceEntitlement, subID.String(), CategoryAccess, nil,
		"feature", result.Feature,
		"reason", result.Reason,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
