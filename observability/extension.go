// Package observability provides a metrics extension for Entitle that
// records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                  = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated           = (*MetricsExtension)(nil)
	_ plugin.OnPlanUpdated           = (*MetricsExtension)(nil)
	_ plugin.OnPlanDeleted           = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCancelled = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionResumed   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionRenewed   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired   = (*MetricsExtension)(nil)
	_ plugin.OnPaymentSucceeded      = (*MetricsExtension)(nil)
	_ plugin.OnPaymentFailed         = (*MetricsExtension)(nil)
	_ plugin.OnUsageChanged          = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded         = (*MetricsExtension)(nil)
	_ plugin.OnUsageLimitApproaching = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementChecked    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an Entitle plugin to track subscription and usage metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Plan metrics
	PlanCreated Counter
	PlanUpdated Counter
	PlanDeleted Counter

	// Subscription metrics
	SubscriptionCreated    Counter
	SubscriptionUpgraded   Counter
	SubscriptionDowngraded Counter
	SubscriptionCancelled  Counter
	SubscriptionResumed    Counter
	SubscriptionRenewed    Counter
	SubscriptionExpired    Counter
	ProrationAmount        Histogram

	// Payment metrics
	PaymentSucceeded Counter
	PaymentFailed    Counter

	// Usage metrics
	UsageIncrements Counter
	UsageDecrements Counter
	UsageDelta      Histogram
	QuotaExceeded   Counter
	NearLimit       Counter

	// Entitlement metrics
	EntitlementChecks Counter
	EntitlementDenied Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		PlanCreated: factory.Counter("entitle.plan.created"),
		PlanUpdated: factory.Counter("entitle.plan.updated"),
		PlanDeleted: factory.Counter("entitle.plan.deleted"),

		SubscriptionCreated:    factory.Counter("entitle.subscription.created"),
		SubscriptionUpgraded:   factory.Counter("entitle.subscription.upgraded"),
		SubscriptionDowngraded: factory.Counter("entitle.subscription.downgraded"),
		SubscriptionCancelled:  factory.Counter("entitle.subscription.cancelled"),
		SubscriptionResumed:    factory.Counter("entitle.subscription.resumed"),
		SubscriptionRenewed:    factory.Counter("entitle.subscription.renewed"),
		SubscriptionExpired:    factory.Counter("entitle.subscription.expired"),
		ProrationAmount:        factory.Histogram("entitle.subscription.proration_amount"),

		PaymentSucceeded: factory.Counter("entitle.payment.succeeded"),
		PaymentFailed:    factory.Counter("entitle.payment.failed"),

		UsageIncrements: factory.Counter("entitle.usage.increments"),
		UsageDecrements: factory.Counter("entitle.usage.decrements"),
		UsageDelta:      factory.Histogram("entitle.usage.delta"),
		QuotaExceeded:   factory.Counter("entitle.usage.quota_exceeded"),
		NearLimit:       factory.Counter("entitle.usage.near_limit"),

		EntitlementChecks: factory.Counter("entitle.entitlement.checks"),
		EntitlementDenied: factory.Counter("entitle.entitlement.denied"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Plan catalog hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (m *MetricsExtension) OnPlanCreated(context.Context, *plan.Plan) error {
	m.PlanCreated.Inc()
	return nil
}

// OnPlanUpdated implements plugin.OnPlanUpdated.
func (m *MetricsExtension) OnPlanUpdated(context.Context, *plan.Plan, *plan.Plan) error {
	m.PlanUpdated.Inc()
	return nil
}

// OnPlanDeleted implements plugin.OnPlanDeleted.
func (m *MetricsExtension) OnPlanDeleted(context.Context, id.PlanID) error {
	m.PlanDeleted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(context.Context, *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, _ *subscription.Subscription, oldPlan, newPlan *plan.Plan, proration *subscription.Proration) error {
	if newPlan.MonthlyPrice().LessThan(oldPlan.MonthlyPrice()) {
		m.SubscriptionDowngraded.Inc()
	} else {
		m.SubscriptionUpgraded.Inc()
	}
	if proration != nil {
		m.ProrationAmount.Observe(proration.Amount.Amount.Abs().InexactFloat64())
	}
	return nil
}

// OnSubscriptionCancelled implements plugin.OnSubscriptionCancelled.
func (m *MetricsExtension) OnSubscriptionCancelled(context.Context, *subscription.Subscription) error {
	m.SubscriptionCancelled.Inc()
	return nil
}

// OnSubscriptionResumed implements plugin.OnSubscriptionResumed.
func (m *MetricsExtension) OnSubscriptionResumed(context.Context, *subscription.Subscription) error {
	m.SubscriptionResumed.Inc()
	return nil
}

// OnSubscriptionRenewed implements plugin.OnSubscriptionRenewed.
func (m *MetricsExtension) OnSubscriptionRenewed(context.Context, *subscription.Subscription) error {
	m.SubscriptionRenewed.Inc()
	return nil
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (m *MetricsExtension) OnSubscriptionExpired(context.Context, *subscription.Subscription) error {
	m.SubscriptionExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentSucceeded implements plugin.OnPaymentSucceeded.
func (m *MetricsExtension) OnPaymentSucceeded(context.Context, *subscription.Subscription) error {
	m.PaymentSucceeded.Inc()
	return nil
}

// OnPaymentFailed implements plugin.OnPaymentFailed.
func (m *MetricsExtension) OnPaymentFailed(context.Context, *subscription.Subscription) error {
	m.PaymentFailed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage and entitlement hooks
// ──────────────────────────────────────────────────

// OnUsageChanged implements plugin.OnUsageChanged.
func (m *MetricsExtension) OnUsageChanged(_ context.Context, _ id.SubscriptionID, _ string, delta, _ int64) error {
	switch {
	case delta > 0:
		m.UsageIncrements.Inc()
		m.UsageDelta.Observe(float64(delta))
	case delta < 0:
		m.UsageDecrements.Inc()
		m.UsageDelta.Observe(float64(-delta))
	}
	return nil
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(context.Context, id.SubscriptionID, string, int64, int64, int64) error {
	m.QuotaExceeded.Inc()
	return nil
}

// OnUsageLimitApproaching implements plugin.OnUsageLimitApproaching.
func (m *MetricsExtension) OnUsageLimitApproaching(context.Context, id.SubscriptionID, string, int64, int64) error {
	m.NearLimit.Inc()
	return nil
}

// OnEntitlementChecked implements plugin.OnEntitlementChecked.
func (m *MetricsExtension) OnEntitlementChecked(_ context.Context, _ id.SubscriptionID, result *entitlement.Result) error {
	m.EntitlementChecks.Inc()
	if !result.Allowed {
		m.EntitlementDenied.Inc()
	}
	return nil
}
