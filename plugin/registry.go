package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

// DefaultTimeout bounds every hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration and cached per
// interface, so dispatch never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                  []OnInit
	onShutdown              []OnShutdown
	onPlanCreated           []OnPlanCreated
	onPlanUpdated           []OnPlanUpdated
	onPlanDeleted           []OnPlanDeleted
	onSubscriptionCreated   []OnSubscriptionCreated
	onStatusChanged         []OnStatusChanged
	onSubscriptionChanged   []OnSubscriptionChanged
	onSubscriptionCancelled []OnSubscriptionCancelled
	onSubscriptionResumed   []OnSubscriptionResumed
	onSubscriptionRenewed   []OnSubscriptionRenewed
	onSubscriptionExpired   []OnSubscriptionExpired
	onTrialEnding           []OnTrialEnding
	onPaymentSucceeded      []OnPaymentSucceeded
	onPaymentFailed         []OnPaymentFailed
	onUsageChanged          []OnUsageChanged
	onQuotaExceeded         []OnQuotaExceeded
	onUsageLimitApproaching []OnUsageLimitApproaching
	onEntitlementChecked    []OnEntitlementChecked
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
	}
	if v, ok := p.(OnPlanUpdated); ok {
		r.onPlanUpdated = append(r.onPlanUpdated, v)
	}
	if v, ok := p.(OnPlanDeleted); ok {
		r.onPlanDeleted = append(r.onPlanDeleted, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnStatusChanged); ok {
		r.onStatusChanged = append(r.onStatusChanged, v)
	}
	if v, ok := p.(OnSubscriptionChanged); ok {
		r.onSubscriptionChanged = append(r.onSubscriptionChanged, v)
	}
	if v, ok := p.(OnSubscriptionCancelled); ok {
		r.onSubscriptionCancelled = append(r.onSubscriptionCancelled, v)
	}
	if v, ok := p.(OnSubscriptionResumed); ok {
		r.onSubscriptionResumed = append(r.onSubscriptionResumed, v)
	}
	if v, ok := p.(OnSubscriptionRenewed); ok {
		r.onSubscriptionRenewed = append(r.onSubscriptionRenewed, v)
	}
	if v, ok := p.(OnSubscriptionExpired); ok {
		r.onSubscriptionExpired = append(r.onSubscriptionExpired, v)
	}
	if v, ok := p.(OnTrialEnding); ok {
		r.onTrialEnding = append(r.onTrialEnding, v)
	}
	if v, ok := p.(OnPaymentSucceeded); ok {
		r.onPaymentSucceeded = append(r.onPaymentSucceeded, v)
	}
	if v, ok := p.(OnPaymentFailed); ok {
		r.onPaymentFailed = append(r.onPaymentFailed, v)
	}
	if v, ok := p.(OnUsageChanged); ok {
		r.onUsageChanged = append(r.onUsageChanged, v)
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
	}
	if v, ok := p.(OnUsageLimitApproaching); ok {
		r.onUsageLimitApproaching = append(r.onUsageLimitApproaching, v)
	}
	if v, ok := p.(OnEntitlementChecked); ok {
		r.onEntitlementChecked = append(r.onEntitlementChecked, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookInterfaces = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnPlanCreated", reflect.TypeOf((*OnPlanCreated)(nil)).Elem()},
	{"OnPlanUpdated", reflect.TypeOf((*OnPlanUpdated)(nil)).Elem()},
	{"OnPlanDeleted", reflect.TypeOf((*OnPlanDeleted)(nil)).Elem()},
	{"OnSubscriptionCreated", reflect.TypeOf((*OnSubscriptionCreated)(nil)).Elem()},
	{"OnStatusChanged", reflect.TypeOf((*OnStatusChanged)(nil)).Elem()},
	{"OnSubscriptionChanged", reflect.TypeOf((*OnSubscriptionChanged)(nil)).Elem()},
	{"OnSubscriptionCancelled", reflect.TypeOf((*OnSubscriptionCancelled)(nil)).Elem()},
	{"OnSubscriptionResumed", reflect.TypeOf((*OnSubscriptionResumed)(nil)).Elem()},
	{"OnSubscriptionRenewed", reflect.TypeOf((*OnSubscriptionRenewed)(nil)).Elem()},
	{"OnSubscriptionExpired", reflect.TypeOf((*OnSubscriptionExpired)(nil)).Elem()},
	{"OnTrialEnding", reflect.TypeOf((*OnTrialEnding)(nil)).Elem()},
	{"OnPaymentSucceeded", reflect.TypeOf((*OnPaymentSucceeded)(nil)).Elem()},
	{"OnPaymentFailed", reflect.TypeOf((*OnPaymentFailed)(nil)).Elem()},
	{"OnUsageChanged", reflect.TypeOf((*OnUsageChanged)(nil)).Elem()},
	{"OnQuotaExceeded", reflect.TypeOf((*OnQuotaExceeded)(nil)).Elem()},
	{"OnUsageLimitApproaching", reflect.TypeOf((*OnUsageLimitApproaching)(nil)).Elem()},
	{"OnEntitlementChecked", reflect.TypeOf((*OnEntitlementChecked)(nil)).Elem()},
}

// implementedInterfaces returns the hook interfaces implemented by p.
func implementedInterfaces(p Plugin) []string {
	var names []string
	t := reflect.TypeOf(p)
	for _, h := range hookInterfaces {
		if t.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	dispatch(ctx, r, "OnInit", snapshot(r, func() []OnInit { return r.onInit }), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	dispatch(ctx, r, "OnShutdown", snapshot(r, func() []OnShutdown { return r.onShutdown }), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitPlanCreated emits a plan created event.
func (r *Registry) EmitPlanCreated(ctx context.Context, p *plan.Plan) {
	dispatch(ctx, r, "OnPlanCreated", snapshot(r, func() []OnPlanCreated { return r.onPlanCreated }), func(h OnPlanCreated) error {
		return h.OnPlanCreated(ctx, p)
	})
}

// EmitPlanUpdated emits a plan updated event.
func (r *Registry) EmitPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) {
	dispatch(ctx, r, "OnPlanUpdated", snapshot(r, func() []OnPlanUpdated { return r.onPlanUpdated }), func(h OnPlanUpdated) error {
		return h.OnPlanUpdated(ctx, oldPlan, newPlan)
	})
}

// EmitPlanDeleted emits a plan deleted event.
func (r *Registry) EmitPlanDeleted(ctx context.Context, planID id.PlanID) {
	dispatch(ctx, r, "OnPlanDeleted", snapshot(r, func() []OnPlanDeleted { return r.onPlanDeleted }), func(h OnPlanDeleted) error {
		return h.OnPlanDeleted(ctx, planID)
	})
}

// EmitSubscriptionCreated emits a subscription created event.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	dispatch(ctx, r, "OnSubscriptionCreated", snapshot(r, func() []OnSubscriptionCreated { return r.onSubscriptionCreated }), func(h OnSubscriptionCreated) error {
		return h.OnSubscriptionCreated(ctx, sub)
	})
}

// EmitStatusChanged emits a status transition event.
func (r *Registry) EmitStatusChanged(ctx context.Context, sub *subscription.Subscription, from, to subscription.Status) {
	dispatch(ctx, r, "OnStatusChanged", snapshot(r, func() []OnStatusChanged { return r.onStatusChanged }), func(h OnStatusChanged) error {
		return h.OnStatusChanged(ctx, sub, from, to)
	})
}

// EmitSubscriptionChanged emits a plan change event.
func (r *Registry) EmitSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan, proration *subscription.Proration) {
	dispatch(ctx, r, "OnSubscriptionChanged", snapshot(r, func() []OnSubscriptionChanged { return r.onSubscriptionChanged }), func(h OnSubscriptionChanged) error {
		return h.OnSubscriptionChanged(ctx, sub, oldPlan, newPlan, proration)
	})
}

// EmitSubscriptionCancelled emits a subscription cancelled event.
func (r *Registry) EmitSubscriptionCancelled(ctx context.Context, sub *subscription.Subscription) {
	dispatch(ctx, r, "OnSubscriptionCancelled", snapshot(r, func() []OnSubscriptionCancelled { return r.onSubscriptionCancelled }), func(h OnSubscriptionCancelled) error {
		return h.OnSubscriptionCancelled(ctx, sub)
	})
}

// EmitSubscriptionResumed emits a subscription resumed event.
func (r *Registry) EmitSubscriptionResumed(ctx context.Context, sub *subscription.Subscription) {
	dispatch(ctx, r, "OnSubscriptionResumed", snapshot(r, func() []OnSubscriptionResumed { return r.onSubscriptionResumed }), func(h OnSubscriptionResumed) error {
		return h.OnSubscriptionResumed(ctx, sub)
	})
}

// EmitSubscriptionRenewed emits a renewal event.
func (r *Registry) EmitSubscriptionRenewed(ctx context.Context, sub *subscription.Subscription) {
	dispatch(ctx, r, "OnSubscriptionRenewed", snapshot(r, func() []OnSubscriptionRenewed { return r.onSubscriptionRenewed }), func(h OnSubscriptionRenewed) error {
		return h.OnSubscriptionRenewed(ctx, sub)
	})
}

// EmitSubscriptionExpired emits a subscription expired event.
func (r *Registry) EmitSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) {
	dispatch(ctx, r, "OnSubscriptionExpired", snapshot(r, func() []OnSubscriptionExpired { return r.onSubscriptionExpired }), func(h OnSubscriptionExpired) error {
		return h.OnSubscriptionExpired(ctx, sub)
	})
}

// EmitTrialEnding emits a trial ending notice.
func (r *Registry) EmitTrialEnding(ctx context.Context, sub *subscription.Subscription, daysLeft int) {
	dispatch(ctx, r, "OnTrialEnding", snapshot(r, func() []OnTrialEnding { return r.onTrialEnding }), func(h OnTrialEnding) error {
		return h.OnTrialEnding(ctx, sub, daysLeft)
	})
}

// EmitPaymentSucceeded emits a successful payment event.
func (r *Registry) EmitPaymentSucceeded(ctx context.Context, sub *subscription.Subscription) {
	dispatch(ctx, r, "OnPaymentSucceeded", snapshot(r, func() []OnPaymentSucceeded { return r.onPaymentSucceeded }), func(h OnPaymentSucceeded) error {
		return h.OnPaymentSucceeded(ctx, sub)
	})
}

// EmitPaymentFailed emits a failed payment event.
func (r *Registry) EmitPaymentFailed(ctx context.Context, sub *subscription.Subscription) {
	dispatch(ctx, r, "OnPaymentFailed", snapshot(r, func() []OnPaymentFailed { return r.onPaymentFailed }), func(h OnPaymentFailed) error {
		return h.OnPaymentFailed(ctx, sub)
	})
}

// EmitUsageChanged emits a counter change event.
func (r *Registry) EmitUsageChanged(ctx context.Context, subID id.SubscriptionID, featureKey string, delta, used int64) {
	dispatch(ctx, r, "OnUsageChanged", snapshot(r, func() []OnUsageChanged { return r.onUsageChanged }), func(h OnUsageChanged) error {
		return h.OnUsageChanged(ctx, subID, featureKey, delta, used)
	})
}

// EmitQuotaExceeded emits a quota exceeded event.
func (r *Registry) EmitQuotaExceeded(ctx context.Context, subID id.SubscriptionID, featureKey string, used, requested, limit int64) {
	dispatch(ctx, r, "OnQuotaExceeded", snapshot(r, func() []OnQuotaExceeded { return r.onQuotaExceeded }), func(h OnQuotaExceeded) error {
		return h.OnQuotaExceeded(ctx, subID, featureKey, used, requested, limit)
	})
}

// EmitUsageLimitApproaching emits a near-limit event.
func (r *Registry) EmitUsageLimitApproaching(ctx context.Context, subID id.SubscriptionID, featureKey string, used, limit int64) {
	dispatch(ctx, r, "OnUsageLimitApproaching", snapshot(r, func() []OnUsageLimitApproaching { return r.onUsageLimitApproaching }), func(h OnUsageLimitApproaching) error {
		return h.OnUsageLimitApproaching(ctx, subID, featureKey, used, limit)
	})
}

// EmitEntitlementChecked emits an entitlement checked event.
func (r *Registry) EmitEntitlementChecked(ctx context.Context, subID id.SubscriptionID, result *entitlement.Result) {
	dispatch(ctx, r, "OnEntitlementChecked", snapshot(r, func() []OnEntitlementChecked { return r.onEntitlementChecked }), func(h OnEntitlementChecked) error {
		return h.OnEntitlementChecked(ctx, subID, result)
	})
}

// snapshot reads a cached hook list under the read lock.
func snapshot[T any](r *Registry, read func() []T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return read()
}

// dispatch calls each hook in registration order. Failures are logged and
// never abort the caller.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, hooks []T, call func(T) error) {
	for _, h := range hooks {
		if err := r.callWithTimeout(ctx, func() error { return call(h) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", h.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout wraps a hook call with the registry timeout.
func (r *Registry) callWithTimeout(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
