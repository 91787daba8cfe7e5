package entitle

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/usage"
)

// ──────────────────────────────────────────────────
// Usage entitlement
//
// Every operation targets the record of the subscription's current period.
// ──────────────────────────────────────────────────

// CurrentUsage returns the feature's count for the current period, or 0
// when nothing was recorded yet. It never creates a record.
func (e *Engine) CurrentUsage(ctx context.Context, subID id.SubscriptionID, key string) (int64, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return 0, featureError("current_usage", subID, key, err)
	}
	return e.currentUsage(ctx, sub, key)
}

func (e *Engine) currentUsage(ctx context.Context, sub *subscription.Subscription, key string) (int64, error) {
	rec, err := e.store.GetUsageRecord(ctx, sub.ID, key, sub.CurrentPeriodStart)
	if errors.Is(err, ErrUsageRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, featureError("current_usage", sub.ID, key, err)
	}
	return rec.Used, nil
}

// CanConsume reports whether amount more units of the feature may be used
// now. Unknown, disabled and text features never can; neither can a
// subscription that is not usable.
func (e *Engine) CanConsume(ctx context.Context, subID id.SubscriptionID, key string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ValidationError{Field: "amount", Message: "must not be negative"}
	}

	sub, p, err := e.subscriptionPlan(ctx, "can_consume", subID)
	if err != nil {
		return false, err
	}
	if !sub.Usable(e.now(), e.config.GracePeriod()) {
		return false, nil
	}

	f := p.FindFeature(key)
	if f == nil || !f.IsEnabled() {
		return false, nil
	}

	limit := f.TypedLimit()
	switch limit.Kind {
	case plan.LimitUnlimited:
		return true, nil
	case plan.LimitBoolean:
		return limit.Bool, nil
	case plan.LimitNumeric:
		used, err := e.currentUsage(ctx, sub, key)
		if err != nil {
			return false, err
		}
		return amount <= limit.Number-used, nil
	case plan.LimitText:
		return false, nil
	}
	return false, nil
}

// IncrementUsage adds amount to a numeric feature's counter, creating the
// period record on first use. The add happens only if the result stays
// within the limit; otherwise nothing changes and ErrQuotaExceeded is
// returned.
func (e *Engine) IncrementUsage(ctx context.Context, subID id.SubscriptionID, key string, amount int64) (int64, error) {
	const op = "increment_usage"

	if amount <= 0 {
		return 0, ValidationError{Field: "amount", Message: "must be positive"}
	}

	sub, f, err := e.meteredFeature(ctx, op, subID, key)
	if err != nil {
		return 0, err
	}
	if !sub.Usable(e.now(), e.config.GracePeriod()) {
		return 0, featureError(op, subID, key, ErrSubscriptionNotUsable)
	}
	limit := f.NumericLimit()

	rec, unlock, err := e.lockRecord(ctx, sub, key)
	if err != nil {
		return 0, featureError(op, subID, key, err)
	}
	defer unlock()

	used, err := e.store.IncrementUsage(ctx, rec.ID, amount, limit)
	if errors.Is(err, ErrQuotaExceeded) {
		e.plugins.EmitQuotaExceeded(ctx, subID, key, used, amount, limit)
		e.logger.Debug("quota exceeded",
			"subscription_id", subID.String(),
			"feature", key,
			"used", used,
			"requested", amount,
			"limit", limit,
		)
		return used, featureError(op, subID, key, err)
	}
	if err != nil {
		return 0, featureError(op, subID, key, err)
	}

	e.plugins.EmitUsageChanged(ctx, subID, key, amount, used)
	if crossed(used-amount, used, limit, e.config.NearLimitThreshold) {
		e.plugins.EmitUsageLimitApproaching(ctx, subID, key, used, limit)
	}
	return used, nil
}

// DecrementUsage returns amount units, flooring the counter at zero.
func (e *Engine) DecrementUsage(ctx context.Context, subID id.SubscriptionID, key string, amount int64) (int64, error) {
	const op = "decrement_usage"

	if amount <= 0 {
		return 0, ValidationError{Field: "amount", Message: "must be positive"}
	}

	sub, _, err := e.meteredFeature(ctx, op, subID, key)
	if err != nil {
		return 0, err
	}

	unlock := e.usageLocks.Lock(usageKey(sub, key).String())
	defer unlock()

	rec, err := e.store.GetUsageRecord(ctx, sub.ID, key, sub.CurrentPeriodStart)
	if errors.Is(err, ErrUsageRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, featureError(op, subID, key, err)
	}

	used, err := e.store.DecrementUsage(ctx, rec.ID, amount)
	if err != nil {
		return 0, featureError(op, subID, key, err)
	}
	if delta := used - rec.Used; delta != 0 {
		e.plugins.EmitUsageChanged(ctx, subID, key, delta, used)
	}
	return used, nil
}

// SetUsage overwrites a counter. Values above a finite limit are refused
// unless AllowUsageOverrides is set. It is an administrative operation.
func (e *Engine) SetUsage(ctx context.Context, subID id.SubscriptionID, key string, value int64) error {
	const op = "set_usage"

	if err := e.requireAdmin(ctx, op); err != nil {
		return err
	}
	if value < 0 {
		return ValidationError{Field: "value", Message: "must not be negative"}
	}

	sub, f, err := e.meteredFeature(ctx, op, subID, key)
	if err != nil {
		return err
	}
	if limit := f.NumericLimit(); limit >= 0 && value > limit && !e.config.AllowUsageOverrides {
		return featureError(op, subID, key, ErrQuotaExceeded)
	}

	rec, unlock, err := e.lockRecord(ctx, sub, key)
	if err != nil {
		return featureError(op, subID, key, err)
	}
	defer unlock()

	if err := e.store.SetUsage(ctx, rec.ID, value); err != nil {
		return featureError(op, subID, key, err)
	}
	e.plugins.EmitUsageChanged(ctx, subID, key, value-rec.Used, value)
	e.logger.Info("usage set",
		"subscription_id", subID.String(),
		"feature", key,
		"value", value,
	)
	return nil
}

// ResetUsage zeroes a counter for the current period. It is an
// administrative operation.
func (e *Engine) ResetUsage(ctx context.Context, subID id.SubscriptionID, key string) error {
	const op = "reset_usage"

	if err := e.requireAdmin(ctx, op); err != nil {
		return err
	}

	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return featureError(op, subID, key, err)
	}

	unlock := e.usageLocks.Lock(usageKey(sub, key).String())
	defer unlock()

	rec, err := e.store.GetUsageRecord(ctx, sub.ID, key, sub.CurrentPeriodStart)
	if errors.Is(err, ErrUsageRecordNotFound) {
		return nil
	}
	if err != nil {
		return featureError(op, subID, key, err)
	}
	return e.zero(ctx, op, rec)
}

// ResetAllUsage zeroes every counter of the current period.
func (e *Engine) ResetAllUsage(ctx context.Context, subID id.SubscriptionID) error {
	const op = "reset_all_usage"

	if err := e.requireAdmin(ctx, op); err != nil {
		return err
	}

	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return opError(op, subID, err)
	}

	start := sub.CurrentPeriodStart
	recs, err := e.store.ListUsageRecords(ctx, sub.ID, usage.ListOpts{PeriodStart: &start})
	if err != nil {
		return opError(op, subID, err)
	}
	for _, rec := range recs {
		unlock := e.usageLocks.Lock(rec.Key().String())
		err := e.zero(ctx, op, rec)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) zero(ctx context.Context, op string, rec *usage.Record) error {
	if err := e.store.SetUsage(ctx, rec.ID, 0); err != nil {
		return featureError(op, rec.SubscriptionID, rec.FeatureKey, err)
	}
	if rec.Used != 0 {
		e.plugins.EmitUsageChanged(ctx, rec.SubscriptionID, rec.FeatureKey, -rec.Used, 0)
	}
	return nil
}

// InitializePeriod makes sure every numeric feature of the subscription's
// plan has a record for the current period. Existing records are kept.
func (e *Engine) InitializePeriod(ctx context.Context, subID id.SubscriptionID) error {
	sub, p, err := e.subscriptionPlan(ctx, "initialize_period", subID)
	if err != nil {
		return err
	}
	return e.initializePeriod(ctx, sub, p)
}

func (e *Engine) initializePeriod(ctx context.Context, sub *subscription.Subscription, p *plan.Plan) error {
	for _, f := range p.MeteredFeatures() {
		if _, err := e.ensureRecord(ctx, sub, f.Key); err != nil {
			return err
		}
	}
	return nil
}

// Classify buckets a feature's current usage as ok, near_limit or
// over_limit. Non-numeric and unlimited features are always ok.
func (e *Engine) Classify(ctx context.Context, subID id.SubscriptionID, key string) (entitlement.Classification, error) {
	sub, p, err := e.subscriptionPlan(ctx, "classify", subID)
	if err != nil {
		return "", err
	}
	f := p.FindFeature(key)
	if f == nil {
		return "", featureError("classify", subID, key, ErrFeatureNotFound)
	}
	if !f.IsMetered() {
		return entitlement.ClassOK, nil
	}

	used, err := e.currentUsage(ctx, sub, key)
	if err != nil {
		return "", err
	}
	return entitlement.Classify(used, f.NumericLimit(), e.config.NearLimitThreshold), nil
}

// Summary describes every feature of the subscription's plan together with
// its usage in the current period.
func (e *Engine) Summary(ctx context.Context, subID id.SubscriptionID) ([]entitlement.FeatureSummary, error) {
	sub, p, err := e.subscriptionPlan(ctx, "summary", subID)
	if err != nil {
		return nil, err
	}

	start := sub.CurrentPeriodStart
	recs, err := e.store.ListUsageRecords(ctx, sub.ID, usage.ListOpts{PeriodStart: &start})
	if err != nil {
		return nil, opError("summary", subID, err)
	}
	used := make(map[string]int64, len(recs))
	for _, rec := range recs {
		used[rec.FeatureKey] = rec.Used
	}

	features := p.SortedFeatures()
	out := make([]entitlement.FeatureSummary, 0, len(features))
	for i := range features {
		f := &features[i]
		s := entitlement.FeatureSummary{
			Key:        f.Key,
			Name:       f.Name,
			Type:       f.Type,
			HumanLimit: f.HumanLimit(),
			Unlimited:  f.Unlimited,
			Enabled:    f.IsEnabled(),
		}
		if f.IsMetered() {
			s.Limit = f.NumericLimit()
			s.CurrentUsage = used[f.Key]
			s.PercentageUsed = entitlement.Percentage(s.CurrentUsage, s.Limit)
			s.Remaining = remaining(s.CurrentUsage, s.Limit)
			switch entitlement.Classify(s.CurrentUsage, s.Limit, e.config.NearLimitThreshold) {
			case entitlement.ClassOverLimit:
				s.OverLimit = true
			case entitlement.ClassNearLimit:
				s.NearLimit = true
			case entitlement.ClassOK:
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// OverLimitFeatures returns the keys of features used beyond their limit.
func (e *Engine) OverLimitFeatures(ctx context.Context, subID id.SubscriptionID) ([]string, error) {
	return e.filterSummary(ctx, subID, func(s entitlement.FeatureSummary) bool { return s.OverLimit })
}

// NearLimitFeatures returns the keys of features at or past the near-limit
// threshold but within their limit.
func (e *Engine) NearLimitFeatures(ctx context.Context, subID id.SubscriptionID) ([]string, error) {
	return e.filterSummary(ctx, subID, func(s entitlement.FeatureSummary) bool { return s.NearLimit })
}

// HasOverLimitUsage reports whether any feature is used beyond its limit.
func (e *Engine) HasOverLimitUsage(ctx context.Context, subID id.SubscriptionID) (bool, error) {
	keys, err := e.OverLimitFeatures(ctx, subID)
	return len(keys) > 0, err
}

func (e *Engine) filterSummary(ctx context.Context, subID id.SubscriptionID, keep func(entitlement.FeatureSummary) bool) ([]string, error) {
	summary, err := e.Summary(ctx, subID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, s := range summary {
		if keep(s) {
			keys = append(keys, s.Key)
		}
	}
	return keys, nil
}

// UsageHistory returns the feature's records of the last periods periods,
// newest first.
func (e *Engine) UsageHistory(ctx context.Context, subID id.SubscriptionID, key string, periods int) ([]*usage.Record, error) {
	if periods <= 0 {
		return nil, ValidationError{Field: "periods", Message: "must be positive"}
	}
	recs, err := e.store.ListUsageRecords(ctx, subID, usage.ListOpts{FeatureKey: key, Limit: periods})
	if err != nil {
		return nil, featureError("usage_history", subID, key, err)
	}
	return recs, nil
}

// UsageForPeriod sums the feature's records overlapping [start, end).
func (e *Engine) UsageForPeriod(ctx context.Context, subID id.SubscriptionID, key string, start, end time.Time) (int64, error) {
	if !end.After(start) {
		return 0, ValidationError{Field: "end", Message: "must be after start"}
	}
	recs, err := e.store.ListUsageRecords(ctx, subID, usage.ListOpts{FeatureKey: key})
	if err != nil {
		return 0, featureError("usage_for_period", subID, key, err)
	}
	var total int64
	for _, rec := range recs {
		if rec.Overlaps(start, end) {
			total += rec.Used
		}
	}
	return total, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (e *Engine) subscriptionPlan(ctx context.Context, op string, subID id.SubscriptionID) (*subscription.Subscription, *plan.Plan, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, nil, opError(op, subID, err)
	}
	p, err := e.loadPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, nil, opError(op, subID, err)
	}
	return sub, p, nil
}

// meteredFeature loads the subscription and the numeric feature key of its
// plan.
func (e *Engine) meteredFeature(ctx context.Context, op string, subID id.SubscriptionID, key string) (*subscription.Subscription, *plan.Feature, error) {
	sub, p, err := e.subscriptionPlan(ctx, op, subID)
	if err != nil {
		return nil, nil, err
	}
	f := p.FindFeature(key)
	if f == nil {
		return nil, nil, featureError(op, subID, key, ErrFeatureNotFound)
	}
	if !f.IsMetered() {
		return nil, nil, featureError(op, subID, key, ErrFeatureTypeMismatch)
	}
	return sub, f, nil
}

func usageKey(sub *subscription.Subscription, key string) usage.Key {
	return usage.Key{SubscriptionID: sub.ID, FeatureKey: key, PeriodStart: sub.CurrentPeriodStart}
}

// ensureRecord returns the current-period record, inserting it if absent.
func (e *Engine) ensureRecord(ctx context.Context, sub *subscription.Subscription, key string) (*usage.Record, error) {
	rec := usage.NewRecord(sub.ID, key, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, e.now())
	return e.store.EnsureUsageRecord(ctx, rec)
}

// lockRecord takes the counter lock and returns the current-period record.
func (e *Engine) lockRecord(ctx context.Context, sub *subscription.Subscription, key string) (*usage.Record, func(), error) {
	unlock := e.usageLocks.Lock(usageKey(sub, key).String())
	rec, err := e.ensureRecord(ctx, sub, key)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return rec, unlock, nil
}

// crossed reports whether moving from before to after crosses the
// near-limit threshold of a finite, positive limit.
func crossed(before, after, limit int64, threshold float64) bool {
	if limit <= 0 {
		return false
	}
	at := func(v int64) bool { return float64(v)/float64(limit) >= threshold }
	return !at(before) && at(after)
}

func remaining(used, limit int64) int64 {
	if limit < 0 {
		return -1
	}
	return max(limit-used, 0)
}
