package entitle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

// sweepPageSize bounds each ListSubscriptions call of a sweep.
const sweepPageSize = 200

// SweepReport summarizes one SweepSubscriptions run.
type SweepReport struct {
	Checked  int                         `json:"checked"`
	Changed  map[subscription.Status]int `json:"changed"`
	Failed   int                         `json:"failed"`
	Errors   []error                     `json:"-"`
	Duration time.Duration               `json:"duration"`
}

// SweepOpts tunes SweepSubscriptions.
type SweepOpts struct {
	// Concurrency bounds parallel checks (default: 4).
	Concurrency int
	// DryRun lists the due subscriptions without checking them.
	DryRun bool
}

// SweepSubscriptions runs CheckRenewal on every non-expired subscription
// whose period end, trial end or effective end is due, including trials
// that end within the notice window. It is meant to be called from a
// scheduled job; a failure on one subscription does not stop the sweep.
func (e *Engine) SweepSubscriptions(ctx context.Context, opts SweepOpts) (*SweepReport, error) {
	start := e.now()
	due := start.Add(e.config.TrialEndingNotice())

	ids, err := e.dueSubscriptions(ctx, due)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Changed: make(map[subscription.Status]int)}
	if opts.DryRun {
		report.Checked = len(ids)
		return report, nil
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, subID := range ids {
		g.Go(func() error {
			before, err := e.store.GetSubscription(gctx, subID)
			var after *subscription.Subscription
			if err == nil {
				after, err = e.CheckRenewal(gctx, subID)
			}

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, err)
				e.logger.Warn("renewal check failed", "subscription_id", subID.String(), "error", err)
				return nil
			}
			if after.Status != before.Status {
				report.Changed[after.Status]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Duration = e.now().Sub(start)
	e.logger.Info("subscription sweep finished",
		"checked", report.Checked,
		"failed", report.Failed,
		"changed", report.Changed,
	)
	return report, errors.Join(report.Errors...)
}

// dueSubscriptions collects the ids first so status changes made during
// the sweep cannot shift the pages.
func (e *Engine) dueSubscriptions(ctx context.Context, due time.Time) ([]id.SubscriptionID, error) {
	statuses := make([]subscription.Status, 0, len(subscription.AllStatuses))
	for _, s := range subscription.AllStatuses {
		if !s.IsTerminal() && s != subscription.StatusSuspended {
			statuses = append(statuses, s)
		}
	}

	var ids []id.SubscriptionID
	for offset := 0; ; offset += sweepPageSize {
		page, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{
			Statuses:  statuses,
			DueBefore: &due,
			Limit:     sweepPageSize,
			Offset:    offset,
		})
		if err != nil {
			return nil, err
		}
		for _, sub := range page {
			ids = append(ids, sub.ID)
		}
		if len(page) < sweepPageSize {
			return ids, nil
		}
	}
}

// CleanupReport summarizes one Cleanup run.
type CleanupReport struct {
	UsageRecords  int64 `json:"usage_records"`
	Subscriptions int64 `json:"subscriptions"`
	DryRun        bool  `json:"dry_run"`
}

// Cleanup deletes usage records of periods that ended before the retention
// window and expired subscriptions untouched for as long. With dryRun set
// it only counts them.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration, dryRun bool) (*CleanupReport, error) {
	if retention <= 0 {
		return nil, ValidationError{Field: "retention", Message: "must be positive"}
	}
	cutoff := e.now().Add(-retention)
	report := &CleanupReport{DryRun: dryRun}

	expired := subscription.ListOpts{
		Statuses:      []subscription.Status{subscription.StatusExpired},
		UpdatedBefore: &cutoff,
	}

	if dryRun {
		n, err := e.store.CountUsageBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		report.UsageRecords = n
		if report.Subscriptions, err = e.store.CountSubscriptions(ctx, expired); err != nil {
			return nil, err
		}
		return report, nil
	}

	n, err := e.store.PurgeUsage(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.UsageRecords = n

	subs, err := e.store.ListSubscriptions(ctx, expired)
	if err != nil {
		return report, err
	}
	for _, sub := range subs {
		if err := e.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return report, err
		}
		e.invalidateFeatures(ctx, sub.ID)
		report.Subscriptions++
	}

	e.logger.Info("cleanup finished",
		"usage_records", report.UsageRecords,
		"subscriptions", report.Subscriptions,
		"cutoff", cutoff,
	)
	return report, nil
}

// Stats is a point-in-time overview of the catalog and subscriptions.
type Stats struct {
	Plans         int                           `json:"plans"`
	ActivePlans   int                           `json:"active_plans"`
	Subscriptions map[subscription.Status]int64 `json:"subscriptions"`

	// MRR is the monthly-equivalent plan price of active subscriptions,
	// keyed by currency.
	MRR map[string]decimal.Decimal `json:"mrr"`
}

// Stats counts plans and subscriptions per status and sums the monthly
// recurring revenue of active subscriptions.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	plans, err := e.store.ListPlans(ctx, plan.ListOpts{})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Plans:         len(plans),
		Subscriptions: make(map[subscription.Status]int64, len(subscription.AllStatuses)),
	}
	for _, p := range plans {
		if p.Active {
			st.ActivePlans++
		}
	}
	for _, status := range subscription.AllStatuses {
		n, err := e.store.CountSubscriptions(ctx, subscription.ListOpts{Statuses: []subscription.Status{status}})
		if err != nil {
			return nil, err
		}
		st.Subscriptions[status] = n
	}

	st.MRR, err = e.monthlyRecurringRevenue(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (e *Engine) monthlyRecurringRevenue(ctx context.Context) (map[string]decimal.Decimal, error) {
	mrr := make(map[string]decimal.Decimal)
	opts := subscription.ListOpts{
		Statuses: []subscription.Status{subscription.StatusActive},
		Limit:    sweepPageSize,
	}
	for {
		page, err := e.store.ListSubscriptions(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, sub := range page {
			p, err := e.loadPlan(ctx, sub.PlanID)
			if err != nil {
				return nil, err
			}
			mrr[p.Currency] = mrr[p.Currency].Add(p.MonthlyPrice())
		}
		if len(page) < sweepPageSize {
			return mrr, nil
		}
		opts.Offset += len(page)
	}
}
