package entitle_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
)

func TestSweepCleanupStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, "team", "20.00", 14, plan.NumericFeature("api_calls", "API Calls", 100))

	active := h.subscribe(t, "active", p, entitle.CreateOpts{})
	trial := h.subscribe(t, "trial", p, entitle.CreateOpts{StartTrial: true})
	cancelled := h.subscribe(t, "cancelled", p, entitle.CreateOpts{})
	_, err := h.eng.Cancel(ctx, cancelled.ID, true, "switching vendor")
	require.NoError(t, err)
	_, err = h.eng.IncrementUsage(ctx, active.ID, "api_calls", 10)
	require.NoError(t, err)

	report, err := h.eng.SweepSubscriptions(ctx, entitle.SweepOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked, "only the lapsed cancellation is due on day zero")
	assert.Equal(t, 1, report.Changed[subscription.StatusExpired])

	h.clock.Set(active.CurrentPeriodEnd.Add(day))

	dry, err := h.eng.SweepSubscriptions(ctx, entitle.SweepOpts{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, dry.Checked)
	assert.Empty(t, dry.Changed)

	report, err = h.eng.SweepSubscriptions(ctx, entitle.SweepOpts{Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Changed[subscription.StatusPastDue])
	assert.Equal(t, 1, report.Changed[subscription.StatusExpired])

	got, err := h.eng.GetSubscription(ctx, trial.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusExpired, got.Status)

	st, err := h.eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Plans)
	assert.Equal(t, 1, st.ActivePlans)
	assert.Equal(t, int64(1), st.Subscriptions[subscription.StatusPastDue])
	assert.Equal(t, int64(2), st.Subscriptions[subscription.StatusExpired])
	assert.Zero(t, st.Subscriptions[subscription.StatusActive])

	h.clock.Advance(40 * day)
	retention := 30 * day

	// Every subscription got its period records at creation.
	preview, err := h.eng.Cleanup(ctx, retention, true)
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, int64(3), preview.UsageRecords)
	assert.Equal(t, int64(2), preview.Subscriptions)

	done, err := h.eng.Cleanup(ctx, retention, false)
	require.NoError(t, err)
	assert.False(t, done.DryRun)
	assert.Equal(t, preview.UsageRecords, done.UsageRecords)
	assert.Equal(t, preview.Subscriptions, done.Subscriptions)

	left, err := h.eng.UsageHistory(ctx, active.ID, "api_calls", 12)
	require.NoError(t, err)
	assert.Empty(t, left)

	st, err = h.eng.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Subscriptions[subscription.StatusExpired])
	assert.Equal(t, int64(1), st.Subscriptions[subscription.StatusPastDue])

	_, err = h.eng.Cleanup(ctx, 0, false)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)
}

func TestSweepEmitsTrialEnding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, "team", "20.00", 14)
	sub := h.subscribe(t, "acct", p, entitle.CreateOpts{StartTrial: true})

	h.clock.Set(sub.TrialEndsAt.Add(-2 * day))
	report, err := h.eng.SweepSubscriptions(ctx, entitle.SweepOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Changed)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	assert.Equal(t, []int{2}, h.events.trial)
}

func TestStatsMonthlyRecurringRevenue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	monthly := h.plan(t, "team", "20.00", 0)

	yearly := &plan.Plan{
		Name:     "team-yearly",
		Slug:     "team-yearly",
		Price:    decimal.RequireFromString("120.00"),
		Currency: "usd",
		Cadence:  period.Yearly,
		Active:   true,
	}
	require.NoError(t, h.eng.CreatePlan(ctx, yearly))

	h.subscribe(t, "a", monthly, entitle.CreateOpts{})
	h.subscribe(t, "b", monthly, entitle.CreateOpts{})
	h.subscribe(t, "c", yearly, entitle.CreateOpts{})
	h.subscribe(t, "d", monthly, entitle.CreateOpts{Pending: true})

	st, err := h.eng.Stats(ctx)
	require.NoError(t, err)
	require.Contains(t, st.MRR, "usd")
	assert.True(t, decimal.NewFromInt(50).Equal(st.MRR["usd"]),
		"pending subscriptions do not count, got %s", st.MRR["usd"])
}
