package entitle_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/usage"
)

func proPlan(t *testing.T, h *harness) *plan.Plan {
	t.Helper()
	return h.plan(t, "pro", "29.99", 0,
		plan.NumericFeature("api_calls", "API Calls", 100),
		plan.UnlimitedFeature("projects", "Projects"),
		plan.NumericFeature("seats", "Seats", 0),
		plan.BooleanFeature("sso", "Single Sign-On", true),
		plan.BooleanFeature("audit_log", "Audit Log", false),
		plan.TextFeature("support", "Support", "Email"),
	)
}

func TestIncrementDecrementScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	used, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 90)
	require.NoError(t, err)
	assert.Equal(t, int64(90), used)
	assert.Equal(t, []string{"api_calls"}, h.events.near)

	_, err = h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 20)
	require.ErrorIs(t, err, entitle.ErrQuotaExceeded)
	assert.True(t, entitle.IsQuotaError(err))
	assert.Equal(t, []string{"api_calls"}, h.events.quota)

	used, err = h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(90), used, "refused increment leaves the count untouched")

	used, err = h.eng.DecrementUsage(ctx, sub.ID, "api_calls", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(40), used)

	used, err = h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)
}

func TestIncrementConcurrentNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	var ok, refused atomic.Int64
	var g errgroup.Group
	for range 60 {
		g.Go(func() error {
			_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 3)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, entitle.ErrQuotaExceeded):
				refused.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	used, err := h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(99), used)
	assert.Equal(t, int64(33), ok.Load())
	assert.Equal(t, int64(27), refused.Load())
}

func TestInitializeRacingIncrementKeepsOneRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	// Drop the records created at subscribe time so both paths race to create.
	_, err := h.store.PurgeUsage(ctx, sub.CurrentPeriodEnd.Add(day))
	require.NoError(t, err)

	var g errgroup.Group
	for range 30 {
		g.Go(func() error { return h.eng.InitializePeriod(ctx, sub.ID) })
		g.Go(func() error {
			_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 1)
			return err
		})
	}
	require.NoError(t, g.Wait())

	start := sub.CurrentPeriodStart
	recs, err := h.store.ListUsageRecords(ctx, sub.ID, usage.ListOpts{FeatureKey: "api_calls", PeriodStart: &start})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(30), recs[0].Used, "no increment landed on a discarded record")

	all, err := h.store.ListUsageRecords(ctx, sub.ID, usageOpts())
	require.NoError(t, err)
	assert.Len(t, all, 3, "one record per numeric feature")
}

func TestIncrementErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 0)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	_, err = h.eng.IncrementUsage(ctx, sub.ID, "sso", 1)
	assert.ErrorIs(t, err, entitle.ErrFeatureTypeMismatch)

	_, err = h.eng.IncrementUsage(ctx, sub.ID, "missing", 1)
	assert.ErrorIs(t, err, entitle.ErrFeatureNotFound)
	assert.True(t, entitle.IsNotFound(err))

	_, err = h.eng.IncrementUsage(ctx, sub.ID, "seats", 1)
	assert.ErrorIs(t, err, entitle.ErrQuotaExceeded, "zero limit admits nothing")

	used, err := h.eng.IncrementUsage(ctx, sub.ID, "projects", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), used, "unlimited features still count")
}

func TestIncrementRefusedWhenNotUsable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{Pending: true})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 1)
	assert.ErrorIs(t, err, entitle.ErrSubscriptionNotUsable)

	ok, err := h.eng.CanConsume(ctx, sub.ID, "api_calls", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanConsume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 95)
	require.NoError(t, err)

	cases := []struct {
		key    string
		amount int64
		want   bool
	}{
		{"api_calls", 5, true},
		{"api_calls", 6, false},
		{"projects", 1 << 40, true},
		{"sso", 1, true},
		{"audit_log", 1, false},
		{"support", 1, false},
		{"missing", 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got, err := h.eng.CanConsume(ctx, sub.ID, tc.key, tc.amount)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCurrentUsageNeverCreates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, "text-only", "1.00", 0, plan.TextFeature("support", "Support", "Email"))
	sub := h.subscribe(t, "acct", p, entitle.CreateOpts{})

	used, err := h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Zero(t, used)

	recs, err := h.store.ListUsageRecords(ctx, sub.ID, usageOpts())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestInitializePeriodIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 7)
	require.NoError(t, err)

	require.NoError(t, h.eng.InitializePeriod(ctx, sub.ID))
	require.NoError(t, h.eng.InitializePeriod(ctx, sub.ID))

	recs, err := h.store.ListUsageRecords(ctx, sub.ID, usageOpts())
	require.NoError(t, err)
	assert.Len(t, recs, 3, "one record per numeric feature")

	used, err := h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(7), used, "existing records are not overwritten")
}

func TestDecrementFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 10)
	require.NoError(t, err)

	for _, amount := range []int64{4, 4, 4, 100} {
		used, err := h.eng.DecrementUsage(ctx, sub.ID, "api_calls", amount)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, used, int64(0))
	}
	used, err := h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestSetUsageRoundTripAndPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	for _, v := range []int64{0, 1, 42, 100} {
		require.NoError(t, h.eng.SetUsage(ctx, sub.ID, "api_calls", v))
		got, err := h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	err := h.eng.SetUsage(ctx, sub.ID, "api_calls", 101)
	assert.ErrorIs(t, err, entitle.ErrQuotaExceeded)
	err = h.eng.SetUsage(ctx, sub.ID, "api_calls", -1)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	require.NoError(t, h.eng.ResetUsage(ctx, sub.ID, "api_calls"))
	got, err := h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestOverridesAndClassification(t *testing.T) {
	ctx := context.Background()
	cfg := entitle.DefaultConfig()
	cfg.AllowUsageOverrides = true
	h := newHarness(t, entitle.WithConfig(cfg))
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	class, err := h.eng.Classify(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ClassOK, class)

	require.NoError(t, h.eng.SetUsage(ctx, sub.ID, "api_calls", 80))
	class, err = h.eng.Classify(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ClassNearLimit, class)

	require.NoError(t, h.eng.SetUsage(ctx, sub.ID, "api_calls", 150))
	class, err = h.eng.Classify(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ClassOverLimit, class)

	class, err = h.eng.Classify(ctx, sub.ID, "seats")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ClassOK, class, "zero limit counts as 0%")

	class, err = h.eng.Classify(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.Equal(t, entitlement.ClassOK, class)

	over, err := h.eng.OverLimitFeatures(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_calls"}, over)

	has, err := h.eng.HasOverLimitUsage(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, h.eng.ResetAllUsage(ctx, sub.ID))
	has, err = h.eng.HasOverLimitUsage(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAdminOperationsNeedAuthorizedActor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, entitle.WithAuthorizer(entitle.AuthorizerFunc(func(_ context.Context, account string) bool {
		return account == "ops"
	})))
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	assert.ErrorIs(t, h.eng.SetUsage(ctx, sub.ID, "api_calls", 5), entitle.ErrForbidden)
	assert.ErrorIs(t, h.eng.ResetUsage(ctx, sub.ID, "api_calls"), entitle.ErrForbidden)
	assert.ErrorIs(t, h.eng.ResetAllUsage(ctx, sub.ID), entitle.ErrForbidden)

	ops := entitle.WithActor(ctx, "ops")
	require.NoError(t, h.eng.SetUsage(ops, sub.ID, "api_calls", 5))
	require.NoError(t, h.eng.ResetUsage(ops, sub.ID, "api_calls"))
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 85)
	require.NoError(t, err)
	_, err = h.eng.IncrementUsage(ctx, sub.ID, "projects", 12)
	require.NoError(t, err)

	summary, err := h.eng.Summary(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, summary, 6)

	byKey := make(map[string]entitlement.FeatureSummary, len(summary))
	for _, s := range summary {
		byKey[s.Key] = s
	}

	calls := byKey["api_calls"]
	assert.Equal(t, int64(100), calls.Limit)
	assert.Equal(t, int64(85), calls.CurrentUsage)
	assert.Equal(t, int64(15), calls.Remaining)
	assert.InDelta(t, 85.0, calls.PercentageUsed, 0.001)
	assert.True(t, calls.NearLimit)
	assert.False(t, calls.OverLimit)

	projects := byKey["projects"]
	assert.True(t, projects.Unlimited)
	assert.Equal(t, int64(-1), projects.Remaining)
	assert.Equal(t, "Unlimited", projects.HumanLimit)
	assert.Equal(t, int64(12), projects.CurrentUsage)
	assert.Zero(t, projects.PercentageUsed)

	assert.True(t, byKey["sso"].Enabled)
	assert.False(t, byKey["audit_log"].Enabled)
	assert.Equal(t, "Email", byKey["support"].HumanLimit)

	near, err := h.eng.NearLimitFeatures(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"api_calls"}, near)
}

func TestUsageForPeriod(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 30)
	require.NoError(t, err)

	h.clock.Set(sub.CurrentPeriodEnd)
	renewed, err := h.eng.RecordPaymentOutcome(ctx, sub.ID, true)
	require.NoError(t, err)
	_, err = h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 12)
	require.NoError(t, err)

	total, err := h.eng.UsageForPeriod(ctx, sub.ID, "api_calls", t0, renewed.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(42), total)

	total, err = h.eng.UsageForPeriod(ctx, sub.ID, "api_calls", renewed.CurrentPeriodStart, renewed.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)

	_, err = h.eng.UsageForPeriod(ctx, sub.ID, "api_calls", t0, t0)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	assert.Equal(t, subscription.StatusActive, renewed.Status)
}

func TestHugeAmountsCannotWrapTheCounter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 1)
	require.NoError(t, err)

	ok, err := h.eng.CanConsume(ctx, sub.ID, "api_calls", math.MaxInt64)
	require.NoError(t, err)
	assert.False(t, ok)

	used, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", math.MaxInt64)
	require.ErrorIs(t, err, entitle.ErrQuotaExceeded)
	assert.Equal(t, int64(1), used)

	_, err = h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 1000)
	require.ErrorIs(t, err, entitle.ErrQuotaExceeded)

	current, err := h.eng.CurrentUsage(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)

	// Unlimited counters refuse an add that would leave int64 range.
	_, err = h.eng.IncrementUsage(ctx, sub.ID, "projects", 10)
	require.NoError(t, err)
	_, err = h.eng.IncrementUsage(ctx, sub.ID, "projects", math.MaxInt64)
	require.ErrorIs(t, err, entitle.ErrQuotaExceeded)
	current, err = h.eng.CurrentUsage(ctx, sub.ID, "projects")
	require.NoError(t, err)
	assert.Equal(t, int64(10), current)
}
