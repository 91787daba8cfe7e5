package entitle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 40)
	require.NoError(t, err)

	t.Run("numeric within limit", func(t *testing.T) {
		r, err := h.eng.Check(ctx, sub.ID, "api_calls")
		require.NoError(t, err)
		assert.True(t, r.Allowed)
		assert.Equal(t, plan.FeatureNumeric, r.Type)
		assert.Equal(t, int64(40), r.Used)
		assert.Equal(t, int64(100), r.Limit)
		assert.Equal(t, int64(60), r.Remaining)
		assert.Empty(t, r.Reason)
	})

	t.Run("unlimited", func(t *testing.T) {
		r, err := h.eng.Check(ctx, sub.ID, "projects")
		require.NoError(t, err)
		assert.True(t, r.Allowed)
		assert.True(t, r.Unlimited)
		assert.Equal(t, int64(-1), r.Remaining)
	})

	t.Run("zero limit", func(t *testing.T) {
		r, err := h.eng.Check(ctx, sub.ID, "seats")
		require.NoError(t, err)
		assert.False(t, r.Allowed)
		assert.Equal(t, entitlement.ReasonQuotaExhausted, r.Reason)
	})

	t.Run("boolean", func(t *testing.T) {
		r, err := h.eng.Check(ctx, sub.ID, "sso")
		require.NoError(t, err)
		assert.True(t, r.Allowed)

		r, err = h.eng.Check(ctx, sub.ID, "audit_log")
		require.NoError(t, err)
		assert.False(t, r.Allowed)
		assert.Equal(t, entitlement.ReasonFeatureDisabled, r.Reason)
	})

	t.Run("text", func(t *testing.T) {
		r, err := h.eng.Check(ctx, sub.ID, "support")
		require.NoError(t, err)
		assert.True(t, r.Allowed)
	})

	t.Run("missing", func(t *testing.T) {
		r, err := h.eng.Check(ctx, sub.ID, "white_label")
		require.NoError(t, err)
		assert.False(t, r.Allowed)
		assert.Equal(t, entitlement.ReasonFeatureMissing, r.Reason)
	})

	t.Run("exhausted", func(t *testing.T) {
		_, err := h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 60)
		require.NoError(t, err)

		r, err := h.eng.Check(ctx, sub.ID, "api_calls")
		require.NoError(t, err)
		assert.False(t, r.Allowed)
		assert.Zero(t, r.Remaining)
		assert.Equal(t, entitlement.ReasonQuotaExhausted, r.Reason)
	})

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	assert.Len(t, h.events.checked, 8)
}

func TestCheckDeniesEverythingWhenNotUsable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	_, err := h.eng.Cancel(ctx, sub.ID, true, "")
	require.NoError(t, err)

	for _, key := range []string{"api_calls", "projects", "sso", "support"} {
		r, err := h.eng.Check(ctx, sub.ID, key)
		require.NoError(t, err)
		assert.False(t, r.Allowed, key)
		assert.Equal(t, entitlement.ReasonNotUsable, r.Reason, key)
	}
}

func TestActiveSubscriptionLapsesWithoutSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	// Within the grace period after an unpaid period end access continues.
	h.clock.Set(sub.CurrentPeriodEnd.Add(day))
	r, err := h.eng.Check(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	h.clock.Set(t0.Add(120 * day))
	r, err = h.eng.Check(ctx, sub.ID, "api_calls")
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, entitlement.ReasonNotUsable, r.Reason)

	ok, err := h.eng.CanConsume(ctx, sub.ID, "api_calls", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.eng.IncrementUsage(ctx, sub.ID, "api_calls", 5)
	require.ErrorIs(t, err, entitle.ErrSubscriptionNotUsable)

	ok, err = h.eng.HasFeature(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasFeatureAgreesWithCheckAfterTimedLapse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	cancelled, err := h.eng.Cancel(ctx, sub.ID, false, "")
	require.NoError(t, err)
	require.NotNil(t, cancelled.EndsAt)

	// Warm the cache while the subscription is still usable.
	ok, err := h.eng.HasFeature(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.True(t, ok)

	h.clock.Set(cancelled.EndsAt.Add(day))

	r, err := h.eng.Check(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	ok, err = h.eng.HasFeature(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.False(t, ok)

	features, err := h.eng.Features(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, features)
}

func TestHasFeatureFollowsTrialEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.plan(t, "team", "20.00", 14, plan.BooleanFeature("sso", "Single Sign-On", true))
	sub := h.subscribe(t, "acct", p, entitle.CreateOpts{StartTrial: true})
	require.NotNil(t, sub.TrialEndsAt)

	ok, err := h.eng.HasFeature(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.True(t, ok)

	h.clock.Set(*sub.TrialEndsAt)
	ok, err = h.eng.HasFeature(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckUnknownSubscription(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Check(context.Background(), id.NewSubscriptionID(), "api_calls")
	assert.ErrorIs(t, err, entitle.ErrSubscriptionNotFound)
}

func TestCheckAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.subscribe(t, "acct", proPlan(t, h), entitle.CreateOpts{})

	r, err := h.eng.CheckAccount(ctx, "acct", "sso")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	_, err = h.eng.CheckAccount(ctx, "nobody", "sso")
	assert.ErrorIs(t, err, entitle.ErrNoCurrentSubscription)
}

func TestHasFeatureFollowsInvalidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := proPlan(t, h)
	sub := h.subscribe(t, "acct", p, entitle.CreateOpts{})

	ok, err := h.eng.HasFeature(ctx, sub.ID, "audit_log")
	require.NoError(t, err)
	assert.False(t, ok)

	updated, err := h.eng.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	enabled := true
	updated.FindFeature("audit_log").Enabled = &enabled
	require.NoError(t, h.eng.UpdatePlan(ctx, updated))

	ok, err = h.eng.HasFeature(ctx, sub.ID, "audit_log")
	require.NoError(t, err)
	assert.True(t, ok, "plan update drops cached feature sets")

	ok, err = h.eng.HasFeature(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.eng.Suspend(ctx, sub.ID, "fraud review")
	require.NoError(t, err)

	ok, err = h.eng.HasFeature(ctx, sub.ID, "sso")
	require.NoError(t, err)
	assert.False(t, ok, "suspension drops cached feature sets")

	features, err := h.eng.Features(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, features)

	_, err = h.eng.Unsuspend(ctx, sub.ID)
	require.NoError(t, err)

	features, err = h.eng.Features(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, features, 6)
}
