package audithook_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audithook "github.com/xraph/entitle/audit_hook"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

type capture struct {
	events []*audithook.AuditEvent
}

func (c *capture) Record(_ context.Context, e *audithook.AuditEvent) error {
	c.events = append(c.events, e)
	return nil
}

func testPlan(slug, price string, cadence period.Cadence) *plan.Plan {
	return &plan.Plan{
		ID:       id.NewPlanID(),
		Slug:     slug,
		Price:    decimal.RequireFromString(price),
		Currency: "usd",
		Cadence:  cadence,
		Active:   true,
	}
}

func testSub() *subscription.Subscription {
	return &subscription.Subscription{
		ID:        id.NewSubscriptionID(),
		AccountID: "acct_1",
		PlanID:    id.NewPlanID(),
		Status:    subscription.StatusActive,
		Amount:    types.MustParseMoney("29.99", "usd"),
	}
}

func TestPlanChangeDirection(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec)
	ctx := context.Background()
	sub := testSub()

	basic := testPlan("basic", "9.99", period.Monthly)
	pro := testPlan("pro", "29.99", period.Monthly)
	// 99/year is cheaper per month than 9.99/month.
	annual := testPlan("basic-annual", "99.00", period.Yearly)

	require.NoError(t, ext.OnSubscriptionChanged(ctx, sub, basic, pro, nil))
	require.NoError(t, ext.OnSubscriptionChanged(ctx, sub, basic, annual, &subscription.Proration{
		Amount: types.MustParseMoney("-1.20", "usd"),
		Type:   subscription.ProrationCredit,
	}))

	require.Len(t, rec.events, 2)
	assert.Equal(t, audithook.ActionSubscriptionUpgraded, rec.events[0].Action)
	assert.NotContains(t, rec.events[0].Metadata, "proration_type")

	assert.Equal(t, audithook.ActionSubscriptionDowngraded, rec.events[1].Action)
	assert.Equal(t, "credit", rec.events[1].Metadata["proration_type"])
	assert.Equal(t, sub.ID.String(), rec.events[1].ResourceID)
}

func TestOnlyDenialsAreRecorded(t *testing.T) {
	rec := &capture{}
	ext := audithook.New(rec)
	ctx := context.Background()
	subID := id.NewSubscriptionID()

	require.NoError(t, ext.OnEntitlementChecked(ctx, subID, &entitlement.Result{Allowed: true, Feature: "api_calls"}))
	require.NoError(t, ext.OnEntitlementChecked(ctx, subID, &entitlement.Result{
		Feature: "api_calls",
		Reason:  entitlement.ReasonQuotaExhausted,
	}))

	require.Len(t, rec.events, 1)
	evt := rec.events[0]
	assert.Equal(t, audithook.ActionEntitlementDenied, evt.Action)
	assert.Equal(t, audithook.OutcomeFailure, evt.Outcome)
	assert.Equal(t, entitlement.ReasonQuotaExhausted, evt.Metadata["reason"])
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	sub := testSub()

	t.Run("enabled", func(t *testing.T) {
		rec := &capture{}
		ext := audithook.New(rec, audithook.WithEnabledActions(audithook.ActionPaymentFailed))

		require.NoError(t, ext.OnPaymentSucceeded(ctx, sub))
		require.NoError(t, ext.OnPaymentFailed(ctx, sub))

		require.Len(t, rec.events, 1)
		assert.Equal(t, audithook.SeverityCritical, rec.events[0].Severity)
		assert.Equal(t, "$29.99", rec.events[0].Metadata["amount"])
	})

	t.Run("disabled", func(t *testing.T) {
		rec := &capture{}
		ext := audithook.New(rec, audithook.WithDisabledActions(audithook.ActionStatusChanged))

		require.NoError(t, ext.OnStatusChanged(ctx, sub, subscription.StatusActive, subscription.StatusPastDue))
		require.NoError(t, ext.OnSubscriptionExpired(ctx, sub))

		require.Len(t, rec.events, 1)
		assert.Equal(t, audithook.ActionSubscriptionExpired, rec.events[0].Action)
	})
}

func TestRecorderErrorIsSwallowed(t *testing.T) {
	failing := audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	})
	ext := audithook.New(failing)

	err := ext.OnQuotaExceeded(context.Background(), id.NewSubscriptionID(), "api_calls", 99, 5, 100)
	assert.NoError(t, err)
}
