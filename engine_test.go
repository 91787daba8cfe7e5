package entitle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/usage"
)

// t0 starts a 30-day monthly period (April 1 to May 1).
var t0 = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// events records the hooks the engine fires.
type events struct {
	mu       sync.Mutex
	statuses []string
	quota    []string
	near     []string
	trial    []int
	expired  int
	renewed  int
	failed   int
	checked  []*entitlement.Result
}

func (e *events) Name() string { return "test-events" }

func (e *events) OnStatusChanged(_ context.Context, _ *subscription.Subscription, from, to subscription.Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, string(from)+"->"+string(to))
	return nil
}

func (e *events) OnQuotaExceeded(_ context.Context, _ id.SubscriptionID, key string, _, _, _ int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quota = append(e.quota, key)
	return nil
}

func (e *events) OnUsageLimitApproaching(_ context.Context, _ id.SubscriptionID, key string, _, _ int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.near = append(e.near, key)
	return nil
}

func (e *events) OnTrialEnding(_ context.Context, _ *subscription.Subscription, daysLeft int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trial = append(e.trial, daysLeft)
	return nil
}

func (e *events) OnSubscriptionExpired(context.Context, *subscription.Subscription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.expired++
	return nil
}

func (e *events) OnSubscriptionRenewed(context.Context, *subscription.Subscription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.renewed++
	return nil
}

func (e *events) OnPaymentFailed(context.Context, *subscription.Subscription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed++
	return nil
}

func (e *events) OnEntitlementChecked(_ context.Context, _ id.SubscriptionID, r *entitlement.Result) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checked = append(e.checked, r)
	return nil
}

func (e *events) statusLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.statuses...)
}

type harness struct {
	eng    *entitle.Engine
	clock  *testClock
	events *events
	store  *memory.Store
}

func newHarness(t *testing.T, opts ...entitle.Option) *harness {
	t.Helper()

	h := &harness{
		clock:  &testClock{now: t0},
		events: &events{},
		store:  memory.New(),
	}
	all := append([]entitle.Option{
		entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		entitle.WithClock(h.clock),
		entitle.WithPlugin(h.events),
	}, opts...)

	eng, err := entitle.New(h.store, all...)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	h.eng = eng
	return h
}

func (h *harness) plan(t *testing.T, slug, price string, trialDays int, features ...plan.Feature) *plan.Plan {
	t.Helper()
	p := &plan.Plan{
		Name:      slug,
		Slug:      slug,
		Price:     decimal.RequireFromString(price),
		Currency:  "usd",
		Cadence:   period.Monthly,
		TrialDays: trialDays,
		Active:    true,
		Features:  features,
	}
	require.NoError(t, h.eng.CreatePlan(context.Background(), p))
	return p
}

func (h *harness) subscribe(t *testing.T, account string, p *plan.Plan, opts entitle.CreateOpts) *subscription.Subscription {
	t.Helper()
	sub, err := h.eng.CreateSubscription(context.Background(), account, p.ID, opts)
	require.NoError(t, err)
	return sub
}

func usageOpts() usage.ListOpts { return usage.ListOpts{} }

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := entitle.DefaultConfig()
	cfg.NearLimitThreshold = 1.5
	cfg.GracePeriodDays = -1

	_, err := entitle.New(memory.New(), entitle.WithConfig(cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, entitle.ErrInvalidInput)

	var multi entitle.MultiError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 2)
}

type brokenMigrations struct {
	*memory.Store
}

func (brokenMigrations) Migrate(context.Context) error {
	return errors.New("schema locked")
}

func TestStartMigrations(t *testing.T) {
	ctx := context.Background()
	quiet := entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	eng, err := entitle.New(brokenMigrations{memory.New()}, quiet)
	require.NoError(t, err)
	assert.ErrorIs(t, eng.Start(ctx), entitle.ErrMigrationFailed)

	eng, err = entitle.New(brokenMigrations{memory.New()}, quiet, entitle.WithoutMigrate())
	require.NoError(t, err)
	assert.NoError(t, eng.Start(ctx))
}
