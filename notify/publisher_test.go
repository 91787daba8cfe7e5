package notify_test

import (
	"context"
	"encoding/json"
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
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/notify"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

type message struct {
	subject string
	event   notify.Event
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	var evt notify.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	c.msgs = append(c.msgs, message{subject: subject, event: evt})
	return nil
}

var fixed = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func TestPublishesUsageNotifications(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	pub := notify.New(conn, notify.WithNow(func() time.Time { return fixed }))

	eng, err := entitle.New(memory.New(),
		entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		entitle.WithPlugin(pub),
	)
	require.NoError(t, err)

	p := &plan.Plan{
		Name:     "pro",
		Slug:     "pro",
		Price:    decimal.RequireFromString("29.99"),
		Currency: "usd",
		Cadence:  period.Monthly,
		Active:   true,
		Features: []plan.Feature{plan.NumericFeature("api_calls", "API Calls", 100)},
	}
	require.NoError(t, eng.CreatePlan(ctx, p))
	sub, err := eng.CreateSubscription(ctx, "acct", p.ID, entitle.CreateOpts{})
	require.NoError(t, err)

	_, err = eng.IncrementUsage(ctx, sub.ID, "api_calls", 85)
	require.NoError(t, err)
	_, err = eng.IncrementUsage(ctx, sub.ID, "api_calls", 20)
	require.ErrorIs(t, err, entitle.ErrQuotaExceeded)

	require.Len(t, conn.msgs, 2)

	near := conn.msgs[0]
	assert.Equal(t, "entitle.notify.usage.near_limit", near.subject)
	assert.Equal(t, sub.ID.String(), near.event.SubscriptionID)
	assert.Equal(t, int64(85), near.event.Used)
	assert.Equal(t, int64(100), near.event.Limit)
	assert.True(t, fixed.Equal(near.event.OccurredAt))

	quota := conn.msgs[1]
	assert.Equal(t, "entitle.notify.usage.quota_exceeded", quota.subject)
	assert.Equal(t, int64(20), quota.event.Requested)
}

func TestPublishesSubscriptionNotifications(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{}
	pub := notify.New(conn, notify.WithPrefix("billing"))

	sub := &subscription.Subscription{
		ID:        id.NewSubscriptionID(),
		AccountID: "acct_9",
		Amount:    types.MustParseMoney("9.99", "usd"),
	}
	require.NoError(t, pub.OnTrialEnding(ctx, sub, 2))
	require.NoError(t, pub.OnPaymentFailed(ctx, sub))

	require.Len(t, conn.msgs, 2)
	assert.Equal(t, "billing.trial.ending", conn.msgs[0].subject)
	assert.Equal(t, 2, conn.msgs[0].event.DaysLeft)
	assert.Equal(t, "acct_9", conn.msgs[0].event.AccountID)
	assert.Equal(t, "billing.payment.failed", conn.msgs[1].subject)
	assert.Equal(t, "$9.99", conn.msgs[1].event.Amount)
}

func TestPublishErrorIsReturned(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	pub := notify.New(conn)

	err := pub.OnQuotaExceeded(context.Background(), id.NewSubscriptionID(), "seats", 5, 1, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entitle.notify.usage.quota_exceeded")
	assert.NoError(t, pub.OnShutdown(context.Background()))
}
