package stripewebhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment/stripewebhook"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/subscription"
)

const secret = "whsec_test_secret"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signed(t *testing.T, eventType string, metadata map[string]string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_test",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":       "in_test",
				"object":   "invoice",
				"metadata": metadata,
			},
		},
	})
	require.NoError(t, err)

	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func pendingSubscription(t *testing.T) (*entitle.Engine, *subscription.Subscription) {
	t.Helper()
	ctx := context.Background()

	eng, err := entitle.New(memory.New(), entitle.WithLogger(quietLogger()))
	require.NoError(t, err)

	p := &plan.Plan{
		Name:     "pro",
		Slug:     "pro",
		Price:    decimal.RequireFromString("29.99"),
		Currency: "usd",
		Cadence:  period.Monthly,
		Active:   true,
	}
	require.NoError(t, eng.CreatePlan(ctx, p))

	sub, err := eng.CreateSubscription(ctx, "acct", p.ID, entitle.CreateOpts{Pending: true})
	require.NoError(t, err)
	require.Equal(t, subscription.StatusPending, sub.Status)
	return eng, sub
}

func TestHandlePaymentOutcomes(t *testing.T) {
	ctx := context.Background()
	eng, sub := pendingSubscription(t)
	h := stripewebhook.New(eng, secret, stripewebhook.WithLogger(quietLogger()))
	meta := map[string]string{stripewebhook.MetadataKey: sub.ID.String()}

	payload, sig := signed(t, stripewebhook.EventInvoicePaid, meta)
	res, err := h.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.True(t, res.Succeeded)
	assert.Equal(t, subscription.StatusActive, res.Status)

	payload, sig = signed(t, stripewebhook.EventInvoicePaymentFailed, meta)
	res, err = h.Handle(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, res.Status)

	got, err := eng.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, got.Status)
}

func TestHandleIgnoresUnrelatedEvents(t *testing.T) {
	eng, sub := pendingSubscription(t)
	h := stripewebhook.New(eng, secret, stripewebhook.WithLogger(quietLogger()))

	payload, sig := signed(t, "customer.created", map[string]string{stripewebhook.MetadataKey: sub.ID.String()})
	res, err := h.Handle(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	payload, sig = signed(t, stripewebhook.EventInvoicePaid, nil)
	res, err = h.Handle(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.True(t, res.Ignored, "invoice without a subscription reference")

	got, err := eng.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPending, got.Status)
}

func TestServeHTTPStatusCodes(t *testing.T) {
	eng, sub := pendingSubscription(t)
	h := stripewebhook.New(eng, secret, stripewebhook.WithLogger(quietLogger()))

	post := func(payload []byte, sig string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	payload, sig := signed(t, stripewebhook.EventInvoicePaid, map[string]string{stripewebhook.MetadataKey: sub.ID.String()})
	assert.Equal(t, http.StatusOK, post(payload, sig))
	assert.Equal(t, http.StatusBadRequest, post(payload, "t=1,v1=deadbeef"))

	payload, sig = signed(t, stripewebhook.EventInvoicePaid, map[string]string{stripewebhook.MetadataKey: "not-an-id"})
	assert.Equal(t, http.StatusBadRequest, post(payload, sig))

	payload, sig = signed(t, stripewebhook.EventInvoicePaid, map[string]string{stripewebhook.MetadataKey: id.NewSubscriptionID().String()})
	assert.Equal(t, http.StatusOK, post(payload, sig), "unknown subscriptions are acknowledged")

	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
