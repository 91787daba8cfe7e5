// Package stripewebhook feeds Stripe invoice events into the subscription
// lifecycle as payment outcomes.
//
// Invoices are matched to Entitle subscriptions through a metadata key
// (MetadataKey by default) set on the invoice or on one of its lines when
// the Stripe subscription is created.
package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/subscription"
)

// MetadataKey is the default invoice metadata key holding the Entitle
// subscription id.
const MetadataKey = "entitle_subscription_id"

// maxBodyBytes caps webhook payloads.
const maxBodyBytes = int64(65536)

// Stripe event types mapped to payment outcomes.
const (
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// ErrSignature is returned when the payload signature does not verify.
var ErrSignature = errors.New("stripewebhook: invalid signature")

// PaymentRecorder is implemented by *entitle.Engine.
type PaymentRecorder interface {
	RecordPaymentOutcome(ctx context.Context, subID id.SubscriptionID, succeeded bool) (*subscription.Subscription, error)
}

// Result describes what a webhook delivery did.
type Result struct {
	EventType      string
	SubscriptionID string
	Succeeded      bool
	Ignored        bool
	Status         subscription.Status
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetadataKey overrides MetadataKey.
func WithMetadataKey(key string) Option {
	return func(h *Handler) { h.metadataKey = key }
}

// Handler verifies Stripe webhooks and records payment outcomes.
type Handler struct {
	recorder    PaymentRecorder
	secret      string
	metadataKey string
	logger      *slog.Logger
}

// New creates a Handler verifying payloads with the endpoint secret.
func New(recorder PaymentRecorder, secret string, opts ...Option) *Handler {
	h := &Handler{
		recorder:    recorder,
		secret:      secret,
		metadataKey: MetadataKey,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle verifies payload and applies it. Events that are not invoice
// payment events, or invoices without a subscription reference, are
// ignored without error.
func (h *Handler) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ev, err := webhook.ConstructEvent(payload, signature, h.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	res := &Result{EventType: string(ev.Type), Ignored: true}

	var succeeded bool
	switch string(ev.Type) {
	case EventInvoicePaid, EventInvoicePaymentSucceeded:
		succeeded = true
	case EventInvoicePaymentFailed:
		succeeded = false
	default:
		return res, nil
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("stripewebhook: parse invoice: %w: %v", entitle.ErrInvalidInput, err)
	}

	ref := h.subscriptionRef(&inv)
	if ref == "" {
		h.logger.Debug("stripe invoice without subscription reference",
			"event_id", ev.ID,
			"invoice_id", inv.ID,
		)
		return res, nil
	}

	subID, err := id.ParseSubscriptionID(ref)
	if err != nil {
		return nil, fmt.Errorf("stripewebhook: invoice %s: %w: %v", inv.ID, entitle.ErrInvalidInput, err)
	}

	sub, err := h.recorder.RecordPaymentOutcome(ctx, subID, succeeded)
	if err != nil {
		return nil, err
	}

	res.Ignored = false
	res.SubscriptionID = subID.String()
	res.Succeeded = succeeded
	res.Status = sub.Status

	h.logger.Info("stripe payment recorded",
		"event_id", ev.ID,
		"invoice_id", inv.ID,
		"subscription_id", res.SubscriptionID,
		"succeeded", succeeded,
		"status", sub.Status,
	)
	return res, nil
}

// ServeHTTP implements http.Handler. Stripe retries any non-2xx answer, so
// deliveries that can never apply (unknown subscription, transition not
// allowed) are acknowledged.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	_, err = h.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrSignature), errors.Is(err, entitle.ErrInvalidInput):
		h.logger.Warn("stripe webhook rejected", "error", err)
		w.WriteHeader(http.StatusBadRequest)
	case entitle.IsNotFound(err), errors.Is(err, entitle.ErrInvalidTransition):
		h.logger.Warn("stripe webhook not applicable", "error", err)
		w.WriteHeader(http.StatusOK)
	default:
		h.logger.Error("stripe webhook failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *Handler) subscriptionRef(inv *stripe.Invoice) string {
	if ref := inv.Metadata[h.metadataKey]; ref != "" {
		return ref
	}
	if inv.Lines == nil {
		return ""
	}
	for _, line := range inv.Lines.Data {
		if line == nil {
			continue
		}
		if ref := line.Metadata[h.metadataKey]; ref != "" {
			return ref
		}
	}
	return ""
}
