// Package notify publishes customer-facing Entitle events to NATS.
//
// The Publisher is a plugin: register it on the engine and it turns trial
// endings, refused increments, near-limit crossings and failed payments
// into JSON messages on subjects under a configurable prefix.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                  = (*Publisher)(nil)
	_ plugin.OnTrialEnding           = (*Publisher)(nil)
	_ plugin.OnQuotaExceeded         = (*Publisher)(nil)
	_ plugin.OnUsageLimitApproaching = (*Publisher)(nil)
	_ plugin.OnPaymentFailed         = (*Publisher)(nil)
	_ plugin.OnShutdown              = (*Publisher)(nil)
)

// Event kinds, appended to the subject prefix.
const (
	KindTrialEnding   = "trial.ending"
	KindQuotaExceeded = "usage.quota_exceeded"
	KindNearLimit     = "usage.near_limit"
	KindPaymentFailed = "payment.failed"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "entitle.notify"

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON payload of every notification.
type Event struct {
	Kind           string    `json:"kind"`
	SubscriptionID string    `json:"subscription_id"`
	AccountID      string    `json:"account_id,omitempty"`
	FeatureKey     string    `json:"feature_key,omitempty"`
	Used           int64     `json:"used,omitempty"`
	Requested      int64     `json:"requested,omitempty"`
	Limit          int64     `json:"limit,omitempty"`
	DaysLeft       int       `json:"days_left,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(p *Publisher) { p.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// Publisher forwards notification hooks to NATS.
type Publisher struct {
	conn   Conn
	owned  *nats.Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Publisher on an existing connection. The caller keeps
// ownership of conn.
func New(conn Conn, opts ...Option) *Publisher {
	p := &Publisher{
		conn:   conn,
		prefix: DefaultPrefix,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials url and returns a Publisher that drains the connection on
// engine shutdown.
func Connect(url string, natsOpts []nats.Option, opts ...Option) (*Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to NATS at %s: %w", url, err)
	}
	p := New(nc, opts...)
	p.owned = nc
	return p, nil
}

// Name implements plugin.Plugin.
func (p *Publisher) Name() string { return "notify-nats" }

// Subject returns the full subject for kind.
func (p *Publisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

// OnTrialEnding implements plugin.OnTrialEnding.
func (p *Publisher) OnTrialEnding(_ context.Context, sub *subscription.Subscription, daysLeft int) error {
	return p.publish(Event{
		Kind:           KindTrialEnding,
		SubscriptionID: sub.ID.String(),
		AccountID:      sub.AccountID,
		DaysLeft:       daysLeft,
	})
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (p *Publisher) OnQuotaExceeded(_ context.Context, subID id.SubscriptionID, featureKey string, used, requested, limit int64) error {
	return p.publish(Event{
		Kind:           KindQuotaExceeded,
		SubscriptionID: subID.String(),
		FeatureKey:     featureKey,
		Used:           used,
		Requested:      requested,
		Limit:          limit,
	})
}

// OnUsageLimitApproaching implements plugin.OnUsageLimitApproaching.
func (p *Publisher) OnUsageLimitApproaching(_ context.Context, subID id.SubscriptionID, featureKey string, used, limit int64) error {
	return p.publish(Event{
		Kind:           KindNearLimit,
		SubscriptionID: subID.String(),
		FeatureKey:     featureKey,
		Used:           used,
		Limit:          limit,
	})
}

// OnPaymentFailed implements plugin.OnPaymentFailed.
func (p *Publisher) OnPaymentFailed(_ context.Context, sub *subscription.Subscription) error {
	return p.publish(Event{
		Kind:           KindPaymentFailed,
		SubscriptionID: sub.ID.String(),
		AccountID:      sub.AccountID,
		Amount:         sub.Amount.String(),
	})
}

// OnShutdown implements plugin.OnShutdown. Only connections opened by
// Connect are drained.
func (p *Publisher) OnShutdown(context.Context) error {
	if p.owned == nil {
		return nil
	}
	return p.owned.Drain()
}

func (p *Publisher) publish(evt Event) error {
	evt.OccurredAt = p.now()
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", evt.Kind, err)
	}

	subject := p.Subject(evt.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("notify: publish to %q: %w", subject, err)
	}
	p.logger.Debug("notification published",
		"subject", subject,
		"subscription_id", evt.SubscriptionID,
	)
	return nil
}
