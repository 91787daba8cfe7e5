package subscription

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

// Store persists subscriptions.
//
// UpdateSubscription is a compare-and-swap on Version: it succeeds only if
// the stored version equals expectedVersion, and on success stores
// expectedVersion+1 and reflects it in s.Version.
type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)
	CountSubscriptions(ctx context.Context, opts ListOpts) (int64, error)
	UpdateSubscription(ctx context.Context, s *Subscription, expectedVersion int64) error
	DeleteSubscription(ctx context.Context, subID id.SubscriptionID) error
}

// ListOpts filters ListSubscriptions and CountSubscriptions. Zero values
// are ignored. Results are ordered by creation time, newest first.
type ListOpts struct {
	AccountID string
	PlanID    *id.PlanID
	Statuses  []Status

	// DueBefore matches subscriptions whose period end, trial end or
	// effective end is at or before the given instant.
	DueBefore *time.Time

	// UpdatedBefore matches subscriptions last written before the instant.
	UpdatedBefore *time.Time

	Limit  int
	Offset int
}
