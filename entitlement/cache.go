package entitlement

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

// Cache stores the resolved feature set of a subscription. Entries are
// keyed by subscription id and must be invalidated whenever the
// subscription's plan, status or the plan itself changes.
type Cache interface {
	Get(ctx context.Context, subID id.SubscriptionID) ([]plan.Feature, bool, error)
	Set(ctx context.Context, subID id.SubscriptionID, features []plan.Feature, ttl time.Duration) error
	Invalidate(ctx context.Context, subID id.SubscriptionID) error
}
