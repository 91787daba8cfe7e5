package usage

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

// Store persists usage records.
type Store interface {
	// EnsureUsageRecord inserts r unless a record with the same natural key
	// exists, and returns whichever record is stored.
	EnsureUsageRecord(ctx context.Context, r *Record) (*Record, error)
	GetUsageRecord(ctx context.Context, subID id.SubscriptionID, featureKey string, periodStart time.Time) (*Record, error)
	ListUsageRecords(ctx context.Context, subID id.SubscriptionID, opts ListOpts) ([]*Record, error)

	// IncrementUsage atomically adds amount to the record's counter if the
	// result stays within limit. A negative limit means unlimited. When the
	// limit would be breached the counter is left untouched and the error
	// wraps entitle.ErrQuotaExceeded.
	IncrementUsage(ctx context.Context, recordID id.UsageID, amount, limit int64) (int64, error)

	// DecrementUsage subtracts amount, flooring the counter at zero.
	DecrementUsage(ctx context.Context, recordID id.UsageID, amount int64) (int64, error)
	SetUsage(ctx context.Context, recordID id.UsageID, value int64) error

	// PurgeUsage deletes records whose period ended before the cutoff.
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)
	CountUsageBefore(ctx context.Context, before time.Time) (int64, error)
}

// ListOpts filters ListUsageRecords. Results are ordered by period start,
// newest first.
type ListOpts struct {
	FeatureKey  string
	PeriodStart *time.Time
	Limit       int
	Offset      int
}
