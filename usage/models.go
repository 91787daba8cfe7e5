// Package usage holds per-period consumption counters.
package usage

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// Record is the counter for one feature of one subscription in one period.
// (SubscriptionID, FeatureKey, PeriodStart) is unique.
type Record struct {
	types.Entity
	ID             id.UsageID        `json:"id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	FeatureKey     string            `json:"feature_key"`
	Used           int64             `json:"used"`
	PeriodStart    time.Time         `json:"period_start"`
	PeriodEnd      time.Time         `json:"period_end"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Key identifies a record by its natural key.
type Key struct {
	SubscriptionID id.SubscriptionID
	FeatureKey     string
	PeriodStart    time.Time
}

// String renders the key for use in lock tables and logs.
func (k Key) String() string {
	return k.SubscriptionID.String() + "/" + k.FeatureKey + "/" + k.PeriodStart.UTC().Format(time.RFC3339Nano)
}

// Key returns the record's natural key.
func (r *Record) Key() Key {
	return Key{SubscriptionID: r.SubscriptionID, FeatureKey: r.FeatureKey, PeriodStart: r.PeriodStart}
}

// Covers reports whether t falls within [PeriodStart, PeriodEnd).
func (r *Record) Covers(t time.Time) bool {
	return !t.Before(r.PeriodStart) && t.Before(r.PeriodEnd)
}

// Overlaps reports whether the record's period intersects [start, end).
func (r *Record) Overlaps(start, end time.Time) bool {
	return r.PeriodStart.Before(end) && start.Before(r.PeriodEnd)
}

// NewRecord returns a zeroed record for the given period.
func NewRecord(subID id.SubscriptionID, featureKey string, start, end time.Time, now time.Time) *Record {
	return &Record{
		Entity:         types.NewEntityAt(now),
		ID:             id.NewUsageID(),
		SubscriptionID: subID,
		FeatureKey:     featureKey,
		PeriodStart:    start.UTC(),
		PeriodEnd:      end.UTC(),
	}
}
