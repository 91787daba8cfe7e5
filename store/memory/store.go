// Package memory provides an in-process Store for tests and single-node
// deployments. Every value is copied on the way in and out so callers
// never share state with the store.
package memory

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/usage"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a map-backed Store guarded by a single RWMutex.
type Store struct {
	mu sync.RWMutex

	plans         map[string]*plan.Plan
	subscriptions map[string]*subscription.Subscription
	usage         map[string]*usage.Record
	usageByKey    map[string]string

	now func() time.Time
}

// New returns an empty memory store.
func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		subscriptions: make(map[string]*subscription.Subscription),
		usage:         make(map[string]*usage.Record),
		usageByKey:    make(map[string]string),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ──────────────────────────────────────────────────
// Plan store
// ──────────────────────────────────────────────────

// CreatePlan stores a new plan. Slugs are unique.
func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	for _, existing := range s.plans {
		if existing.Slug == p.Slug {
			return fmt.Errorf("%w: plan slug %q", entitle.ErrAlreadyExists, p.Slug)
		}
	}
	s.plans[p.ID.String()] = p.Clone()
	return nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		return p.Clone(), nil
	}
	return nil, entitle.ErrPlanNotFound
}

// GetPlanBySlug returns a plan by slug.
func (s *Store) GetPlanBySlug(_ context.Context, slug string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Slug == slug {
			return p.Clone(), nil
		}
	}
	return nil, entitle.ErrPlanNotFound
}

// ListPlans returns plans ordered by sort order, then name.
func (s *Store) ListPlans(_ context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if opts.ActiveOnly && !p.Active {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SortOrder != result[j].SortOrder {
			return result[i].SortOrder < result[j].SortOrder
		}
		return result[i].Name < result[j].Name
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// UpdatePlan replaces a stored plan.
func (s *Store) UpdatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; !exists {
		return entitle.ErrPlanNotFound
	}
	for key, existing := range s.plans {
		if key != p.ID.String() && existing.Slug == p.Slug {
			return fmt.Errorf("%w: plan slug %q", entitle.ErrAlreadyExists, p.Slug)
		}
	}
	s.plans[p.ID.String()] = p.Clone()
	return nil
}

// DeletePlan removes a plan.
func (s *Store) DeletePlan(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[planID.String()]; !exists {
		return entitle.ErrPlanNotFound
	}
	delete(s.plans, planID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Subscription store
// ──────────────────────────────────────────────────

// CreateSubscription stores a new subscription at version 1.
func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

// GetSubscription returns a subscription by id.
func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		return sub.Clone(), nil
	}
	return nil, entitle.ErrSubscriptionNotFound
}

// ListSubscriptions returns matching subscriptions, newest first.
func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.matchSubscriptions(opts)
	for i, sub := range result {
		result[i] = sub.Clone()
	}
	return page(result, opts.Offset, opts.Limit), nil
}

// CountSubscriptions counts matching subscriptions, ignoring paging.
func (s *Store) CountSubscriptions(_ context.Context, opts subscription.ListOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.matchSubscriptions(opts))), nil
}

func (s *Store) matchSubscriptions(opts subscription.ListOpts) []*subscription.Subscription {
	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if opts.AccountID != "" && sub.AccountID != opts.AccountID {
			continue
		}
		if opts.PlanID != nil && sub.PlanID.String() != opts.PlanID.String() {
			continue
		}
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, sub.Status) {
			continue
		}
		if opts.DueBefore != nil && !dueBefore(sub, *opts.DueBefore) {
			continue
		}
		if opts.UpdatedBefore != nil && !sub.UpdatedAt.Before(*opts.UpdatedBefore) {
			continue
		}
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() > result[j].ID.String()
	})
	return result
}

func dueBefore(sub *subscription.Subscription, t time.Time) bool {
	if !sub.CurrentPeriodEnd.After(t) {
		return true
	}
	if sub.TrialEndsAt != nil && !sub.TrialEndsAt.After(t) {
		return true
	}
	return sub.EndsAt != nil && !sub.EndsAt.After(t)
}

// UpdateSubscription replaces a subscription if its stored version equals
// expectedVersion.
func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[sub.ID.String()]
	if !ok {
		return entitle.ErrSubscriptionNotFound
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: subscription %s at version %d, expected %d",
			entitle.ErrConcurrentUpdate, sub.ID, existing.Version, expectedVersion)
	}
	sub.Version = expectedVersion + 1
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

// DeleteSubscription removes a subscription and its usage records.
func (s *Store) DeleteSubscription(_ context.Context, subID id.SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[subID.String()]; !ok {
		return entitle.ErrSubscriptionNotFound
	}
	delete(s.subscriptions, subID.String())
	for recID, rec := range s.usage {
		if rec.SubscriptionID.String() == subID.String() {
			delete(s.usage, recID)
			delete(s.usageByKey, rec.Key().String())
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Usage store
// ──────────────────────────────────────────────────

// EnsureUsageRecord inserts r unless its natural key is already stored.
func (s *Store) EnsureUsageRecord(_ context.Context, r *usage.Record) (*usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Key().String()
	if recID, ok := s.usageByKey[key]; ok {
		return cloneRecord(s.usage[recID]), nil
	}
	s.usage[r.ID.String()] = cloneRecord(r)
	s.usageByKey[key] = r.ID.String()
	return cloneRecord(r), nil
}

// GetUsageRecord returns the record for a natural key.
func (s *Store) GetUsageRecord(_ context.Context, subID id.SubscriptionID, featureKey string, periodStart time.Time) (*usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := usage.Key{SubscriptionID: subID, FeatureKey: featureKey, PeriodStart: periodStart}.String()
	if recID, ok := s.usageByKey[key]; ok {
		return cloneRecord(s.usage[recID]), nil
	}
	return nil, entitle.ErrUsageRecordNotFound
}

// ListUsageRecords returns a subscription's records, newest period first.
func (s *Store) ListUsageRecords(_ context.Context, subID id.SubscriptionID, opts usage.ListOpts) ([]*usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*usage.Record, 0)
	for _, rec := range s.usage {
		if rec.SubscriptionID.String() != subID.String() {
			continue
		}
		if opts.FeatureKey != "" && rec.FeatureKey != opts.FeatureKey {
			continue
		}
		if opts.PeriodStart != nil && !rec.PeriodStart.Equal(*opts.PeriodStart) {
			continue
		}
		result = append(result, cloneRecord(rec))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PeriodStart.Equal(result[j].PeriodStart) {
			return result[i].PeriodStart.After(result[j].PeriodStart)
		}
		return strings.Compare(result[i].FeatureKey, result[j].FeatureKey) < 0
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// IncrementUsage adds amount when the result stays within limit.
func (s *Store) IncrementUsage(_ context.Context, recordID id.UsageID, amount, limit int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[recordID.String()]
	if !ok {
		return 0, entitle.ErrUsageRecordNotFound
	}
	ceiling := limit
	if ceiling < 0 {
		ceiling = math.MaxInt64
	}
	if amount > ceiling-rec.Used {
		return rec.Used, fmt.Errorf("%w: %s at %d of %d, requested %d",
			entitle.ErrQuotaExceeded, rec.FeatureKey, rec.Used, limit, amount)
	}
	rec.Used += amount
	rec.Touch(s.now())
	return rec.Used, nil
}

// DecrementUsage subtracts amount, flooring at zero.
func (s *Store) DecrementUsage(_ context.Context, recordID id.UsageID, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[recordID.String()]
	if !ok {
		return 0, entitle.ErrUsageRecordNotFound
	}
	rec.Used = max(rec.Used-amount, 0)
	rec.Touch(s.now())
	return rec.Used, nil
}

// SetUsage overwrites the counter.
func (s *Store) SetUsage(_ context.Context, recordID id.UsageID, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[recordID.String()]
	if !ok {
		return entitle.ErrUsageRecordNotFound
	}
	rec.Used = value
	rec.Touch(s.now())
	return nil
}

// PurgeUsage deletes records whose period ended before the cutoff.
func (s *Store) PurgeUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for recID, rec := range s.usage {
		if rec.PeriodEnd.Before(before) {
			delete(s.usage, recID)
			delete(s.usageByKey, rec.Key().String())
			purged++
		}
	}
	return purged, nil
}

// CountUsageBefore counts records PurgeUsage would delete.
func (s *Store) CountUsageBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.usage {
		if rec.PeriodEnd.Before(before) {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Core
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneRecord(r *usage.Record) *usage.Record {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

func page[T any](items []T, offset, limit int) []T {
	start := min(max(offset, 0), len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
