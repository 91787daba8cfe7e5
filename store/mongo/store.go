package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/usage"
)

// Collection name constants.
const (
	colPlans         = "entitle_plans"
	colSubscriptions = "entitle_subscriptions"
	colUsageRecords  = "entitle_usage_records"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all entitle collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("entitle/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: plan slug %q", entitle.ErrAlreadyExists, p.Slug)
		}
		return fmt.Errorf("entitle/mongo: create plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": planID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get plan: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	var m planModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"slug": slug}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get plan by slug: %w", err)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel

	filter := bson.M{}
	if opts.ActiveOnly {
		filter["active"] = true
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "sort_order", Value: 1}, {Key: "name", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list plans: %w", err)
	}

	result := make([]*plan.Plan, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p *plan.Plan) error {
	m := toPlanModel(p)

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: plan slug %q", entitle.ErrAlreadyExists, p.Slug)
		}
		return fmt.Errorf("entitle/mongo: update plan: %w", err)
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

func (s *Store) DeletePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.mdb.NewDelete((*planModel)(nil)).
		Filter(bson.M{"_id": planID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: delete plan: %w", err)
	}
	if res.DeletedCount() == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	m := toSubscriptionModel(sub)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: create subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel

	q := s.mdb.NewFind(&models).
		Filter(subscriptionFilter(opts)).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list subscriptions: %w", err)
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) CountSubscriptions(ctx context.Context, opts subscription.ListOpts) (int64, error) {
	n, err := s.mdb.Collection(colSubscriptions).CountDocuments(ctx, subscriptionFilter(opts))
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: count subscriptions: %w", err)
	}
	return n, nil
}

// UpdateSubscription replaces the document only while its version still
// equals expectedVersion.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	m := toSubscriptionModel(sub)
	m.Version = expectedVersion + 1

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "version": expectedVersion}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: update subscription: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, getErr := s.GetSubscription(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: subscription %s is no longer at version %d",
			entitle.ErrConcurrentUpdate, sub.ID, expectedVersion)
	}
	sub.Version = m.Version
	return nil
}

// DeleteSubscription removes the subscription together with its usage.
func (s *Store) DeleteSubscription(ctx context.Context, subID id.SubscriptionID) error {
	if _, err := s.mdb.NewDelete((*usageRecordModel)(nil)).
		Filter(bson.M{"subscription_id": subID.String()}).
		Exec(ctx); err != nil {
		return fmt.Errorf("entitle/mongo: delete subscription usage: %w", err)
	}

	res, err := s.mdb.NewDelete((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": subID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: delete subscription: %w", err)
	}
	if res.DeletedCount() == 0 {
		return entitle.ErrSubscriptionNotFound
	}
	return nil
}

func subscriptionFilter(opts subscription.ListOpts) bson.M {
	filter := bson.M{}
	if opts.AccountID != "" {
		filter["account_id"] = opts.AccountID
	}
	if opts.PlanID != nil {
		filter["plan_id"] = opts.PlanID.String()
	}
	if len(opts.Statuses) > 0 {
		statuses := make(bson.A, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if opts.DueBefore != nil {
		due := milli(*opts.DueBefore)
		filter["$or"] = bson.A{
			bson.M{"current_period_end": bson.M{"$lte": due}},
			bson.M{"trial_ends_at": bson.M{"$lte": due}},
			bson.M{"ends_at": bson.M{"$lte": due}},
		}
	}
	if opts.UpdatedBefore != nil {
		filter["updated_at"] = bson.M{"$lt": milli(*opts.UpdatedBefore)}
	}
	return filter
}

// ==================== Usage Store ====================

func (s *Store) EnsureUsageRecord(ctx context.Context, r *usage.Record) (*usage.Record, error) {
	m := toUsageRecordModel(r)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("entitle/mongo: ensure usage record: %w", err)
	}
	return s.GetUsageRecord(ctx, r.SubscriptionID, r.FeatureKey, r.PeriodStart)
}

func (s *Store) GetUsageRecord(ctx context.Context, subID id.SubscriptionID, featureKey string, periodStart time.Time) (*usage.Record, error) {
	var m usageRecordModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{
			"subscription_id": subID.String(),
			"feature_key":     featureKey,
			"period_start":    milli(periodStart),
		}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrUsageRecordNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get usage record: %w", err)
	}
	return fromUsageRecordModel(&m)
}

func (s *Store) ListUsageRecords(ctx context.Context, subID id.SubscriptionID, opts usage.ListOpts) ([]*usage.Record, error) {
	var models []usageRecordModel

	filter := bson.M{"subscription_id": subID.String()}
	if opts.FeatureKey != "" {
		filter["feature_key"] = opts.FeatureKey
	}
	if opts.PeriodStart != nil {
		filter["period_start"] = milli(*opts.PeriodStart)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "period_start", Value: -1}, {Key: "feature_key", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list usage records: %w", err)
	}

	result := make([]*usage.Record, len(models))
	for i := range models {
		rec, err := fromUsageRecordModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = rec
	}
	return result, nil
}

// IncrementUsage applies $inc only when the document still has room for
// amount, so the check and the write are one server-side operation.
func (s *Store) IncrementUsage(ctx context.Context, recordID id.UsageID, amount, limit int64) (int64, error) {
	filter := bson.M{"_id": recordID.String()}
	if limit >= 0 {
		filter["used"] = bson.M{"$lte": limit - amount}
	}
	update := bson.M{
		"$inc": bson.M{"used": amount},
		"$set": bson.M{"updated_at": milli(now())},
	}

	var m usageRecordModel
	err := s.mdb.Collection(colUsageRecords).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err == nil {
		return m.Used, nil
	}
	if !isNoDocuments(err) {
		return 0, fmt.Errorf("entitle/mongo: increment usage: %w", err)
	}

	current, err := s.usedValue(ctx, recordID)
	if err != nil {
		return 0, err
	}
	return current, fmt.Errorf("%w: record %s at %d of %d, requested %d",
		entitle.ErrQuotaExceeded, recordID, current, limit, amount)
}

func (s *Store) DecrementUsage(ctx context.Context, recordID id.UsageID, amount int64) (int64, error) {
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"used":       bson.M{"$max": bson.A{bson.M{"$subtract": bson.A{"$used", amount}}, 0}},
			"updated_at": milli(now()),
		}},
	}

	var m usageRecordModel
	err := s.mdb.Collection(colUsageRecords).
		FindOneAndUpdate(ctx, bson.M{"_id": recordID.String()}, pipeline,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, entitle.ErrUsageRecordNotFound
		}
		return 0, fmt.Errorf("entitle/mongo: decrement usage: %w", err)
	}
	return m.Used, nil
}

func (s *Store) SetUsage(ctx context.Context, recordID id.UsageID, value int64) error {
	res, err := s.mdb.NewUpdate((*usageRecordModel)(nil)).
		Filter(bson.M{"_id": recordID.String()}).
		Set("used", value).
		Set("updated_at", milli(now())).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: set usage: %w", err)
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrUsageRecordNotFound
	}
	return nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*usageRecordModel)(nil)).
		Filter(bson.M{"period_end": bson.M{"$lt": milli(before)}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: purge usage: %w", err)
	}
	return res.DeletedCount(), nil
}

func (s *Store) CountUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.mdb.Collection(colUsageRecords).
		CountDocuments(ctx, bson.M{"period_end": bson.M{"$lt": milli(before)}})
	if err != nil {
		return 0, fmt.Errorf("entitle/mongo: count usage: %w", err)
	}
	return n, nil
}

func (s *Store) usedValue(ctx context.Context, recordID id.UsageID) (int64, error) {
	var m usageRecordModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": recordID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return 0, entitle.ErrUsageRecordNotFound
		}
		return 0, fmt.Errorf("entitle/mongo: read usage: %w", err)
	}
	return m.Used, nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all entitle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys:    bson.D{{Key: "slug", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "sort_order", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "plan_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "current_period_end", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
		colUsageRecords: {
			{
				Keys: bson.D{
					{Key: "subscription_id", Value: 1},
					{Key: "feature_key", Value: 1},
					{Key: "period_start", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "period_end", Value: 1}}},
		},
	}
}
