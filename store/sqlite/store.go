package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/usage"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/sqlite: migration failed: %w", err)
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
	m, err := toPlanModel(p)
	if err != nil {
		return err
	}
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: plan slug %q", entitle.ErrAlreadyExists, p.Slug)
		}
		return err
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", planID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	m := new(planModel)
	err := s.sdb.NewSelect(m).
		Where("slug = ?", slug).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPlanNotFound
		}
		return nil, err
	}
	return fromPlanModel(m)
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	var models []planModel
	q := s.sdb.NewSelect(&models)

	if opts.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("sort_order ASC, name ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	m, err := toPlanModel(p)
	if err != nil {
		return err
	}
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: plan slug %q", entitle.ErrAlreadyExists, p.Slug)
		}
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

func (s *Store) DeletePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.sdb.NewDelete((*planModel)(nil)).
		Where("id = ?", planID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	m, err := toSubscriptionModel(sub)
	if err != nil {
		return err
	}
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return entitle.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models)

	if where, args := subscriptionFilter(opts); where != "" {
		q = q.Where(where, args...)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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
	query := `SELECT COUNT(*) FROM entitle_subscriptions`
	where, args := subscriptionFilter(opts)
	if where != "" {
		query += " WHERE " + where
	}

	var n int64
	if err := s.sdb.NewRaw(query, args...).Scan(ctx, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateSubscription writes every mutable column when the stored version
// still equals expectedVersion.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	m, err := toSubscriptionModel(sub)
	if err != nil {
		return err
	}

	var version int64
	err = s.sdb.NewRaw(`
		UPDATE entitle_subscriptions SET
			plan_id = ?, status = ?, trial_ends_at = ?,
			current_period_start = ?, current_period_end = ?,
			cancelled_at = ?, ends_at = ?, cancellation_reason = ?,
			amount = ?, currency = ?, metadata = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
		RETURNING version
	`,
		m.PlanID, m.Status, m.TrialEndsAt,
		m.CurrentPeriodStart, m.CurrentPeriodEnd,
		m.CancelledAt, m.EndsAt, m.CancellationReason,
		m.Amount, m.Currency, m.Metadata,
		m.UpdatedAt,
		m.ID, expectedVersion,
	).Scan(ctx, &version)
	if isNoRows(err) {
		if _, getErr := s.GetSubscription(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: subscription %s is no longer at version %d",
			entitle.ErrConcurrentUpdate, sub.ID, expectedVersion)
	}
	if err != nil {
		return err
	}
	sub.Version = version
	return nil
}

// DeleteSubscription removes the subscription together with its usage.
func (s *Store) DeleteSubscription(ctx context.Context, subID id.SubscriptionID) error {
	if _, err := s.sdb.NewDelete((*usageRecordModel)(nil)).
		Where("subscription_id = ?", subID.String()).
		Exec(ctx); err != nil {
		return err
	}

	res, err := s.sdb.NewDelete((*subscriptionModel)(nil)).
		Where("id = ?", subID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrSubscriptionNotFound
	}
	return nil
}

func subscriptionFilter(opts subscription.ListOpts) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if opts.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, opts.AccountID)
	}
	if opts.PlanID != nil {
		conds = append(conds, "plan_id = ?")
		args = append(args, opts.PlanID.String())
	}
	if len(opts.Statuses) > 0 {
		conds = append(conds, "status IN (?"+strings.Repeat(", ?", len(opts.Statuses)-1)+")")
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	if opts.DueBefore != nil {
		due := toMicros(*opts.DueBefore)
		conds = append(conds, "(current_period_end <= ? OR trial_ends_at <= ? OR ends_at <= ?)")
		args = append(args, due, due, due)
	}
	if opts.UpdatedBefore != nil {
		conds = append(conds, "updated_at < ?")
		args = append(args, toMicros(*opts.UpdatedBefore))
	}
	return strings.Join(conds, " AND "), args
}

// ==================== Usage Store ====================

func (s *Store) EnsureUsageRecord(ctx context.Context, r *usage.Record) (*usage.Record, error) {
	m, err := toUsageRecordModel(r)
	if err != nil {
		return nil, err
	}
	_, err = s.sdb.NewInsert(m).
		OnConflict("(subscription_id, feature_key, period_start) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetUsageRecord(ctx, r.SubscriptionID, r.FeatureKey, r.PeriodStart)
}

func (s *Store) GetUsageRecord(ctx context.Context, subID id.SubscriptionID, featureKey string, periodStart time.Time) (*usage.Record, error) {
	m := new(usageRecordModel)
	err := s.sdb.NewSelect(m).
		Where("subscription_id = ?", subID.String()).
		Where("feature_key = ?", featureKey).
		Where("period_start = ?", toMicros(periodStart)).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrUsageRecordNotFound
		}
		return nil, err
	}
	return fromUsageRecordModel(m)
}

func (s *Store) ListUsageRecords(ctx context.Context, subID id.SubscriptionID, opts usage.ListOpts) ([]*usage.Record, error) {
	var models []usageRecordModel
	q := s.sdb.NewSelect(&models).Where("subscription_id = ?", subID.String())

	if opts.FeatureKey != "" {
		q = q.Where("feature_key = ?", opts.FeatureKey)
	}
	if opts.PeriodStart != nil {
		q = q.Where("period_start = ?", toMicros(*opts.PeriodStart))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("period_start DESC, feature_key ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
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

func (s *Store) IncrementUsage(ctx context.Context, recordID id.UsageID, amount, limit int64) (int64, error) {
	var used int64
	err := s.sdb.NewRaw(`
		UPDATE entitle_usage_records
		SET used = used + ?, updated_at = ?
		WHERE id = ? AND (? < 0 OR ? <= ? - used)
		RETURNING used
	`, amount, toMicros(now()), recordID.String(), limit, amount, limit).Scan(ctx, &used)
	if err == nil {
		return used, nil
	}
	if !isNoRows(err) {
		return 0, err
	}

	current, err := s.usedValue(ctx, recordID)
	if err != nil {
		return 0, err
	}
	return current, fmt.Errorf("%w: record %s at %d of %d, requested %d",
		entitle.ErrQuotaExceeded, recordID, current, limit, amount)
}

func (s *Store) DecrementUsage(ctx context.Context, recordID id.UsageID, amount int64) (int64, error) {
	var used int64
	err := s.sdb.NewRaw(`
		UPDATE entitle_usage_records
		SET used = MAX(used - ?, 0), updated_at = ?
		WHERE id = ?
		RETURNING used
	`, amount, toMicros(now()), recordID.String()).Scan(ctx, &used)
	if isNoRows(err) {
		return 0, entitle.ErrUsageRecordNotFound
	}
	return used, err
}

func (s *Store) SetUsage(ctx context.Context, recordID id.UsageID, value int64) error {
	res, err := s.sdb.NewUpdate((*usageRecordModel)(nil)).
		Set("used = ?", value).
		Set("updated_at = ?", toMicros(now())).
		Where("id = ?", recordID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrUsageRecordNotFound
	}
	return nil
}

func (s *Store) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*usageRecordModel)(nil)).
		Where("period_end < ?", toMicros(before)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.sdb.NewRaw(`SELECT COUNT(*) FROM entitle_usage_records WHERE period_end < ?`, toMicros(before)).
		Scan(ctx, &n)
	return n, err
}

func (s *Store) usedValue(ctx context.Context, recordID id.UsageID) (int64, error) {
	var used int64
	err := s.sdb.NewRaw(`SELECT used FROM entitle_usage_records WHERE id = ?`, recordID.String()).
		Scan(ctx, &used)
	if isNoRows(err) {
		return 0, entitle.ErrUsageRecordNotFound
	}
	return used, err
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
