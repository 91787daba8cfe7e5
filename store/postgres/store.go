package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("entitle/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/postgres: migration failed: %w", err)
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
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: plan slug %q", entitle.ErrAlreadyExists, p.Slug)
		}
		return err
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	m := new(planModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", planID.String()).
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
	err := s.pg.NewSelect(m).
		Where("slug = $1", slug).
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
	q := s.pg.NewSelect(&models)

	if opts.ActiveOnly {
		q = q.Where("active = $1", true)
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
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
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
	res, err := s.pg.NewDelete((*planModel)(nil)).
		Where("id = $1", planID.String()).
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
	m := toSubscriptionModel(sub)
	if _, err := s.pg.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return entitle.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
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
	q := s.pg.NewSelect(&models)

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
	if err := s.pg.NewRaw(query, args...).Scan(ctx, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateSubscription writes every mutable column when the stored version
// still equals expectedVersion.
func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription, expectedVersion int64) error {
	m := toSubscriptionModel(sub)
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}

	var version int64
	err = s.pg.NewRaw(`
		UPDATE entitle_subscriptions SET
			plan_id = $3, status = $4, trial_ends_at = $5,
			current_period_start = $6, current_period_end = $7,
			cancelled_at = $8, ends_at = $9, cancellation_reason = $10,
			amount = $11, currency = $12, metadata = $13::jsonb,
			updated_at = $14, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`,
		m.ID, expectedVersion, m.PlanID, m.Status, m.TrialEndsAt,
		m.CurrentPeriodStart, m.CurrentPeriodEnd,
		m.CancelledAt, m.EndsAt, m.CancellationReason,
		m.Amount, m.Currency, string(metadata),
		m.UpdatedAt,
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
	if _, err := s.pg.NewDelete((*usageRecordModel)(nil)).
		Where("subscription_id = $1", subID.String()).
		Exec(ctx); err != nil {
		return err
	}

	res, err := s.pg.NewDelete((*subscriptionModel)(nil)).
		Where("id = $1", subID.String()).
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

// subscriptionFilter renders opts as a WHERE clause with numbered
// placeholders, without the WHERE keyword.
func subscriptionFilter(opts subscription.ListOpts) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.AccountID != "" {
		conds = append(conds, "account_id = "+arg(opts.AccountID))
	}
	if opts.PlanID != nil {
		conds = append(conds, "plan_id = "+arg(opts.PlanID.String()))
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = arg(string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.DueBefore != nil {
		p := arg(opts.DueBefore.UTC())
		conds = append(conds, fmt.Sprintf(
			"(current_period_end <= %[1]s OR trial_ends_at <= %[1]s OR ends_at <= %[1]s)", p))
	}
	if opts.UpdatedBefore != nil {
		conds = append(conds, "updated_at < "+arg(opts.UpdatedBefore.UTC()))
	}
	return strings.Join(conds, " AND "), args
}

// ==================== Usage Store ====================

// EnsureUsageRecord relies on the unique natural-key index so concurrent
// callers converge on one row.
func (s *Store) EnsureUsageRecord(ctx context.Context, r *usage.Record) (*usage.Record, error) {
	m := toUsageRecordModel(r)
	_, err := s.pg.NewInsert(m).
		OnConflict("(subscription_id, feature_key, period_start) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetUsageRecord(ctx, r.SubscriptionID, r.FeatureKey, r.PeriodStart)
}

func (s *Store) GetUsageRecord(ctx context.Context, subID id.SubscriptionID, featureKey string, periodStart time.Time) (*usage.Record, error) {
	m := new(usageRecordModel)
	err := s.pg.NewSelect(m).
		Where("subscription_id = $1", subID.String()).
		Where("feature_key = $2", featureKey).
		Where("period_start = $3", micro(periodStart)).
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
	q := s.pg.NewSelect(&models).Where("subscription_id = $1", subID.String())

	argIdx := 1
	if opts.FeatureKey != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("feature_key = $%d", argIdx), opts.FeatureKey)
	}
	if opts.PeriodStart != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("period_start = $%d", argIdx), micro(*opts.PeriodStart))
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

// IncrementUsage is a single conditional UPDATE so the limit check and the
// add cannot interleave with another writer.
func (s *Store) IncrementUsage(ctx context.Context, recordID id.UsageID, amount, limit int64) (int64, error) {
	var used int64
	err := s.pg.NewRaw(`
		UPDATE entitle_usage_records
		SET used = used + $2::bigint, updated_at = $4
		WHERE id = $1 AND ($3::bigint < 0 OR $2::bigint <= $3::bigint - used)
		RETURNING used
	`, recordID.String(), amount, limit, now()).Scan(ctx, &used)
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
	err := s.pg.NewRaw(`
		UPDATE entitle_usage_records
		SET used = GREATEST(used - $2::bigint, 0), updated_at = $3
		WHERE id = $1
		RETURNING used
	`, recordID.String(), amount, now()).Scan(ctx, &used)
	if isNoRows(err) {
		return 0, entitle.ErrUsageRecordNotFound
	}
	return used, err
}

func (s *Store) SetUsage(ctx context.Context, recordID id.UsageID, value int64) error {
	res, err := s.pg.NewUpdate((*usageRecordModel)(nil)).
		Set("used = $1", value).
		Set("updated_at = $2", now()).
		Where("id = $3", recordID.String()).
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
	res, err := s.pg.NewDelete((*usageRecordModel)(nil)).
		Where("period_end < $1", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.pg.NewRaw(`SELECT COUNT(*) FROM entitle_usage_records WHERE period_end < $1`, before.UTC()).
		Scan(ctx, &n)
	return n, err
}

func (s *Store) usedValue(ctx context.Context, recordID id.UsageID) (int64, error) {
	var used int64
	err := s.pg.NewRaw(`SELECT used FROM entitle_usage_records WHERE id = $1`, recordID.String()).
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

// isUniqueViolation reports a unique_violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
