package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
	"github.com/xraph/entitle/usage"
)

// BSON dates carry millisecond precision; times are truncated on write so
// equality lookups on period_start round-trip.

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:entitle_plans"`

	ID          string            `grove:"id,pk"       bson:"_id"`
	Name        string            `grove:"name"        bson:"name"`
	Slug        string            `grove:"slug"        bson:"slug"`
	Description string            `grove:"description" bson:"description"`
	Price       string            `grove:"price"       bson:"price"`
	Currency    string            `grove:"currency"    bson:"currency"`
	Cadence     string            `grove:"cadence"     bson:"cadence"`
	TrialDays   int               `grove:"trial_days"  bson:"trial_days"`
	Active      bool              `grove:"active"      bson:"active"`
	Popular     bool              `grove:"popular"     bson:"popular"`
	SortOrder   int               `grove:"sort_order"  bson:"sort_order"`
	Features    []featureModel    `grove:"features"    bson:"features"`
	Metadata    map[string]string `grove:"metadata"    bson:"metadata,omitempty"`
	CreatedAt   time.Time         `grove:"created_at"  bson:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"  bson:"updated_at"`
}

type featureModel struct {
	ID          string            `bson:"id"`
	Key         string            `bson:"key"`
	Name        string            `bson:"name"`
	Description string            `bson:"description,omitempty"`
	Type        string            `bson:"type"`
	Limit       *int64            `bson:"limit,omitempty"`
	Enabled     *bool             `bson:"enabled,omitempty"`
	Text        string            `bson:"text,omitempty"`
	Unlimited   bool              `bson:"unlimited"`
	SortOrder   int               `bson:"sort_order"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
}

func toPlanModel(p *plan.Plan) *planModel {
	features := make([]featureModel, len(p.Features))
	for i, f := range p.Features {
		features[i] = featureModel{
			ID:          f.ID.String(),
			Key:         f.Key,
			Name:        f.Name,
			Description: f.Description,
			Type:        string(f.Type),
			Limit:       f.Limit,
			Enabled:     f.Enabled,
			Text:        f.Text,
			Unlimited:   f.Unlimited,
			SortOrder:   f.SortOrder,
			Metadata:    f.Metadata,
		}
	}

	return &planModel{
		ID:          p.ID.String(),
		Name:        p.Name,
		Slug:        p.Slug,
		Description: p.Description,
		Price:       p.Price.String(),
		Currency:    p.Currency,
		Cadence:     string(p.Cadence),
		TrialDays:   p.TrialDays,
		Active:      p.Active,
		Popular:     p.Popular,
		SortOrder:   p.SortOrder,
		Features:    features,
		Metadata:    p.Metadata,
		CreatedAt:   milli(p.CreatedAt),
		UpdatedAt:   milli(p.UpdatedAt),
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse plan ID %q: %w", m.ID, err)
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, fmt.Errorf("parse plan price %q: %w", m.Price, err)
	}

	features := make([]plan.Feature, len(m.Features))
	for i, fm := range m.Features {
		f := plan.Feature{
			Key:         fm.Key,
			Name:        fm.Name,
			Description: fm.Description,
			Type:        plan.FeatureType(fm.Type),
			Limit:       fm.Limit,
			Enabled:     fm.Enabled,
			Text:        fm.Text,
			Unlimited:   fm.Unlimited,
			SortOrder:   fm.SortOrder,
			Metadata:    fm.Metadata,
		}
		if fm.ID != "" {
			if f.ID, err = id.ParseFeatureID(fm.ID); err != nil {
				return nil, fmt.Errorf("parse feature ID %q: %w", fm.ID, err)
			}
		}
		features[i] = f
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:          planID,
		Name:        m.Name,
		Slug:        m.Slug,
		Description: m.Description,
		Price:       price,
		Currency:    m.Currency,
		Cadence:     period.Cadence(m.Cadence),
		TrialDays:   m.TrialDays,
		Active:      m.Active,
		Popular:     m.Popular,
		SortOrder:   m.SortOrder,
		Features:    features,
		Metadata:    m.Metadata,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:entitle_subscriptions"`

	ID                 string            `grove:"id,pk"                bson:"_id"`
	AccountID          string            `grove:"account_id"           bson:"account_id"`
	PlanID             string            `grove:"plan_id"              bson:"plan_id"`
	Status             string            `grove:"status"               bson:"status"`
	TrialEndsAt        *time.Time        `grove:"trial_ends_at"        bson:"trial_ends_at,omitempty"`
	CurrentPeriodStart time.Time         `grove:"current_period_start" bson:"current_period_start"`
	CurrentPeriodEnd   time.Time         `grove:"current_period_end"   bson:"current_period_end"`
	CancelledAt        *time.Time        `grove:"cancelled_at"         bson:"cancelled_at,omitempty"`
	EndsAt             *time.Time        `grove:"ends_at"              bson:"ends_at,omitempty"`
	CancellationReason string            `grove:"cancellation_reason"  bson:"cancellation_reason,omitempty"`
	Amount             string            `grove:"amount"               bson:"amount"`
	Currency           string            `grove:"currency"             bson:"currency"`
	Metadata           map[string]string `grove:"metadata"             bson:"metadata,omitempty"`
	Version            int64             `grove:"version"              bson:"version"`
	CreatedAt          time.Time         `grove:"created_at"           bson:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"           bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                 s.ID.String(),
		AccountID:          s.AccountID,
		PlanID:             s.PlanID.String(),
		Status:             string(s.Status),
		TrialEndsAt:        milliPtr(s.TrialEndsAt),
		CurrentPeriodStart: milli(s.CurrentPeriodStart),
		CurrentPeriodEnd:   milli(s.CurrentPeriodEnd),
		CancelledAt:        milliPtr(s.CancelledAt),
		EndsAt:             milliPtr(s.EndsAt),
		CancellationReason: s.CancellationReason,
		Amount:             s.Amount.Amount.String(),
		Currency:           s.Amount.Currency,
		Metadata:           s.Metadata,
		Version:            s.Version,
		CreatedAt:          milli(s.CreatedAt),
		UpdatedAt:          milli(s.UpdatedAt),
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, fmt.Errorf("parse plan ID %q: %w", m.PlanID, err)
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse subscription amount %q: %w", m.Amount, err)
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                 subID,
		AccountID:          m.AccountID,
		PlanID:             planID,
		Status:             subscription.Status(m.Status),
		TrialEndsAt:        utcPtr(m.TrialEndsAt),
		CurrentPeriodStart: m.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   m.CurrentPeriodEnd.UTC(),
		CancelledAt:        utcPtr(m.CancelledAt),
		EndsAt:             utcPtr(m.EndsAt),
		CancellationReason: m.CancellationReason,
		Amount:             types.NewMoney(amount, m.Currency),
		Metadata:           m.Metadata,
		Version:            m.Version,
	}, nil
}

// ==================== Usage models ====================

type usageRecordModel struct {
	grove.BaseModel `grove:"table:entitle_usage_records"`

	ID             string            `grove:"id,pk"           bson:"_id"`
	SubscriptionID string            `grove:"subscription_id" bson:"subscription_id"`
	FeatureKey     string            `grove:"feature_key"     bson:"feature_key"`
	Used           int64             `grove:"used"            bson:"used"`
	PeriodStart    time.Time         `grove:"period_start"    bson:"period_start"`
	PeriodEnd      time.Time         `grove:"period_end"      bson:"period_end"`
	Metadata       map[string]string `grove:"metadata"        bson:"metadata,omitempty"`
	CreatedAt      time.Time         `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time         `grove:"updated_at"      bson:"updated_at"`
}

func toUsageRecordModel(r *usage.Record) *usageRecordModel {
	return &usageRecordModel{
		ID:             r.ID.String(),
		SubscriptionID: r.SubscriptionID.String(),
		FeatureKey:     r.FeatureKey,
		Used:           r.Used,
		PeriodStart:    milli(r.PeriodStart),
		PeriodEnd:      milli(r.PeriodEnd),
		Metadata:       r.Metadata,
		CreatedAt:      milli(r.CreatedAt),
		UpdatedAt:      milli(r.UpdatedAt),
	}
}

func fromUsageRecordModel(m *usageRecordModel) (*usage.Record, error) {
	recID, err := id.ParseUsageID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse usage ID %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}

	return &usage.Record{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:             recID,
		SubscriptionID: subID,
		FeatureKey:     m.FeatureKey,
		Used:           m.Used,
		PeriodStart:    m.PeriodStart.UTC(),
		PeriodEnd:      m.PeriodEnd.UTC(),
		Metadata:       m.Metadata,
	}, nil
}

func milli(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func milliPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := milli(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
