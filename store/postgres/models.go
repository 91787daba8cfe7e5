package postgres

import (
	"encoding/json"
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

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:entitle_plans"`

	ID          string            `grove:"id,pk"`
	Name        string            `grove:"name"`
	Slug        string            `grove:"slug"`
	Description string            `grove:"description"`
	Price       string            `grove:"price"`
	Currency    string            `grove:"currency"`
	Cadence     string            `grove:"cadence"`
	TrialDays   int               `grove:"trial_days"`
	Active      bool              `grove:"active"`
	Popular     bool              `grove:"popular"`
	SortOrder   int               `grove:"sort_order"`
	Features    json.RawMessage   `grove:"features,type:jsonb"`
	Metadata    map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt   time.Time         `grove:"created_at"`
	UpdatedAt   time.Time         `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) (*planModel, error) {
	features, err := json.Marshal(p.Features)
	if err != nil {
		return nil, err
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
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, err
	}

	var features []plan.Feature
	if len(m.Features) > 0 {
		if err := json.Unmarshal(m.Features, &features); err != nil {
			return nil, err
		}
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
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

	ID                 string            `grove:"id,pk"`
	AccountID          string            `grove:"account_id"`
	PlanID             string            `grove:"plan_id"`
	Status             string            `grove:"status"`
	TrialEndsAt        *time.Time        `grove:"trial_ends_at"`
	CurrentPeriodStart time.Time         `grove:"current_period_start"`
	CurrentPeriodEnd   time.Time         `grove:"current_period_end"`
	CancelledAt        *time.Time        `grove:"cancelled_at"`
	EndsAt             *time.Time        `grove:"ends_at"`
	CancellationReason string            `grove:"cancellation_reason"`
	Amount             string            `grove:"amount"`
	Currency           string            `grove:"currency"`
	Metadata           map[string]string `grove:"metadata,type:jsonb"`
	Version            int64             `grove:"version"`
	CreatedAt          time.Time         `grove:"created_at"`
	UpdatedAt          time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                 s.ID.String(),
		AccountID:          s.AccountID,
		PlanID:             s.PlanID.String(),
		Status:             string(s.Status),
		TrialEndsAt:        s.TrialEndsAt,
		CurrentPeriodStart: micro(s.CurrentPeriodStart),
		CurrentPeriodEnd:   micro(s.CurrentPeriodEnd),
		CancelledAt:        s.CancelledAt,
		EndsAt:             s.EndsAt,
		CancellationReason: s.CancellationReason,
		Amount:             s.Amount.Amount.String(),
		Currency:           s.Amount.Currency,
		Metadata:           s.Metadata,
		Version:            s.Version,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return nil, err
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

	ID             string            `grove:"id,pk"`
	SubscriptionID string            `grove:"subscription_id"`
	FeatureKey     string            `grove:"feature_key"`
	Used           int64             `grove:"used"`
	PeriodStart    time.Time         `grove:"period_start"`
	PeriodEnd      time.Time         `grove:"period_end"`
	Metadata       map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt      time.Time         `grove:"created_at"`
	UpdatedAt      time.Time         `grove:"updated_at"`
}

func toUsageRecordModel(r *usage.Record) *usageRecordModel {
	return &usageRecordModel{
		ID:             r.ID.String(),
		SubscriptionID: r.SubscriptionID.String(),
		FeatureKey:     r.FeatureKey,
		Used:           r.Used,
		PeriodStart:    micro(r.PeriodStart),
		PeriodEnd:      micro(r.PeriodEnd),
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromUsageRecordModel(m *usageRecordModel) (*usage.Record, error) {
	recID, err := id.ParseUsageID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
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

// micro truncates t to the precision of a TIMESTAMPTZ column so period
// starts written and looked up by the engine compare equal.
func micro(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
