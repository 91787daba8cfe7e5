package sqlite

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

// Timestamps are stored as INTEGER microseconds since the Unix epoch so
// range filters compare numerically. JSON columns are TEXT.

// ==================== Plan models ====================

type planModel struct {
	grove.BaseModel `grove:"table:entitle_plans"`

	ID          string `grove:"id,pk"`
	Name        string `grove:"name"`
	Slug        string `grove:"slug"`
	Description string `grove:"description"`
	Price       string `grove:"price"`
	Currency    string `grove:"currency"`
	Cadence     string `grove:"cadence"`
	TrialDays   int    `grove:"trial_days"`
	Active      bool   `grove:"active"`
	Popular     bool   `grove:"popular"`
	SortOrder   int    `grove:"sort_order"`
	Features    string `grove:"features"`
	Metadata    string `grove:"metadata"`
	CreatedAt   int64  `grove:"created_at"`
	UpdatedAt   int64  `grove:"updated_at"`
}

func toPlanModel(p *plan.Plan) (*planModel, error) {
	features, err := json.Marshal(p.Features)
	if err != nil {
		return nil, err
	}
	metadata, err := encodeMeta(p.Metadata)
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
		Features:    string(features),
		Metadata:    metadata,
		CreatedAt:   toMicros(p.CreatedAt),
		UpdatedAt:   toMicros(p.UpdatedAt),
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
	if m.Features != "" {
		if err := json.Unmarshal([]byte(m.Features), &features); err != nil {
			return nil, err
		}
	}
	metadata, err := decodeMeta(m.Metadata)
	if err != nil {
		return nil, err
	}

	return &plan.Plan{
		Entity: types.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
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
		Metadata:    metadata,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:entitle_subscriptions"`

	ID                 string `grove:"id,pk"`
	AccountID          string `grove:"account_id"`
	PlanID             string `grove:"plan_id"`
	Status             string `grove:"status"`
	TrialEndsAt        *int64 `grove:"trial_ends_at"`
	CurrentPeriodStart int64  `grove:"current_period_start"`
	CurrentPeriodEnd   int64  `grove:"current_period_end"`
	CancelledAt        *int64 `grove:"cancelled_at"`
	EndsAt             *int64 `grove:"ends_at"`
	CancellationReason string `grove:"cancellation_reason"`
	Amount             string `grove:"amount"`
	Currency           string `grove:"currency"`
	Metadata           string `grove:"metadata"`
	Version            int64  `grove:"version"`
	CreatedAt          int64  `grove:"created_at"`
	UpdatedAt          int64  `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) (*subscriptionModel, error) {
	metadata, err := encodeMeta(s.Metadata)
	if err != nil {
		return nil, err
	}
	return &subscriptionModel{
		ID:                 s.ID.String(),
		AccountID:          s.AccountID,
		PlanID:             s.PlanID.String(),
		Status:             string(s.Status),
		TrialEndsAt:        toMicrosPtr(s.TrialEndsAt),
		CurrentPeriodStart: toMicros(s.CurrentPeriodStart),
		CurrentPeriodEnd:   toMicros(s.CurrentPeriodEnd),
		CancelledAt:        toMicrosPtr(s.CancelledAt),
		EndsAt:             toMicrosPtr(s.EndsAt),
		CancellationReason: s.CancellationReason,
		Amount:             s.Amount.Amount.String(),
		Currency:           s.Amount.Currency,
		Metadata:           metadata,
		Version:            s.Version,
		CreatedAt:          toMicros(s.CreatedAt),
		UpdatedAt:          toMicros(s.UpdatedAt),
	}, nil
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
	metadata, err := decodeMeta(m.Metadata)
	if err != nil {
		return nil, err
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
		},
		ID:                 subID,
		AccountID:          m.AccountID,
		PlanID:             planID,
		Status:             subscription.Status(m.Status),
		TrialEndsAt:        fromMicrosPtr(m.TrialEndsAt),
		CurrentPeriodStart: fromMicros(m.CurrentPeriodStart),
		CurrentPeriodEnd:   fromMicros(m.CurrentPeriodEnd),
		CancelledAt:        fromMicrosPtr(m.CancelledAt),
		EndsAt:             fromMicrosPtr(m.EndsAt),
		CancellationReason: m.CancellationReason,
		Amount:             types.NewMoney(amount, m.Currency),
		Metadata:           metadata,
		Version:            m.Version,
	}, nil
}

// ==================== Usage models ====================

type usageRecordModel struct {
	grove.BaseModel `grove:"table:entitle_usage_records"`

	ID             string `grove:"id,pk"`
	SubscriptionID string `grove:"subscription_id"`
	FeatureKey     string `grove:"feature_key"`
	Used           int64  `grove:"used"`
	PeriodStart    int64  `grove:"period_start"`
	PeriodEnd      int64  `grove:"period_end"`
	Metadata       string `grove:"metadata"`
	CreatedAt      int64  `grove:"created_at"`
	UpdatedAt      int64  `grove:"updated_at"`
}

func toUsageRecordModel(r *usage.Record) (*usageRecordModel, error) {
	metadata, err := encodeMeta(r.Metadata)
	if err != nil {
		return nil, err
	}
	return &usageRecordModel{
		ID:             r.ID.String(),
		SubscriptionID: r.SubscriptionID.String(),
		FeatureKey:     r.FeatureKey,
		Used:           r.Used,
		PeriodStart:    toMicros(r.PeriodStart),
		PeriodEnd:      toMicros(r.PeriodEnd),
		Metadata:       metadata,
		CreatedAt:      toMicros(r.CreatedAt),
		UpdatedAt:      toMicros(r.UpdatedAt),
	}, nil
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
	metadata, err := decodeMeta(m.Metadata)
	if err != nil {
		return nil, err
	}
	return &usage.Record{
		Entity: types.Entity{
			CreatedAt: fromMicros(m.CreatedAt),
			UpdatedAt: fromMicros(m.UpdatedAt),
		},
		ID:             recID,
		SubscriptionID: subID,
		FeatureKey:     m.FeatureKey,
		Used:           m.Used,
		PeriodStart:    fromMicros(m.PeriodStart),
		PeriodEnd:      fromMicros(m.PeriodEnd),
		Metadata:       metadata,
	}, nil
}

// ==================== Encoding helpers ====================

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func toMicrosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := toMicros(*t)
	return &v
}

func fromMicrosPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromMicros(*v)
	return &t
}

func encodeMeta(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMeta(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
