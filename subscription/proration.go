package subscription

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/types"
)

// ProrationType classifies a price adjustment.
type ProrationType string

const (
	ProrationCharge ProrationType = "charge"
	ProrationCredit ProrationType = "credit"
	ProrationNone   ProrationType = "none"
)

// Proration describes the price difference of a mid-period plan change.
// It is informational: nothing is charged or credited by the engine.
type Proration struct {
	Amount        types.Money   `json:"amount"`
	Type          ProrationType `json:"type"`
	RemainingDays int           `json:"remaining_days"`
	TotalDays     int           `json:"total_days"`
}

// Prorate computes (newPrice − oldPrice) × remaining/total days of the
// period [start, end) as seen at now, rounded to two decimal places.
func Prorate(oldPrice, newPrice decimal.Decimal, currency string, start, end, now time.Time) Proration {
	total := period.Days(start, end)
	remaining := period.RemainingDays(now, end)
	if remaining > total {
		remaining = total
	}

	p := Proration{
		Amount:        types.Zero(currency),
		Type:          ProrationNone,
		RemainingDays: remaining,
		TotalDays:     total,
	}
	if total == 0 || remaining == 0 {
		return p
	}

	amount := newPrice.Sub(oldPrice).
		Mul(decimal.NewFromInt(int64(remaining))).
		Div(decimal.NewFromInt(int64(total))).
		Round(2)
	p.Amount = types.NewMoney(amount, currency)

	switch {
	case amount.IsPositive():
		p.Type = ProrationCharge
	case amount.IsNegative():
		p.Type = ProrationCredit
	}
	return p
}
