package subscription

import (
	"strconv"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusTrial,
	StatusActive,
	StatusPastDue,
	StatusCancelled,
	StatusSuspended,
	StatusExpired,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Holding reports whether a subscription in status s counts towards the
// one-subscription-per-account rule.
func (s Status) Holding() bool {
	switch s {
	case StatusPending, StatusTrial, StatusActive, StatusPastDue, StatusSuspended:
		return true
	}
	return false
}

// Metadata keys written by the engine.
const (
	MetaCancellationReason = "cancellation_reason"
	MetaStartTrial         = "start_trial"
	MetaSuspensionReason   = "suspension_reason"
	MetaBillingAnchor      = "billing_anchor_day"
)

type Subscription struct {
	types.Entity
	ID                 id.SubscriptionID `json:"id"`
	AccountID          string            `json:"account_id"`
	PlanID             id.PlanID         `json:"plan_id"`
	Status             Status            `json:"status"`
	TrialEndsAt        *time.Time        `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	EndsAt             *time.Time        `json:"ends_at,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	Amount             types.Money       `json:"amount"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	// Version is bumped by the store on every successful update.
	Version int64 `json:"version"`
}

// OnTrial reports whether the subscription is in a running trial.
func (s *Subscription) OnTrial(now time.Time) bool {
	return s.Status == StatusTrial && s.TrialEndsAt != nil && now.Before(*s.TrialEndsAt)
}

// TrialOver reports whether a trial subscription has reached its trial end.
func (s *Subscription) TrialOver(now time.Time) bool {
	return s.Status == StatusTrial && s.TrialEndsAt != nil && !now.Before(*s.TrialEndsAt)
}

// IsCancelled reports whether the subscription has been cancelled.
func (s *Subscription) IsCancelled() bool { return s.Status == StatusCancelled }

// Lapsed reports whether the effective end has passed.
func (s *Subscription) Lapsed(now time.Time) bool {
	return s.EndsAt != nil && !now.Before(*s.EndsAt)
}

// IsValid reports whether the subscription is active or on trial and has
// not lapsed.
func (s *Subscription) IsValid(now time.Time) bool {
	switch s.Status {
	case StatusActive:
		return !s.Lapsed(now)
	case StatusTrial:
		return s.OnTrial(now)
	}
	return false
}

// Usable reports whether features may be used right now. Active and
// past-due subscriptions stay usable until the grace period after the
// period end runs out; cancelled ones until their effective end.
func (s *Subscription) Usable(now time.Time, grace time.Duration) bool {
	switch s.Status {
	case StatusActive, StatusPastDue:
		return now.Before(s.CurrentPeriodEnd.Add(grace))
	case StatusTrial:
		if s.TrialEndsAt == nil {
			return now.Before(s.CurrentPeriodEnd)
		}
		return now.Before(*s.TrialEndsAt)
	case StatusCancelled:
		return s.EndsAt != nil && now.Before(*s.EndsAt)
	}
	return false
}

// RenewalDue reports whether the current period has ended.
func (s *Subscription) RenewalDue(now time.Time) bool {
	return !now.Before(s.CurrentPeriodEnd)
}

// DaysRemaining returns the whole days left in the current period.
func (s *Subscription) DaysRemaining(now time.Time) int {
	return period.RemainingDays(now, s.CurrentPeriodEnd)
}

// TrialDaysRemaining returns the whole days left in the trial, or 0.
func (s *Subscription) TrialDaysRemaining(now time.Time) int {
	if s.TrialEndsAt == nil {
		return 0
	}
	return period.RemainingDays(now, *s.TrialEndsAt)
}

// IsEndingSoon reports whether the effective end falls within days.
func (s *Subscription) IsEndingSoon(now time.Time, days int) bool {
	if s.EndsAt == nil {
		return false
	}
	return absDays(s.EndsAt.Sub(now)) <= days
}

// IsTrialEndingSoon reports whether the trial end falls within days.
func (s *Subscription) IsTrialEndingSoon(now time.Time, days int) bool {
	if s.TrialEndsAt == nil {
		return false
	}
	return absDays(s.TrialEndsAt.Sub(now)) <= days
}

// SetMeta sets a metadata key, allocating the map when needed.
func (s *Subscription) SetMeta(key, value string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
}

// StartPeriod begins a fresh period chain at start with the given cadence
// and records start's day of month as the billing anchor.
func (s *Subscription) StartPeriod(start time.Time, c period.Cadence) {
	s.SetMeta(MetaBillingAnchor, strconv.Itoa(start.Day()))
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = period.End(start, c)
}

// AdvancePeriod moves to the period following the current one. Month-based
// cadences land on the billing anchor day whenever the month has it.
func (s *Subscription) AdvancePeriod(c period.Cadence) {
	start := s.CurrentPeriodEnd
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = period.EndAnchored(start, c, s.AnchorDay())
}

// AnchorDay is the day of month the billing cycle is anchored on. Older
// records without an anchor use the current period's start day.
func (s *Subscription) AnchorDay() int {
	if d, err := strconv.Atoi(s.Metadata[MetaBillingAnchor]); err == nil && d >= 1 && d <= 31 {
		return d
	}
	return s.CurrentPeriodStart.Day()
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.TrialEndsAt = cloneTime(s.TrialEndsAt)
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.EndsAt = cloneTime(s.EndsAt)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func absDays(d time.Duration) int {
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}
