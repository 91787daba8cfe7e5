package entitle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// errUnchanged tells update that the mutation found nothing to write.
var errUnchanged = errors.New("entitle: unchanged")

// CreateOpts controls the initial status of a new subscription.
type CreateOpts struct {
	// StartTrial starts a trial when the plan offers one and trials are
	// enabled. Combined with Pending, the trial starts on payment.
	StartTrial bool

	// Pending creates the subscription awaiting its first payment.
	Pending bool

	Metadata map[string]string
}

// ──────────────────────────────────────────────────
// Subscription lifecycle
// ──────────────────────────────────────────────────

// CreateSubscription subscribes an account to an active plan. Unless
// AllowMultipleSubscriptions is set, an account holding a pending, trial,
// active, past-due or suspended subscription is refused.
func (e *Engine) CreateSubscription(ctx context.Context, accountID string, planID id.PlanID, opts CreateOpts) (*subscription.Subscription, error) {
	const op = "create_subscription"

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}

	p, err := e.loadPlan(ctx, planID)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if !p.Active {
		return nil, &Error{Op: op, Err: ErrPlanInactive}
	}

	unlock := e.subLocks.Lock("account:" + accountID)
	defer unlock()

	if !e.config.AllowMultipleSubscriptions {
		held, err := e.store.CountSubscriptions(ctx, subscription.ListOpts{
			AccountID: accountID,
			Statuses:  holdingStatuses(),
		})
		if err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		if held > 0 {
			return nil, &Error{Op: op, Err: ErrDuplicateSubscription}
		}
	}

	now := e.now()
	sub := &subscription.Subscription{
		Entity:    types.NewEntityAt(now),
		ID:        id.NewSubscriptionID(),
		AccountID: accountID,
		PlanID:    p.ID,
		Status:    subscription.StatusActive,
		Amount:    p.PriceMoney(),
	}
	for k, v := range opts.Metadata {
		sub.SetMeta(k, v)
	}
	sub.StartPeriod(now, p.Cadence)

	wantTrial := opts.StartTrial && e.config.TrialEnabled && p.HasTrial()
	switch {
	case opts.Pending:
		sub.Status = subscription.StatusPending
		if wantTrial {
			sub.SetMeta(subscription.MetaStartTrial, "true")
		}
	case wantTrial:
		sub.Status = subscription.StatusTrial
		trialEnd := now.AddDate(0, 0, p.TrialDays)
		sub.TrialEndsAt = &trialEnd
	}

	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return nil, opError(op, sub.ID, err)
	}

	if err := e.initializePeriod(ctx, sub, p); err != nil {
		return nil, opError(op, sub.ID, err)
	}

	e.plugins.EmitSubscriptionCreated(ctx, sub)
	e.logger.Info("subscription created",
		"subscription_id", sub.ID.String(),
		"account_id", accountID,
		"plan", p.Slug,
		"status", sub.Status,
	)
	return sub, nil
}

// GetSubscription returns a subscription by id.
func (e *Engine) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// ListSubscriptions returns subscriptions matching opts.
func (e *Engine) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, opts)
}

// CurrentSubscription returns the account's newest subscription that still
// holds its slot (pending, trial, active, past-due or suspended), falling
// back to a cancelled one that has not lapsed yet.
func (e *Engine) CurrentSubscription(ctx context.Context, accountID string) (*subscription.Subscription, error) {
	subs, err := e.store.ListSubscriptions(ctx, subscription.ListOpts{
		AccountID: accountID,
		Statuses:  append(holdingStatuses(), subscription.StatusCancelled),
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	var fallback *subscription.Subscription
	for _, sub := range subs {
		if sub.Status.Holding() {
			return sub, nil
		}
		if fallback == nil && !sub.Lapsed(now) {
			fallback = sub
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoCurrentSubscription
}

// ConvertTrial moves a trial subscription to active.
func (e *Engine) ConvertTrial(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	const op = "convert_trial"

	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, _ time.Time) error {
		if sub.Status != subscription.StatusTrial {
			return transitionError(op, sub, subscription.StatusActive, ErrInvalidTransition)
		}
		sub.Status = subscription.StatusActive
		sub.TrialEndsAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.statusChanged(ctx, sub, from)
	return sub, nil
}

// Cancel cancels a trial, active or past-due subscription. Access ends now
// when immediate is set, otherwise at the end of the current period.
func (e *Engine) Cancel(ctx context.Context, subID id.SubscriptionID, immediate bool, reason string) (*subscription.Subscription, error) {
	const op = "cancel"

	if !e.config.AllowCancellation {
		return nil, opError(op, subID, ErrOperationNotAllowed)
	}

	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, now time.Time) error {
		switch sub.Status {
		case subscription.StatusTrial, subscription.StatusActive, subscription.StatusPastDue:
		default:
			return transitionError(op, sub, subscription.StatusCancelled, ErrSubscriptionNotCancellable)
		}

		endsAt := sub.CurrentPeriodEnd
		if immediate {
			endsAt = now
		}
		cancelledAt := now
		sub.Status = subscription.StatusCancelled
		sub.CancelledAt = &cancelledAt
		sub.EndsAt = &endsAt
		sub.CancellationReason = reason
		if reason != "" {
			sub.SetMeta(subscription.MetaCancellationReason, reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidateFeatures(ctx, sub.ID)
	e.plugins.EmitSubscriptionCancelled(ctx, sub)
	e.statusChanged(ctx, sub, from)
	return sub, nil
}

// Resume reactivates a cancelled subscription whose effective end has not
// passed yet.
func (e *Engine) Resume(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	const op = "resume"

	if !e.config.AllowResumption {
		return nil, opError(op, subID, ErrOperationNotAllowed)
	}

	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, now time.Time) error {
		if sub.Status != subscription.StatusCancelled || sub.EndsAt == nil || !now.Before(*sub.EndsAt) {
			return transitionError(op, sub, subscription.StatusActive, ErrSubscriptionNotResumable)
		}
		sub.Status = subscription.StatusActive
		sub.CancelledAt = nil
		sub.EndsAt = nil
		sub.CancellationReason = ""
		delete(sub.Metadata, subscription.MetaCancellationReason)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidateFeatures(ctx, sub.ID)
	e.plugins.EmitSubscriptionResumed(ctx, sub)
	e.statusChanged(ctx, sub, from)
	return sub, nil
}

// RecordPaymentOutcome is the entry point for the payment gateway.
//
// On success a pending subscription is confirmed (trial when requested at
// creation, otherwise active) with its period re-based to now, a trial past
// its end converts to active, a past-due subscription recovers, and a
// subscription whose period has ended is renewed. On failure an active
// subscription becomes past due; other statuses only record the event.
func (e *Engine) RecordPaymentOutcome(ctx context.Context, subID id.SubscriptionID, succeeded bool) (*subscription.Subscription, error) {
	const op = "record_payment"

	var (
		renewed bool
		rebased bool
		p       *plan.Plan
	)

	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, now time.Time) error {
		renewed, rebased = false, false

		var err error
		p, err = e.loadPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		if !succeeded {
			switch sub.Status {
			case subscription.StatusActive:
				sub.Status = subscription.StatusPastDue
				return nil
			case subscription.StatusExpired:
				return transitionError(op, sub, subscription.StatusPastDue, ErrInvalidTransition)
			}
			return errUnchanged
		}

		switch sub.Status {
		case subscription.StatusPending:
			sub.StartPeriod(now, p.Cadence)
			sub.Amount = p.PriceMoney()
			rebased = true
			if sub.Metadata[subscription.MetaStartTrial] == "true" && p.HasTrial() && e.config.TrialEnabled {
				trialEnd := now.AddDate(0, 0, p.TrialDays)
				sub.Status = subscription.StatusTrial
				sub.TrialEndsAt = &trialEnd
			} else {
				sub.Status = subscription.StatusActive
			}
			delete(sub.Metadata, subscription.MetaStartTrial)
			return nil

		case subscription.StatusTrial:
			if !sub.TrialOver(now) && !sub.RenewalDue(now) {
				return errUnchanged
			}
			sub.Status = subscription.StatusActive
			sub.TrialEndsAt = nil

		case subscription.StatusPastDue:
			sub.Status = subscription.StatusActive

		case subscription.StatusActive:
			if !sub.RenewalDue(now) {
				return errUnchanged
			}

		default:
			return transitionError(op, sub, subscription.StatusActive, ErrInvalidTransition)
		}

		if sub.RenewalDue(now) {
			advancePeriod(sub, p)
			renewed = true
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		sub, err = e.store.GetSubscription(ctx, subID)
		if err != nil {
			return nil, opError(op, subID, err)
		}
		from = sub.Status
	} else if err != nil {
		return nil, err
	}

	if renewed || rebased {
		if err := e.initializePeriod(ctx, sub, p); err != nil {
			return nil, opError(op, sub.ID, err)
		}
	}
	if renewed {
		e.plugins.EmitSubscriptionRenewed(ctx, sub)
	}
	if succeeded {
		e.plugins.EmitPaymentSucceeded(ctx, sub)
	} else {
		e.plugins.EmitPaymentFailed(ctx, sub)
		e.logger.Warn("payment failed",
			"subscription_id", sub.ID.String(),
			"account_id", sub.AccountID,
			"status", sub.Status,
		)
	}
	if from != sub.Status {
		e.invalidateFeatures(ctx, sub.ID)
	}
	e.statusChanged(ctx, sub, from)
	return sub, nil
}

// Renew advances an active or past-due subscription whose period has ended
// to its next period, as after a successful charge.
func (e *Engine) Renew(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	const op = "renew"

	var p *plan.Plan
	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, now time.Time) error {
		switch sub.Status {
		case subscription.StatusActive, subscription.StatusPastDue:
		default:
			return transitionError(op, sub, subscription.StatusActive, ErrInvalidTransition)
		}
		if !sub.RenewalDue(now) {
			return opError(op, sub.ID, ErrRenewalNotDue)
		}

		var err error
		p, err = e.loadPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		sub.Status = subscription.StatusActive
		advancePeriod(sub, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.initializePeriod(ctx, sub, p); err != nil {
		return nil, opError(op, sub.ID, err)
	}
	e.plugins.EmitSubscriptionRenewed(ctx, sub)
	e.statusChanged(ctx, sub, from)
	return sub, nil
}

// Suspend blocks all feature access of an active subscription. It is an
// administrative operation.
func (e *Engine) Suspend(ctx context.Context, subID id.SubscriptionID, reason string) (*subscription.Subscription, error) {
	const op = "suspend"

	if err := e.requireAdmin(ctx, op); err != nil {
		return nil, err
	}

	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, _ time.Time) error {
		if err := transition(op, sub, subscription.StatusSuspended); err != nil {
			return err
		}
		if reason != "" {
			sub.SetMeta(subscription.MetaSuspensionReason, reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidateFeatures(ctx, sub.ID)
	e.statusChanged(ctx, sub, from)
	return sub, nil
}

// Unsuspend restores a suspended subscription to active.
func (e *Engine) Unsuspend(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	const op = "unsuspend"

	if err := e.requireAdmin(ctx, op); err != nil {
		return nil, err
	}

	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, _ time.Time) error {
		if sub.Status != subscription.StatusSuspended {
			return transitionError(op, sub, subscription.StatusActive, ErrInvalidTransition)
		}
		sub.Status = subscription.StatusActive
		delete(sub.Metadata, subscription.MetaSuspensionReason)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidateFeatures(ctx, sub.ID)
	e.statusChanged(ctx, sub, from)
	return sub, nil
}

// ChangePlan moves an active or trial subscription to another active plan.
// Period boundaries are kept; counters of features present on both plans
// are preserved and new features start at zero. When prorate is set and
// proration is enabled, the price difference for the rest of the period
// is returned. It is never charged.
func (e *Engine) ChangePlan(ctx context.Context, subID id.SubscriptionID, newPlanID id.PlanID, prorate bool) (*subscription.Subscription, *subscription.Proration, error) {
	const op = "change_plan"

	if !e.config.AllowPlanChanges {
		return nil, nil, opError(op, subID, ErrOperationNotAllowed)
	}

	newPlan, err := e.loadPlan(ctx, newPlanID)
	if err != nil {
		return nil, nil, opError(op, subID, err)
	}
	if !newPlan.Active {
		return nil, nil, opError(op, subID, ErrPlanInactive)
	}

	var (
		oldPlan   *plan.Plan
		proration *subscription.Proration
	)
	sub, _, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, now time.Time) error {
		proration = nil
		if sub.PlanID.String() == newPlanID.String() {
			return opError(op, sub.ID, ErrSamePlan)
		}
		switch sub.Status {
		case subscription.StatusActive, subscription.StatusTrial:
		default:
			return transitionError(op, sub, sub.Status, ErrInvalidTransition)
		}

		var err error
		oldPlan, err = e.loadPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		if prorate && e.config.ProrationEnabled {
			pr := subscription.Prorate(oldPlan.Price, newPlan.Price, newPlan.Currency,
				sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
			proration = &pr
		}

		sub.PlanID = newPlan.ID
		sub.Amount = newPlan.PriceMoney()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if err := e.initializePeriod(ctx, sub, newPlan); err != nil {
		return nil, nil, opError(op, sub.ID, err)
	}

	e.invalidateFeatures(ctx, sub.ID)
	e.plugins.EmitSubscriptionChanged(ctx, sub, oldPlan, newPlan, proration)
	e.logger.Info("subscription plan changed",
		"subscription_id", sub.ID.String(),
		"from_plan", oldPlan.Slug,
		"to_plan", newPlan.Slug,
	)
	return sub, proration, nil
}

// CheckRenewal applies the time-based transitions to one subscription:
//
//   - cancelled past its effective end expires;
//   - active past its period end becomes past due, or expires once the
//     grace period has also run out;
//   - past due past period end plus grace expires;
//   - trial past trial end plus grace expires;
//   - pending past period end plus grace expires.
//
// A trial ending within the notice window emits a trial-ending event.
func (e *Engine) CheckRenewal(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	const op = "check_renewal"
	grace := e.config.GracePeriod()

	sub, from, err := e.update(ctx, op, subID, func(sub *subscription.Subscription, now time.Time) error {
		switch sub.Status {
		case subscription.StatusCancelled:
			if sub.Lapsed(now) {
				return transition(op, sub, subscription.StatusExpired)
			}
		case subscription.StatusActive:
			if !sub.RenewalDue(now) {
				break
			}
			if !now.Before(sub.CurrentPeriodEnd.Add(grace)) {
				return transition(op, sub, subscription.StatusExpired)
			}
			return transition(op, sub, subscription.StatusPastDue)
		case subscription.StatusPastDue, subscription.StatusPending:
			if !now.Before(sub.CurrentPeriodEnd.Add(grace)) {
				return transition(op, sub, subscription.StatusExpired)
			}
		case subscription.StatusTrial:
			end := sub.CurrentPeriodEnd
			if sub.TrialEndsAt != nil {
				end = *sub.TrialEndsAt
			}
			if !now.Before(end.Add(grace)) {
				return transition(op, sub, subscription.StatusExpired)
			}
		}
		return errUnchanged
	})
	if errors.Is(err, errUnchanged) {
		sub, err = e.store.GetSubscription(ctx, subID)
		if err != nil {
			return nil, opError(op, subID, err)
		}
		from = sub.Status
	} else if err != nil {
		return nil, err
	}

	now := e.now()
	if sub.OnTrial(now) && sub.IsTrialEndingSoon(now, e.config.TrialEndingNoticeDays) {
		e.plugins.EmitTrialEnding(ctx, sub, sub.TrialDaysRemaining(now))
	}

	if from != sub.Status {
		e.invalidateFeatures(ctx, sub.ID)
		if sub.Status == subscription.StatusExpired {
			e.plugins.EmitSubscriptionExpired(ctx, sub)
		}
		e.statusChanged(ctx, sub, from)
	}
	return sub, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// update runs mutate on a fresh copy of the subscription under the
// per-subscription lock and writes it back with a version check. It
// returns the stored subscription and the status it had before.
func (e *Engine) update(
	ctx context.Context,
	op string,
	subID id.SubscriptionID,
	mutate func(sub *subscription.Subscription, now time.Time) error,
) (*subscription.Subscription, subscription.Status, error) {
	unlock := e.subLocks.Lock(subID.String())
	defer unlock()

	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, "", opError(op, subID, err)
	}
	from := sub.Status
	expected := sub.Version
	now := e.now()

	if err := mutate(sub, now); err != nil {
		var typed *Error
		if errors.Is(err, errUnchanged) || errors.As(err, &typed) {
			return nil, from, err
		}
		return nil, from, opError(op, subID, err)
	}

	sub.Touch(now)
	if err := e.store.UpdateSubscription(ctx, sub, expected); err != nil {
		return nil, from, opError(op, subID, err)
	}
	return sub, from, nil
}

// statusChanged emits and logs a committed status change.
func (e *Engine) statusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) {
	if from == sub.Status {
		return
	}
	e.plugins.EmitStatusChanged(ctx, sub, from, sub.Status)
	e.logger.Info("subscription status changed",
		"subscription_id", sub.ID.String(),
		"from", from,
		"to", sub.Status,
	)
}

// transition moves sub to status to if the transition table allows it.
func transition(op string, sub *subscription.Subscription, to subscription.Status) error {
	if !subscription.CanTransition(sub.Status, to) {
		return transitionError(op, sub, to, ErrInvalidTransition)
	}
	sub.Status = to
	return nil
}

// advancePeriod starts the period following the current one.
func advancePeriod(sub *subscription.Subscription, p *plan.Plan) {
	sub.AdvancePeriod(p.Cadence)
	sub.Amount = p.PriceMoney()
}

func holdingStatuses() []subscription.Status {
	out := make([]subscription.Status, 0, len(subscription.AllStatuses))
	for _, s := range subscription.AllStatuses {
		if s.Holding() {
			out = append(out, s)
		}
	}
	return out
}
