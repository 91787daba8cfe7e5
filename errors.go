package entitle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/entitle/subscription"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound            = errors.New("entitle: not found")
	ErrAlreadyExists       = errors.New("entitle: already exists")
	ErrInvalidInput        = errors.New("entitle: invalid input")
	ErrForbidden           = errors.New("entitle: forbidden")
	ErrOperationNotAllowed = errors.New("entitle: operation not allowed by policy")

	// Plan errors
	ErrPlanNotFound    = errors.New("entitle: plan not found")
	ErrPlanInactive    = errors.New("entitle: plan is not active")
	ErrPlanInUse       = errors.New("entitle: plan is in use by subscriptions")
	ErrFeatureNotFound = errors.New("entitle: feature not found")

	// Subscription errors
	ErrSubscriptionNotFound       = errors.New("entitle: subscription not found")
	ErrDuplicateSubscription      = errors.New("entitle: account already holds a subscription")
	ErrInvalidTransition          = errors.New("entitle: invalid transition")
	ErrSubscriptionNotCancellable = errors.New("entitle: subscription cannot be cancelled")
	ErrSubscriptionNotResumable   = errors.New("entitle: subscription cannot be resumed")
	ErrSamePlan                   = errors.New("entitle: subscription is already on this plan")
	ErrRenewalNotDue              = errors.New("entitle: renewal not due")

	// Usage errors
	ErrQuotaExceeded         = errors.New("entitle: quota exceeded")
	ErrFeatureTypeMismatch   = errors.New("entitle: feature type does not support this operation")
	ErrUsageRecordNotFound   = errors.New("entitle: usage record not found")
	ErrSubscriptionNotUsable = errors.New("entitle: subscription does not grant access")
	ErrNoCurrentSubscription = errors.New("entitle: account has no current subscription")

	// Store errors
	ErrConcurrentUpdate = errors.New("entitle: concurrent update")
	ErrStoreNotReady    = errors.New("entitle: store not ready")
	ErrMigrationFailed  = errors.New("entitle: migration failed")

	// Cache errors
	ErrCacheMiss = errors.New("entitle: cache miss")
)

// Error is returned by engine operations. It wraps a sentinel and carries
// the identifiers of the subscription and feature involved.
type Error struct {
	Op             string
	SubscriptionID string
	FeatureKey     string
	From           subscription.Status
	To             subscription.Status
	Err            error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	b.WriteString(" (op=")
	b.WriteString(e.Op)
	if e.SubscriptionID != "" {
		b.WriteString(" subscription=")
		b.WriteString(e.SubscriptionID)
	}
	if e.FeatureKey != "" {
		b.WriteString(" feature=")
		b.WriteString(e.FeatureKey)
	}
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " from=%s to=%s", e.From, e.To)
	}
	b.WriteString(")")
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match validation failures.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "entitle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("entitle: %d errors occurred", len(e.Errors))
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// ErrOrNil returns e when it holds errors, nil otherwise.
func (e MultiError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrFeatureNotFound) ||
		errors.Is(err, ErrUsageRecordNotFound) ||
		errors.Is(err, ErrNoCurrentSubscription)
}

// IsQuotaError returns true if the error is related to quota/limits.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrSubscriptionNotUsable)
}

// IsTransitionError returns true if a lifecycle guard refused the operation.
func IsTransitionError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSubscriptionNotCancellable) ||
		errors.Is(err, ErrSubscriptionNotResumable) ||
		errors.Is(err, ErrOperationNotAllowed)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) ||
		errors.Is(err, ErrStoreNotReady)
}

func opError(op string, subID fmt.Stringer, err error) *Error {
	e := &Error{Op: op, Err: err}
	if subID != nil {
		e.SubscriptionID = subID.String()
	}
	return e
}

func featureError(op string, subID fmt.Stringer, key string, err error) *Error {
	e := opError(op, subID, err)
	e.FeatureKey = key
	return e
}

func transitionError(op string, sub *subscription.Subscription, to subscription.Status, err error) *Error {
	return &Error{
		Op:             op,
		SubscriptionID: sub.ID.String(),
		From:           sub.Status,
		To:             to,
		Err:            err,
	}
}
