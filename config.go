package entitle

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the policy knobs of the engine. Fields can be set in code or
// loaded from YAML (see the extension and entitlectl packages).
type Config struct {
	// GracePeriodDays is how long a past-due subscription keeps access after
	// its period end before it expires (default: 3).
	GracePeriodDays int `json:"grace_period_days" mapstructure:"grace_period_days" yaml:"grace_period_days" validate:"gte=0"`

	// AllowMultipleSubscriptions lets an account hold more than one
	// non-terminal subscription.
	AllowMultipleSubscriptions bool `json:"allow_multiple_subscriptions" mapstructure:"allow_multiple_subscriptions" yaml:"allow_multiple_subscriptions"`

	AllowPlanChanges    bool `json:"allow_plan_changes" mapstructure:"allow_plan_changes" yaml:"allow_plan_changes"`
	AllowCancellation   bool `json:"allow_cancellation" mapstructure:"allow_cancellation" yaml:"allow_cancellation"`
	AllowResumption     bool `json:"allow_resumption" mapstructure:"allow_resumption" yaml:"allow_resumption"`
	AllowUsageOverrides bool `json:"allow_usage_overrides" mapstructure:"allow_usage_overrides" yaml:"allow_usage_overrides"`

	// ProrationEnabled gates the informational proration returned by
	// ChangePlan.
	ProrationEnabled bool `json:"proration_enabled" mapstructure:"proration_enabled" yaml:"proration_enabled"`

	// TrialEnabled gates trials globally. When false, CreateSubscription
	// ignores StartTrial.
	TrialEnabled bool `json:"trial_enabled" mapstructure:"trial_enabled" yaml:"trial_enabled"`

	// NearLimitThreshold is the used/limit ratio at which a feature is
	// classified near_limit (default: 0.8).
	NearLimitThreshold float64 `json:"near_limit_threshold" mapstructure:"near_limit_threshold" yaml:"near_limit_threshold" validate:"gt=0,lte=1"`

	// TrialEndingNoticeDays is how many days before trial end the
	// trial-ending notification fires (default: 3).
	TrialEndingNoticeDays int `json:"trial_ending_notice_days" mapstructure:"trial_ending_notice_days" yaml:"trial_ending_notice_days" validate:"gte=0"`

	// CacheTTL bounds how long plans and feature sets are cached (default: 1h).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`

	// CacheSize bounds the number of cached plans and feature sets (default: 1024).
	CacheSize int `json:"cache_size" mapstructure:"cache_size" yaml:"cache_size" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriodDays:       3,
		AllowPlanChanges:      true,
		AllowCancellation:     true,
		AllowResumption:       true,
		ProrationEnabled:      true,
		TrialEnabled:          true,
		NearLimitThreshold:    0.8,
		TrialEndingNoticeDays: 3,
		CacheTTL:              time.Hour,
		CacheSize:             1024,
	}
}

// GracePeriod returns the grace period as a duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// TrialEndingNotice returns the trial-ending notice window as a duration.
func (c Config) TrialEndingNotice() time.Duration {
	return time.Duration(c.TrialEndingNoticeDays) * 24 * time.Hour
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its constraints. All failures are
// reported together in a MultiError of ValidationError values.
func (c Config) Validate() error {
	return validateStruct(c)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	var multi MultiError
	for _, fe := range verrs {
		multi.Add(ValidationError{
			Field:   fe.Namespace(),
			Message: describeTag(fe),
		})
	}
	return multi.ErrOrNil()
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return fmt.Sprintf("must satisfy %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
	}
}
