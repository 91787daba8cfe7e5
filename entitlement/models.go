// Package entitlement holds the answer types of the entitlement facade and
// the feature-set cache contract.
package entitlement

import "github.com/xraph/entitle/plan"

// Result answers "may this subscription use this feature right now".
type Result struct {
	Allowed   bool             `json:"allowed"`
	Feature   string           `json:"feature"`
	Type      plan.FeatureType `json:"type,omitempty"`
	Used      int64            `json:"used"`
	Limit     int64            `json:"limit"`
	Remaining int64            `json:"remaining"`
	Unlimited bool             `json:"unlimited"`
	Reason    string           `json:"reason,omitempty"`
}

// Denial reasons reported in Result.Reason.
const (
	ReasonNotUsable       = "subscription not usable"
	ReasonFeatureMissing  = "feature not in plan"
	ReasonFeatureDisabled = "feature disabled"
	ReasonQuotaExhausted  = "quota exhausted"
)

// Classification buckets a numeric feature by how close it is to its limit.
type Classification string

const (
	ClassOK        Classification = "ok"
	ClassNearLimit Classification = "near_limit"
	ClassOverLimit Classification = "over_limit"
)

// Classify buckets used against limit. A negative limit means unlimited and
// is always ok; a zero limit counts as 0% used.
func Classify(used, limit int64, threshold float64) Classification {
	if limit < 0 {
		return ClassOK
	}
	if used > limit {
		return ClassOverLimit
	}
	if limit > 0 && float64(used)/float64(limit) >= threshold {
		return ClassNearLimit
	}
	return ClassOK
}

// Percentage returns used as a percentage of limit rounded to two places,
// or 0 for unlimited and zero limits.
func Percentage(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	pct := float64(used) * 100 / float64(limit)
	return float64(int64(pct*100+0.5)) / 100
}

// FeatureSummary is one line of a subscription's usage dashboard.
type FeatureSummary struct {
	Key            string           `json:"key"`
	Name           string           `json:"name"`
	Type           plan.FeatureType `json:"type"`
	Limit          int64            `json:"limit"`
	HumanLimit     string           `json:"human_limit"`
	Unlimited      bool             `json:"unlimited"`
	Enabled        bool             `json:"enabled"`
	CurrentUsage   int64            `json:"current_usage"`
	PercentageUsed float64          `json:"percentage_used"`
	Remaining      int64            `json:"remaining"`
	OverLimit      bool             `json:"over_limit"`
	NearLimit      bool             `json:"near_limit"`
}
