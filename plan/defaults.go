package plan

import (
	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/period"
)

// DefaultPlans returns the Starter, Professional and Enterprise sample
// catalog used by the seed command when no file is given.
func DefaultPlans() []*Plan {
	return []*Plan{
		{
			Name:        "Starter",
			Slug:        "starter",
			Description: "Perfect for individuals and small projects",
			Price:       decimal.RequireFromString("9.99"),
			Currency:    "usd",
			Cadence:     period.Monthly,
			TrialDays:   14,
			Active:      true,
			SortOrder:   1,
			Features: ordered(
				NumericFeature("max_users", "Maximum Users", 5),
				NumericFeature("storage_gb", "Storage Space", 10),
				NumericFeature("api_calls", "API Calls per Month", 1000),
				BooleanFeature("email_support", "Email Support", true),
				BooleanFeature("basic_analytics", "Basic Analytics", true),
			),
		},
		{
			Name:        "Professional",
			Slug:        "professional",
			Description: "Ideal for growing businesses and teams",
			Price:       decimal.RequireFromString("29.99"),
			Currency:    "usd",
			Cadence:     period.Monthly,
			TrialDays:   14,
			Active:      true,
			Popular:     true,
			SortOrder:   2,
			Features: ordered(
				NumericFeature("max_users", "Maximum Users", 25),
				NumericFeature("storage_gb", "Storage Space", 100),
				NumericFeature("api_calls", "API Calls per Month", 10000),
				BooleanFeature("email_support", "Email Support", true),
				BooleanFeature("priority_support", "Priority Support", true),
				BooleanFeature("advanced_analytics", "Advanced Analytics", true),
				BooleanFeature("team_collaboration", "Team Collaboration", true),
				NumericFeature("custom_integrations", "Custom Integrations", 5),
			),
		},
		{
			Name:        "Enterprise",
			Slug:        "enterprise",
			Description: "For large organizations with advanced needs",
			Price:       decimal.RequireFromString("99.99"),
			Currency:    "usd",
			Cadence:     period.Monthly,
			TrialDays:   30,
			Active:      true,
			SortOrder:   3,
			Features: ordered(
				UnlimitedFeature("max_users", "Maximum Users"),
				NumericFeature("storage_gb", "Storage Space", 1000),
				UnlimitedFeature("api_calls", "API Calls per Month"),
				BooleanFeature("email_support", "Email Support", true),
				BooleanFeature("priority_support", "Priority Support", true),
				BooleanFeature("phone_support", "Phone Support", true),
				BooleanFeature("advanced_analytics", "Advanced Analytics", true),
				BooleanFeature("team_collaboration", "Team Collaboration", true),
				UnlimitedFeature("custom_integrations", "Custom Integrations"),
				BooleanFeature("sso_integration", "SSO Integration", true),
				BooleanFeature("custom_branding", "Custom Branding", true),
				BooleanFeature("dedicated_manager", "Dedicated Account Manager", true),
			),
		},
	}
}

func ordered(features ...Feature) []Feature {
	for i := range features {
		features[i].SortOrder = i + 1
	}
	return features
}
