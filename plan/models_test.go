package plan_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
)

func TestFeatureHumanLimit(t *testing.T) {
	tests := []struct {
		name    string
		feature plan.Feature
		want    string
		enabled bool
	}{
		{"numeric", plan.NumericFeature("api_calls", "API", 10000), "10,000", true},
		{"numeric small", plan.NumericFeature("seats", "Seats", 5), "5", true},
		{"numeric zero is disabled", plan.NumericFeature("seats", "Seats", 0), "0", false},
		{"unlimited", plan.UnlimitedFeature("users", "Users"), "Unlimited", true},
		{"boolean on", plan.BooleanFeature("sso", "SSO", true), "Yes", true},
		{"boolean off", plan.BooleanFeature("sso", "SSO", false), "No", false},
		{"text", plan.TextFeature("tier", "Support tier", "gold"), "gold", true},
		{"empty text", plan.TextFeature("tier", "Support tier", ""), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.feature.HumanLimit())
			assert.Equal(t, tt.enabled, tt.feature.IsEnabled())
		})
	}
}

func TestFeatureTypedLimit(t *testing.T) {
	f := plan.NumericFeature("api_calls", "API", 100)
	l := f.TypedLimit()
	assert.Equal(t, plan.LimitNumeric, l.Kind)
	assert.Equal(t, int64(100), l.Number)

	u := plan.UnlimitedFeature("api_calls", "API")
	assert.Equal(t, plan.LimitUnlimited, u.TypedLimit().Kind)
	assert.Equal(t, int64(-1), u.NumericLimit())
}

func TestFeatureValidate(t *testing.T) {
	neg := int64(-5)
	tests := []struct {
		name    string
		feature plan.Feature
		ok      bool
	}{
		{"numeric", plan.NumericFeature("a", "A", 1), true},
		{"unlimited", plan.UnlimitedFeature("a", "A"), true},
		{"numeric without limit", plan.Feature{Key: "a", Name: "A", Type: plan.FeatureNumeric}, false},
		{"negative limit", plan.Feature{Key: "a", Name: "A", Type: plan.FeatureNumeric, Limit: &neg}, false},
		{"unknown type", plan.Feature{Key: "a", Name: "A", Type: "seat"}, false},
		{"missing key", plan.Feature{Name: "A", Type: plan.FeatureText}, false},
		{"unlimited boolean", plan.Feature{Key: "a", Name: "A", Type: plan.FeatureBoolean, Unlimited: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.feature.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, plan.ErrInvalid)
			}
		})
	}
}

func TestPlanValidate(t *testing.T) {
	p := &plan.Plan{
		Name: "Pro", Slug: "pro", Currency: "usd", Cadence: period.Monthly,
		Price:    decimal.RequireFromString("10"),
		Features: []plan.Feature{plan.NumericFeature("a", "A", 1), plan.NumericFeature("a", "A again", 2)},
	}
	assert.ErrorIs(t, p.Validate(), plan.ErrInvalid)

	p.Features = p.Features[:1]
	require.NoError(t, p.Validate())

	p.Price = decimal.RequireFromString("-1")
	assert.ErrorIs(t, p.Validate(), plan.ErrInvalid)
}

func TestPlanMonthlyPrice(t *testing.T) {
	p := &plan.Plan{Price: decimal.RequireFromString("99.99"), Cadence: period.Yearly}
	assert.Equal(t, "8.33", p.MonthlyPrice().StringFixed(2))

	p.Cadence = period.Weekly
	p.Price = decimal.RequireFromString("10")
	assert.Equal(t, "43.30", p.MonthlyPrice().StringFixed(2))
}

func TestDefaultPlansAreValid(t *testing.T) {
	plans := plan.DefaultPlans()
	require.Len(t, plans, 3)
	for _, p := range plans {
		require.NoError(t, p.Validate(), p.Slug)
	}

	enterprise := plans[2]
	assert.True(t, enterprise.Grants("sso_integration"))
	assert.Equal(t, "Unlimited", enterprise.FindFeature("api_calls").HumanLimit())
	assert.False(t, plans[0].Grants("sso_integration"))

	sorted := plans[1].SortedFeatures()
	assert.Equal(t, "max_users", sorted[0].Key)
	assert.Equal(t, "custom_integrations", sorted[len(sorted)-1].Key)
	assert.Len(t, plans[1].MeteredFeatures(), 4)
}
