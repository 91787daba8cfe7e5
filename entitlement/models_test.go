package entitlement_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/entitle/entitlement"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		used  int64
		limit int64
		want  entitlement.Classification
	}{
		{"empty", 0, 100, entitlement.ClassOK},
		{"below threshold", 79, 100, entitlement.ClassOK},
		{"at threshold", 80, 100, entitlement.ClassNearLimit},
		{"at limit", 100, 100, entitlement.ClassNearLimit},
		{"over limit", 101, 100, entitlement.ClassOverLimit},
		{"unlimited", 1 << 40, -1, entitlement.ClassOK},
		{"zero limit unused", 0, 0, entitlement.ClassOK},
		{"zero limit used", 1, 0, entitlement.ClassOverLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, entitlement.Classify(tt.used, tt.limit, 0.8))
		})
	}
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, entitlement.Percentage(5, 0))
	assert.Equal(t, 0.0, entitlement.Percentage(5, -1))
	assert.Equal(t, 33.33, entitlement.Percentage(1, 3))
	assert.Equal(t, 90.0, entitlement.Percentage(90, 100))
}
