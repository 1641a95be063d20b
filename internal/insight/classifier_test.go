package insight

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuleFamilyClassifier(t *testing.T) {
	c := NewRuleFamilyClassifier()

	tests := []struct {
		text string
		want string
	}{
		{"orders API has a slow response during peak", "performance"},
		{"requests timing out under load", "performance"},
		{"service panicked with a nil pointer dereference", "runtime-error"},
		{"lost rows after a crash during failover", "data-loss"},
		{"index corruption after restart", "data-loss"},
		{"login returns 403 for contractors", "access"},
		{"submit button misaligned on mobile", "ui"},
		{"feature flag misconfigured in staging", "config"},
		{"rollback failed after the deploy", "deployment"},
		{"flaky tests block every merge", "testing"},
		{"something odd happened", DefaultFamily},
		{"", DefaultFamily},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.text), tt.text)
	}
}
