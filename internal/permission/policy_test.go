package permission

import (
	"math"
	"testing"

	"crudgate/internal/config"
	"crudgate/internal/types"

	"github.com/stretchr/testify/assert"
)

func result(c types.CrudClassification, conf float64) types.ClassificationResult {
	return types.ClassificationResult{Classification: c, Confidence: conf}
}

func TestPolicy_Defaults(t *testing.T) {
	t.Parallel()
	p := NewPolicy(config.DefaultHooksConfig().Policy)
	cases := []struct {
		name string
		in   types.ClassificationResult
		want types.PermissionDecision
	}{
		{"confident read", result(types.ClassRead, 0.95), types.DecisionApproved},
		{"unsure read", result(types.ClassRead, 0.5), types.DecisionRequiresConfirmation},
		{"create", result(types.ClassCreate, 0.95), types.DecisionRequiresConfirmation},
		{"update", result(types.ClassUpdate, 0.6), types.DecisionRequiresConfirmation},
		{"delete", result(types.ClassDelete, 1), types.DecisionRequiresConfirmation},
		{"unknown", result(types.ClassUnknown, 1), types.DecisionRequiresConfirmation},
		{"nan", result(types.ClassRead, math.NaN()), types.DecisionRequiresConfirmation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := p.Decide(tc.in)
			assert.Equal(t, tc.want, got)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestPolicy_ThresholdIsInclusive(t *testing.T) {
	t.Parallel()
	p := NewPolicy(config.PolicyConfig{ApprovalThreshold: 0.8})

	got, reason := p.Decide(result(types.ClassRead, 0.8))
	assert.Equal(t, types.DecisionApproved, got)
	assert.Equal(t, "READ operation - safe to execute", reason)

	got, _ = p.Decide(result(types.ClassRead, math.Nextafter(0.8, 1)))
	assert.Equal(t, types.DecisionApproved, got)

	got, _ = p.Decide(result(types.ClassRead, math.Nextafter(0.8, 0)))
	assert.Equal(t, types.DecisionRequiresConfirmation, got)
}

func TestPolicy_AutoApproveFlags(t *testing.T) {
	t.Parallel()
	p := NewPolicy(config.PolicyConfig{ApprovalThreshold: 0.8, AutoApproveUpdate: true})

	got, reason := p.Decide(result(types.ClassUpdate, 0.9))
	assert.Equal(t, types.DecisionApproved, got)
	assert.Equal(t, "UPDATE operation - auto-approved by policy", reason)

	got, reason = p.Decide(result(types.ClassDelete, 0.9))
	assert.Equal(t, types.DecisionRequiresConfirmation, got)
	assert.Equal(t, "DELETE operation requires user confirmation", reason)

	got, _ = p.Decide(result(types.ClassUpdate, 0.3))
	assert.Equal(t, types.DecisionRequiresConfirmation, got, "low confidence wins over the flag")
}

func TestPolicy_SkipConfirmations(t *testing.T) {
	t.Parallel()
	p := NewPolicy(config.PolicyConfig{ApprovalThreshold: 0.8, DangerouslySkipConfirmations: true})

	got, reason := p.Decide(result(types.ClassDelete, 0.95))
	assert.Equal(t, types.DecisionApproved, got)
	assert.Contains(t, reason, "dangerously-skip-confirmations")

	got, _ = p.Decide(result(types.ClassUnknown, 1))
	assert.Equal(t, types.DecisionRequiresConfirmation, got)

	got, _ = p.Decide(result(types.ClassCreate, 0.3))
	assert.Equal(t, types.DecisionRequiresConfirmation, got)
}
