package permission

import (
	"fmt"

	"crudgate/internal/config"
	"crudgate/internal/types"
)

// Policy maps a classification onto a decision. It holds no state and is
// safe for concurrent use.
type Policy struct {
	threshold   float64
	autoApprove map[types.CrudClassification]bool
	skipConfirm bool
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.PolicyConfig) Policy {
	return Policy{
		threshold: cfg.ApprovalThreshold,
		autoApprove: map[types.CrudClassification]bool{
			types.ClassCreate: cfg.AutoApproveCreate,
			types.ClassUpdate: cfg.AutoApproveUpdate,
			types.ClassDelete: cfg.AutoApproveDelete,
		},
		skipConfirm: cfg.DangerouslySkipConfirmations,
	}
}

// Threshold returns the inclusive approval threshold.
func (p Policy) Threshold() float64 { return p.threshold }

// Decide returns the decision for r and its reasoning. Unknown and
// low-confidence classifications always need the user, whatever the
// approval flags say.
func (p Policy) Decide(r types.ClassificationResult) (types.PermissionDecision, string) {
	class := r.Classification
	if !class.Valid() {
		return types.DecisionRequiresConfirmation, "unable to classify command - requires user confirmation"
	}
	if !(r.Confidence >= p.threshold) {
		return types.DecisionRequiresConfirmation, fmt.Sprintf(
			"%s classification confidence %.2f is below threshold %.2f - requires user confirmation",
			class, r.Confidence, p.threshold)
	}

	switch {
	case class == types.ClassRead:
		return types.DecisionApproved, "READ operation - safe to execute"
	case p.skipConfirm:
		return types.DecisionApproved, fmt.Sprintf(
			"%s operation - auto-approved (dangerously-skip-confirmations enabled)", class)
	case p.autoApprove[class]:
		return types.DecisionApproved, fmt.Sprintf("%s operation - auto-approved by policy", class)
	default:
		return types.DecisionRequiresConfirmation, fmt.Sprintf("%s operation requires user confirmation", class)
	}
}
