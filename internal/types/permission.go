package types

import "time"

// =============================================================================
// PERMISSION DECISIONS
// =============================================================================

// PermissionDecision is the outcome of evaluating a command.
type PermissionDecision string

const (
	DecisionApproved             PermissionDecision = "APPROVED"
	DecisionDenied               PermissionDecision = "DENIED"
	DecisionRequiresConfirmation PermissionDecision = "REQUIRES_CONFIRMATION"
	DecisionRateLimited          PermissionDecision = "RATE_LIMITED"
)

// Decisions lists every decision value.
var Decisions = []PermissionDecision{
	DecisionApproved, DecisionDenied, DecisionRequiresConfirmation, DecisionRateLimited,
}

func (d PermissionDecision) String() string { return string(d) }

// PermissionRequest asks whether a command may run.
type PermissionRequest struct {
	Command string `json:"command"`
	// Caller labels the requester in the audit log. Empty means anonymous.
	Caller string `json:"caller,omitempty"`
	// Principal keys rate limiting. Transports set it from an identity the
	// requester cannot choose; when empty, Caller is used.
	Principal string `json:"-"`
	// Classification may be supplied by a trusted in-process caller that
	// already classified. Transports must not fill it from request bodies.
	Classification *ClassificationResult `json:"-"`
	Context        map[string]string     `json:"context,omitempty"`
}

// PermissionResponse is returned for every request, including rejections.
type PermissionResponse struct {
	RequestID      string             `json:"request_id"`
	Decision       PermissionDecision `json:"decision"`
	Reasoning      string             `json:"reasoning"`
	Classification CrudClassification `json:"classification"`
	Confidence     float64            `json:"confidence"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Allowed reports whether the command may run without asking the user.
func (r PermissionResponse) Allowed() bool {
	return r.Decision == DecisionApproved
}
