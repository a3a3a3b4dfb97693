package types

import (
	"maps"
	"time"
)

// =============================================================================
// HOOK TYPES AND PAYLOADS
// =============================================================================

// HookType identifies the lifecycle point at which a hook runs.
type HookType string

const (
	HookPreCommand    HookType = "pre_command"    // before classification is consumed
	HookPostCommand   HookType = "post_command"   // after the permission decision
	HookPostExecution HookType = "post_execution" // after the command ran
)

// HookTypes lists every lifecycle point.
var HookTypes = []HookType{HookPreCommand, HookPostCommand, HookPostExecution}

func (h HookType) String() string { return string(h) }

// Valid reports whether h is a known lifecycle point.
func (h HookType) Valid() bool {
	switch h {
	case HookPreCommand, HookPostCommand, HookPostExecution:
		return true
	}
	return false
}

// ExecutionMode tells hooks whether they run inside the daemon or a test.
type ExecutionMode string

const (
	ModeDaemon ExecutionMode = "daemon"
	ModeTest   ExecutionMode = "test"
)

// ExecutionContext describes where a payload originated.
type ExecutionContext struct {
	Mode   ExecutionMode `json:"mode"`
	TestID string        `json:"test_id,omitempty"`
}

// DaemonContext is the execution context for live requests.
func DaemonContext() ExecutionContext { return ExecutionContext{Mode: ModeDaemon} }

// TestContext is the execution context for test invocations.
func TestContext(id string) ExecutionContext { return ExecutionContext{Mode: ModeTest, TestID: id} }

// ExecutionResult is attached to post_execution payloads.
type ExecutionResult struct {
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"duration"`
	Successful bool          `json:"successful"`
}

// HookPayload is the data handed to every hook of one lifecycle point.
type HookPayload struct {
	Command          string                `json:"command"`
	Classification   *ClassificationResult `json:"classification,omitempty"`
	ExecutionResult  *ExecutionResult      `json:"execution_result,omitempty"`
	Context          map[string]string     `json:"context,omitempty"`
	ExecutionContext ExecutionContext      `json:"execution_context"`
	Timestamp        time.Time             `json:"timestamp"`
}

// NewHookPayload builds a daemon payload for cmd.
func NewHookPayload(cmd string) *HookPayload {
	return &HookPayload{
		Command:          cmd,
		Context:          map[string]string{},
		ExecutionContext: DaemonContext(),
		Timestamp:        time.Now(),
	}
}

// WithClassification attaches a classification result.
func (p *HookPayload) WithClassification(r ClassificationResult) *HookPayload {
	p.Classification = &r
	return p
}

// WithContext sets one context key.
func (p *HookPayload) WithContext(key, value string) *HookPayload {
	if p.Context == nil {
		p.Context = map[string]string{}
	}
	p.Context[key] = value
	return p
}

// Clone returns a deep copy so a hook cannot mutate the caller's payload.
func (p *HookPayload) Clone() *HookPayload {
	if p == nil {
		return nil
	}
	c := *p
	c.Context = maps.Clone(p.Context)
	if p.Classification != nil {
		r := *p.Classification
		c.Classification = &r
	}
	if p.ExecutionResult != nil {
		r := *p.ExecutionResult
		c.ExecutionResult = &r
	}
	return &c
}
