// Package audit keeps a durable history of permission decisions in SQLite.
package audit

import (
	"time"

	"crudgate/internal/types"
)

// Record is one permission decision.
type Record struct {
	ID             int64                    `json:"id"`
	RequestID      string                   `json:"request_id"`
	Timestamp      time.Time                `json:"timestamp"`
	Command        string                   `json:"command"`
	Caller         string                   `json:"caller,omitempty"`
	Classification types.CrudClassification `json:"classification"`
	Confidence     float64                  `json:"confidence"`
	Decision       types.PermissionDecision `json:"decision"`
	Reasoning      string                   `json:"reasoning"`
	ResponseTimeMs int64                    `json:"response_time_ms"`
}

// NewRecord builds a record from a response.
func NewRecord(command, caller string, resp types.PermissionResponse, elapsed time.Duration) Record {
	ts := resp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Record{
		RequestID:      resp.RequestID,
		Timestamp:      ts,
		Command:        command,
		Caller:         caller,
		Classification: resp.Classification,
		Confidence:     resp.Confidence,
		Decision:       resp.Decision,
		Reasoning:      resp.Reasoning,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
}

// DecisionStats aggregates the audit log.
type DecisionStats struct {
	Total            int64            `json:"total"`
	ByClassification map[string]int64 `json:"by_classification"`
	ByDecision       map[string]int64 `json:"by_decision"`
	AvgResponseMs    float64          `json:"avg_response_ms"`
	Oldest           time.Time        `json:"oldest,omitempty"`
	Newest           time.Time        `json:"newest,omitempty"`
}
