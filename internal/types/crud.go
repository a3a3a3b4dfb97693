package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// CRUD CLASSIFICATION
// =============================================================================

// CrudClassification is the inferred intent of a shell command.
type CrudClassification string

const (
	ClassCreate  CrudClassification = "CREATE"
	ClassRead    CrudClassification = "READ"
	ClassUpdate  CrudClassification = "UPDATE"
	ClassDelete  CrudClassification = "DELETE"
	ClassUnknown CrudClassification = "UNKNOWN" // model output could not be mapped
)

// Classifications lists the four canonical values in display order.
var Classifications = []CrudClassification{ClassRead, ClassCreate, ClassUpdate, ClassDelete}

// String returns the canonical uppercase word.
func (c CrudClassification) String() string {
	if c == "" {
		return string(ClassUnknown)
	}
	return string(c)
}

// Valid reports whether c is one of the four canonical values.
func (c CrudClassification) Valid() bool {
	switch c {
	case ClassCreate, ClassRead, ClassUpdate, ClassDelete:
		return true
	}
	return false
}

// IsMutating reports whether c changes state.
func (c CrudClassification) IsMutating() bool {
	return c == ClassCreate || c == ClassUpdate || c == ClassDelete
}

// ParseCrudClassification maps a string onto a classification.
// Unrecognized input yields ClassUnknown rather than an error.
func ParseCrudClassification(s string) CrudClassification {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATE":
		return ClassCreate
	case "READ":
		return ClassRead
	case "UPDATE":
		return ClassUpdate
	case "DELETE":
		return ClassDelete
	default:
		return ClassUnknown
	}
}

// UnmarshalJSON accepts any casing and maps unknown words to ClassUnknown.
func (c *CrudClassification) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("classification must be a string: %w", err)
	}
	*c = ParseCrudClassification(s)
	return nil
}

// ClassificationResult is the outcome of classifying one command.
type ClassificationResult struct {
	Classification CrudClassification `json:"classification"`
	Confidence     float64            `json:"confidence"`
	Reasoning      string             `json:"reasoning,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// NewClassificationResult clamps confidence into [0,1] and stamps the time.
func NewClassificationResult(c CrudClassification, confidence float64, reasoning string) ClassificationResult {
	return ClassificationResult{
		Classification: c,
		Confidence:     ClampConfidence(confidence),
		Reasoning:      reasoning,
		Timestamp:      time.Now(),
	}
}

// IsSafe reports whether the command is a read.
func (r ClassificationResult) IsSafe() bool {
	return r.Classification == ClassRead
}

// RequiresConfirmation reports whether the command mutates or is unknown.
func (r ClassificationResult) RequiresConfirmation() bool {
	return !r.IsSafe()
}

// ClampConfidence bounds v to [0,1]. NaN maps to 0.
func ClampConfidence(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
