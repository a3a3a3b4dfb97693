package llm

import "errors"

// Model lifecycle and inference errors.
var (
	// ErrModelUnavailable is returned when the backend cannot serve the model.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrModelNotFound is returned when the model is neither on the backend
	// nor obtainable as a local artifact.
	ErrModelNotFound = errors.New("model not found")

	// ErrHashMismatch is returned when an artifact's SHA-256 differs from the
	// configured digest. It is never retried.
	ErrHashMismatch = errors.New("model artifact hash mismatch")

	// ErrInferenceTimeout is returned when inference, including time spent
	// queued behind other requests, exceeds its deadline.
	ErrInferenceTimeout = errors.New("inference timed out")

	// ErrEmptyResponse is returned when the backend produced no text.
	ErrEmptyResponse = errors.New("empty model response")

	// ErrModelUnloaded is returned to a load that was overtaken by Unload.
	ErrModelUnloaded = errors.New("model unloaded during load")
)
