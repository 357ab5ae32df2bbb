package provider

import "fmt"

// Error is a provider-level failure with enough structure for the engine
// to classify it. Retryable marks transient conditions (rate limits,
// upstream 5xx, timeouts) that a retry policy may re-attempt.
type Error struct {
	// Provider names the backend ("openai", "anthropic", "google", "mock").
	Provider string
	// Code is the provider's native error code or HTTP status when known.
	Code string
	// Message is a human-readable description.
	Message string
	// Retryable reports whether the failure is transient.
	Retryable bool
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or any error it wraps) is a transient
// provider failure worth re-attempting.
func IsRetryable(err error) bool {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			return pe.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
