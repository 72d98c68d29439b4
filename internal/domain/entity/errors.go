package entity

import (
	"errors"
	"fmt"
	"time"
)

// Standard domain errors. Every failure surfaced by the orchestrator wraps
// exactly one of these sentinels.
var (
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrModerationBlocked   = errors.New("content failed a safety scan")
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")
	ErrValidation          = errors.New("invalid task payload")
	ErrAlreadyInProgress   = errors.New("insight generation already in progress")
)

// RateLimitError carries the retry-after hint surfaced to callers.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ModerationError is surfaced when input or output fails a safety scan.
// Message is a fixed safe text; matched rule details never leave the gateway.
type ModerationError struct {
	Stage   string // input | output
	Message string
}

func (e *ModerationError) Error() string {
	return fmt.Sprintf("moderation blocked %s content", e.Stage)
}

func (e *ModerationError) Unwrap() error { return ErrModerationBlocked }

// ProviderError classifies a model or embedding provider failure so the
// retry policy can distinguish transient from permanent errors.
type ProviderError struct {
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider error (%s): %v", kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider error worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// ErrorClass maps an error onto the audit taxonomy label.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrModerationBlocked):
		return "moderation_blocked"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrAlreadyInProgress):
		return "already_in_progress"
	default:
		return "upstream_unavailable"
	}
}
