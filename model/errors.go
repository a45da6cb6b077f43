package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput covers malformed coordinates, polygons and fixes.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStaleData covers fixes that are too old and cache snapshots that do
	// not cover the requested area.
	ErrStaleData = errors.New("stale data")
	// ErrProviderUnavailable indicates the location provider cannot supply fixes.
	ErrProviderUnavailable = errors.New("location provider unavailable")
	// ErrPersistenceFailure wraps key-value store failures.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrConfiguration marks errors that must stop startup.
	ErrConfiguration = errors.New("configuration error")
)

// RecoveryHint tells the caller how to recover from an unavailable provider.
type RecoveryHint string

const (
	HintOpenSettings      RecoveryHint = "open_settings"
	HintRequestPermission RecoveryHint = "request_permission"
	HintContinueDegraded  RecoveryHint = "continue_degraded"
)

// ProviderError is returned when tracking cannot start because of the
// location provider's permission or service state.
type ProviderError struct {
	Reason string
	Hint   RecoveryHint
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (hint: %s)", ErrProviderUnavailable, e.Reason, e.Hint)
}

// Unwrap lets errors.Is match ErrProviderUnavailable.
func (e *ProviderError) Unwrap() error { return ErrProviderUnavailable }
