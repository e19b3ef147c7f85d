package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinels for the failure classes callers branch on. Wrap them with %w and
// test with errors.Is.
var (
	// ErrNotFound: tile, chunk or world version absent. Not an error on pending paths.
	ErrNotFound = errors.New("not found")
	// ErrTransientIO: network or storage hiccup; safe to retry.
	ErrTransientIO = errors.New("transient io failure")
	// ErrPermanentFetch: the DEM provider rejected the request or has no data.
	ErrPermanentFetch = errors.New("permanent fetch failure")
	// ErrConflict: lost a claim race or committed against a stale lease.
	ErrConflict = errors.New("concurrency conflict")
	// ErrConfiguration: a required setting is missing or invalid.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvariant: stored state contradicts a deterministic recomputation.
	ErrInvariant = errors.New("invariant violation")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
)

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}

func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPermanentFetch, err)
}

func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is worth another attempt. Context
// cancellation of the caller is not retryable; a per-attempt deadline is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanentFetch) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrInvariant) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
