package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps a failure that is safe to retry (I/O hiccup, database
// write error). The worker re-queues the run with backoff when an attempt
// fails with one of these.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransient wraps err as transient.
func NewTransient(err error) *TransientError {
	return &TransientError{Err: err}
}

// DeterministicError wraps a failure that retrying cannot fix: configuration
// mistakes, missing schema versions, oversized files. Attempts failing with
// one of these go straight to FAILED without an automatic retry.
type DeterministicError struct {
	Err error
}

func (e *DeterministicError) Error() string { return e.Err.Error() }

func (e *DeterministicError) Unwrap() error { return e.Err }

// NewDeterministic wraps err as deterministic.
func NewDeterministic(err error) *DeterministicError {
	return &DeterministicError{Err: err}
}

// IsDeterministic reports whether the error chain carries a DeterministicError.
func IsDeterministic(err error) bool {
	var de *DeterministicError
	return errors.As(err, &de)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures). Deterministic errors are never
// transient, whatever the chain underneath them looks like.
func IsTransient(err error) bool {
	if err == nil || IsDeterministic(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from drivers and clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"database is locked",
		"connection refused",
		"i/o timeout",
		"temporary failure in name resolution",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
