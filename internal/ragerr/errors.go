package ragerr

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap one of these together with their cause,
// e.g. fmt.Errorf("%w: %w", ErrQuotaExceeded, cause), so that callers can
// branch on the kind with errors.Is regardless of how deep it is wrapped.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrDocumentLoad      = errors.New("document load error")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrTimeout           = errors.New("timeout")
	ErrAuth              = errors.New("authentication error")
	ErrNetwork           = errors.New("network error")
	ErrGeneration        = errors.New("generation error")
	ErrCorruptIndex      = errors.New("corrupt index")
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

var kindNames = []struct {
	err  error
	name string
}{
	// order matters: generation errors also carry the provider kind that caused
	// them, and the more specific one should win.
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrAuth, "auth"},
	{ErrTimeout, "timeout"},
	{ErrNetwork, "network"},
	{ErrGeneration, "generation"},
	{ErrConfiguration, "configuration"},
	{ErrDocumentLoad, "document_load"},
	{ErrCorruptIndex, "corrupt_index"},
	{ErrDimensionMismatch, "dimension_mismatch"},
}

// Kind returns a short machine-readable name for the kind of err.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// Wrap tags cause with kind. A nil cause yields nil.
func Wrap(kind error, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Newf creates a new error of the given kind.
func Newf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Retryable reports whether err may succeed if the call is repeated.
// Only timeouts qualify; quota and auth failures are surfaced immediately.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) &&
		!errors.Is(err, ErrQuotaExceeded) &&
		!errors.Is(err, ErrAuth)
}
