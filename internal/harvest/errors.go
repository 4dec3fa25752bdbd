package harvest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies Source failures so callers branch on data
// rather than on string matching.
type ErrorKind string

// Error kinds reported by Source implementations.
const (
	// KindTransient covers network faults, timeouts and stale sessions;
	// retried with backoff.
	KindTransient ErrorKind = "transient"
	// KindNotFound means the registry confirmed the id does not exist.
	KindNotFound ErrorKind = "not_found"
	// KindFatal covers configuration or storage faults; the run aborts.
	KindFatal ErrorKind = "fatal"
	// KindUnknown is anything the source cannot classify. Treated as
	// transient so ambiguous evidence never marks a case absent.
	KindUnknown ErrorKind = "unknown"
)

// ErrEmergencyStopped is returned by a run halted by the
// consecutive-failure threshold.
var ErrEmergencyStopped = errors.New("harvest halted: consecutive failure threshold reached")

// SourceError carries the classification for a failed Source call.
type SourceError struct {
	Kind         ErrorKind
	StatusCode   int
	SessionStale bool
	Err          error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("source %s (status %d)", e.Kind, e.StatusCode)
}

func (e *SourceError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Retryable reports whether the error should be retried with backoff.
// Unknown errors are retried: the conservative path.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return true
	default:
		return false
	}
}

// SessionStale reports whether the source flagged a recoverable
// session fault that warrants Source.Recover.
func SessionStale(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.SessionStale
}

// StatusHint extracts the HTTP-ish status code, 0 when absent.
func StatusHint(err error) int {
	var se *SourceError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
