package fetch

import (
	"errors"
	"fmt"
)

// ErrorKind distinguishes fetch failures so callers can branch on policy:
// retry, mark page removed, or cool the host down.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"     // 5xx or recoverable network error
	KindPermanent4xx ErrorKind = "permanent_4xx" // 4xx other than 408/429
	KindBlocked      ErrorKind = "blocked"       // 403, or 429 after retries
	KindTimeout      ErrorKind = "timeout"       // deadline exceeded
)

// Error is the failure type returned by the Fetcher.
type Error struct {
	Kind       ErrorKind
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to KindTransient for
// anything that is not a fetch error.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err is a permanent 404.
func IsNotFound(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.StatusCode == 404
}
