package permanent

import (
	"errors"
	"fmt"
	"net/http"
)

// Error marks delivery failures that are not retryable.
// Params: wrapped root cause and optional HTTP status that produced it.
// Returns: typed permanent error marker.
type Error struct {
	Err    error
	Status int
}

// Error returns wrapped error message.
// Params: none.
// Returns: string representation.
func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// Permanent marks error as non-retryable.
func (Error) Permanent() bool {
	return true
}

// Mark wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Markf formats and marks error as permanent.
// Params: format and arguments for fmt.Errorf.
// Returns: permanent error.
func Markf(format string, args ...any) error {
	return Error{Err: fmt.Errorf(format, args...)}
}

// Is reports whether error has permanent marker.
// Params: candidate error.
// Returns: true when non-retryable marker is present.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Permanent() bool
	}
	var tagged marker
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}

// FromStatus classifies HTTP response status of one delivery.
// Params: target label used in message and response status code.
// Returns: nil for 2xx, permanent error for 4xx except 408/429, transient error otherwise.
func FromStatus(target string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("%s returned %d %s", target, status, http.StatusText(status))
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return Error{Err: err, Status: status}
	}
	return err
}
