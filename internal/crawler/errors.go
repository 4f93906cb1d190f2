package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTask is returned by queues when a task id is already pending.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrInvalidRegistry flags a Registry definition that fails validation.
	ErrInvalidRegistry = errors.New("invalid registry")
	// ErrDuplicateRegistry is returned when a Registry shortname or url is taken.
	ErrDuplicateRegistry = errors.New("registry already exists")
	// ErrInvalidSelectors flags a Registry whose selector configuration does not compile.
	ErrInvalidSelectors = errors.New("invalid selector configuration")
	// ErrUnknownTask is returned by workers for tasks without a handler.
	ErrUnknownTask = errors.New("unknown task")
	// ErrQueueClosed is returned by Dequeue once the queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// FetchError is returned by the Fetch Client once retries are exhausted or a
// non-retryable response is received.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure class is retryable: network errors,
// timeouts, 5xx and throttling.
func (e *FetchError) Transient() bool {
	return e.StatusCode == 0 || IsRetryableStatus(e.StatusCode)
}

// NotFound reports a 404/410 from upstream.
func (e *FetchError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Unavailable reports an upstream that is down or throttling.
func (e *FetchError) Unavailable() bool {
	return e.StatusCode == http.StatusServiceUnavailable ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusBadGateway ||
		e.StatusCode == http.StatusGatewayTimeout
}

// IsRetryableStatus reports whether an HTTP status should be retried.
func IsRetryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

// AsFetchError unwraps err into a *FetchError.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
