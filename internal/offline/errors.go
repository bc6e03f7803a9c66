package offline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNetwork          = errors.New("network error")
	ErrConflict         = errors.New("revision conflict")
	ErrConnectivityLost = errors.New("connectivity lost")
	ErrNotFound         = errors.New("operation not found")
	ErrNotFailed        = errors.New("operation is not failed")
	ErrOffline          = errors.New("offline")
	ErrUnconfirmed      = errors.New("entity has no server id yet")
)

// NetworkError is a retryable failure: transport errors, timeouts, 429 and 5xx.
type NetworkError struct {
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error: http %d", e.StatusCode)
	}
	if e.Err != nil {
		return "network error: " + e.Err.Error()
	}
	return "network error"
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConflictError is the server refusing an update whose base revision is
// stale for fields another client wrote since.
type ConflictError struct {
	EntityID string
	Fields   []string
	Revision uint64
}

func (e *ConflictError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("revision conflict for %s", e.EntityID)
	}
	return fmt.Sprintf("revision conflict for %s on %s", e.EntityID, strings.Join(e.Fields, ","))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the server answered 404.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
