package phclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTransient marks failures that may succeed when retried.
	ErrTransient = errors.New("transient upstream failure")
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent upstream failure")
	// ErrUnauthenticated is returned by Viewer when the token is rejected.
	ErrUnauthenticated = errors.New("upstream rejected credentials")
)

type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("graphql request failed: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("graphql request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// Transient reports whether the status is worth retrying (429 and 5xx).
func (e *HTTPError) Transient() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient()
	case ErrPermanent:
		return !e.Transient()
	case ErrUnauthenticated:
		return e.StatusCode == 401 || e.StatusCode == 403
	}
	return false
}

type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "graphql transport error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrTransient }

// GraphQLError carries the messages of a response "errors" array.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql errors: " + strings.Join(e.Messages, "; ")
}

func (e *GraphQLError) Is(target error) bool { return target == ErrPermanent }

// MalformedResponseError reports a body that could not be interpreted.
// Bodies that are not JSON at all are treated as transient (truncated or
// proxy error pages); well-formed JSON with the wrong shape is permanent.
type MalformedResponseError struct {
	Err       error
	transient bool
}

func (e *MalformedResponseError) Error() string {
	return "malformed graphql response: " + e.Err.Error()
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.transient
	case ErrPermanent:
		return !e.transient
	}
	return false
}

// RetryExhaustedError wraps the last transient failure once the attempt or
// elapsed-time ceiling is reached.
type RetryExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts (%s): %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
