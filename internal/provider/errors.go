// Package provider implements the outbound boundary to the game account
// service: signed form requests for login and per-identity operations, and
// classification of HTTP failures into sentinel errors.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for transport and HTTP status classification.
// Use errors.Is(err, provider.ErrThrottled) to check.
var (
	ErrBadRequest   = errors.New("provider: bad request")
	ErrUnauthorized = errors.New("provider: unauthorized")
	ErrNotFound     = errors.New("provider: not found")
	ErrThrottled    = errors.New("provider: throttled")
	ErrServerError  = errors.New("provider: server error")
	ErrTimeout      = errors.New("provider: request timed out")
	ErrTransport    = errors.New("provider: transport failure")
	ErrMalformed    = errors.New("provider: malformed response")
)

// Error wraps a sentinel error with the HTTP status code, the server-provided
// Retry-After hint and the response body for debugging.
type Error struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider: HTTP %d (retry after %s): %s", e.StatusCode, e.RetryAfter, e.Message)
	}

	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusOK && code < http.StatusMultipleChoices {
			return nil
		}

		return ErrBadRequest
	}
}

// RetryAfter extracts the server's Retry-After hint from err, if any.
func RetryAfter(err error) time.Duration {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}

	return 0
}
