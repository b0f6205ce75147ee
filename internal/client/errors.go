package client

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnauthorized    = errors.New("client: unauthorized")
	ErrForbidden       = errors.New("client: forbidden")
	ErrNetwork         = errors.New("client: network failure")
	ErrInvalidResponse = errors.New("client: invalid response")
	ErrSessionExpired  = errors.New("client: session expired")
)

// APIError is returned for any non-2xx response that has no sentinel of its own.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("client: api error %d", e.StatusCode)
	}
	return fmt.Sprintf("client: api error %d: %s", e.StatusCode, e.Body)
}

// networkError matches ErrNetwork while keeping the underlying cause
// (context.Canceled, net.OpError, ...) reachable through Unwrap.
type networkError struct {
	err error
}

func (e *networkError) Error() string { return "client: network failure: " + e.err.Error() }
func (e *networkError) Unwrap() error { return e.err }
func (e *networkError) Is(target error) bool {
	return target == ErrNetwork
}

// IsAuth reports whether err ends the session.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
