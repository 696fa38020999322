package exchange

import (
	"errors"
	"fmt"

	"perpdesk/internal/ratelimit"
)

var (
	// ErrRejected is a non-success answer to a placement or account call.
	ErrRejected = errors.New("rejected by exchange")

	// ErrRateLimited is absorbed by the rate limiter with a back-off and retry.
	ErrRateLimited = ratelimit.ErrRateLimited

	// ErrNetwork is a transport failure; the outcome of the call is unknown.
	ErrNetwork = errors.New("exchange unreachable")

	ErrNotFound = errors.New("not found on exchange")
)

// APIError carries the venue's code and message and unwraps to one of the
// sentinels above.
type APIError struct {
	Code    int64
	Message string
	Kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: code=%d msg=%s", e.Kind, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

func Rejected(code int64, msg string) error {
	return &APIError{Code: code, Message: msg, Kind: ErrRejected}
}

// IsTransient reports errors after which the same call may succeed later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
