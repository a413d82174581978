package realtime

import (
	"errors"
	"fmt"
	"net/http"
)

// Service errors surfaced by the transport, from error events or from a failed
// connection handshake.
var (
	ErrInvalidAPIKey      = errors.New("realtime: invalid api key")
	ErrInsufficientQuota  = errors.New("realtime: insufficient quota")
	ErrUnauthorized       = errors.New("realtime: api key lacks realtime access")
	ErrRateLimited        = errors.New("realtime: rate limit exceeded or quota exhausted")
	ErrServiceUnavailable = errors.New("realtime: service temporarily unavailable")
)

// ClassifyCode maps a service error code to one of the sentinel errors. The
// result wraps the sentinel together with message; unknown codes produce a
// plain error.
func ClassifyCode(code, message string) error {
	var base error
	switch code {
	case "invalid_api_key":
		base = ErrInvalidAPIKey
	case "insufficient_quota":
		base = ErrInsufficientQuota
	case "unauthorized":
		base = ErrUnauthorized
	case "rate_limit_exceeded":
		base = ErrRateLimited
	}
	if message == "" {
		message = code
	}
	if base == nil {
		return fmt.Errorf("realtime: %s", message)
	}
	return fmt.Errorf("%w: %s", base, message)
}

// ClassifyStatus maps the HTTP status of a rejected handshake to a sentinel
// error. It returns nil for statuses without a specific meaning.
func ClassifyStatus(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrInvalidAPIKey
	case http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailable
	}
	return nil
}

// Fatal reports whether err means the session cannot continue and a restart
// will not help without operator action.
func Fatal(err error) bool {
	return errors.Is(err, ErrInvalidAPIKey) ||
		errors.Is(err, ErrInsufficientQuota) ||
		errors.Is(err, ErrUnauthorized)
}
