package providers

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoProviderFound is returned by Registry.Resolve when no registered
// pattern matches a model id. It indicates a deployment problem (missing
// registration), not a transient condition.
var ErrNoProviderFound = errors.New("no provider registered for model id")

// ConfigError indicates invalid provider construction input: a missing
// credential, an unreadable CA bundle, a malformed setting. It is raised
// before any network activity and is fatal to the instance.
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider config: %s: %v", e.Message, e.Err)
	}
	return "provider config: " + e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// RuntimeError is the uniform failure kind for a request/response cycle:
// network errors, timeouts, non-2xx statuses, and malformed response bodies
// all surface as RuntimeError. It always wraps the underlying cause and
// carries the HTTP status when one was received (0 otherwise) so callers can
// separate transient from permanent failures. The client itself never retries.
type RuntimeError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *RuntimeError) Error() string {
	msg := "inference: " + e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("inference: %s (status %d)", e.Message, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the request could plausibly succeed.
// Rate limiting and server-side statuses are transient; client-side statuses
// (400 malformed request, 401/403 auth) are permanent. Failures with no HTTP
// status at all (timeouts, connection resets, DNS) count as transient.
func (e *RuntimeError) Transient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient reports whether err is a transient RuntimeError.
func IsTransient(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Transient()
	}
	return false
}

func runtimeError(status int, err error, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Message:    fmt.Sprintf(format, args...),
		StatusCode: status,
		Err:        err,
	}
}
