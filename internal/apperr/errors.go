// Package apperr defines the error taxonomy shared by the client session and
// the relay: transport failures are retried, conflicts are success-equivalent,
// validation/authorization rejections roll optimistic state back, and data
// anomalies are logged and dropped.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransport    = errors.New("transport error")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrAnomaly      = errors.New("data anomaly")
	ErrUnavailable  = errors.New("service unavailable")
)

// StatusError is a non-2xx REST response.
type StatusError struct {
	Status  int
	Message string
	// Body is the raw response body, kept so conflict responses can carry the
	// authoritative resource.
	Body []byte
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto a sentinel so errors.Is works on both.
func (e *StatusError) Unwrap() error {
	return FromHTTP(e.Status)
}

// FromHTTP maps an HTTP status code onto a sentinel error.
func FromHTTP(status int) error {
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests, status >= 500:
		return ErrUnavailable
	default:
		return nil
	}
}

// ToHTTP is the inverse of FromHTTP, used by the relay handlers.
func ToHTTP(err error) int {
	switch {
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsConflict reports whether err means the server state already matches the
// intent ("room already exists", "already read").
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRejected reports whether the server refused the request outright.
func IsRejected(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound)
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrUnavailable)
}

// Transport wraps a network-level failure.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
