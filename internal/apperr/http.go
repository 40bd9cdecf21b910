package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Status maps an error kind to an HTTP status code.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotPaired):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidOrExpiredToken):
		return http.StatusGone
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// FromStatus rebuilds an error of the kind Status would have mapped to code.
func FromStatus(code int, msg string) error {
	var kind error
	switch code {
	case http.StatusBadRequest:
		return Invalid("request", msg)
	case http.StatusForbidden:
		kind = ErrNotPaired
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusConflict:
		kind = ErrConflict
	case http.StatusGone:
		kind = ErrInvalidOrExpiredToken
	case http.StatusNotImplemented:
		kind = ErrNotImplemented
	case http.StatusBadGateway:
		kind = ErrNetwork
	default:
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
	return fmt.Errorf("%w: %s", kind, msg)
}
