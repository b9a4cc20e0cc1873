// Package apperr defines the error kinds shared by every domain service and
// the mapping from those kinds to HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	// ErrUnauthorized is returned for bad or missing credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller is authenticated but its role
	// or linked entity does not permit the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a referenced hospital, alert, ambulance or
	// user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed input or a transition the
	// alert lifecycle does not allow.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when an expected-status precondition no longer
	// holds because another writer got there first.
	ErrConflict = errors.New("conflict")

	// ErrUpstreamUnavailable is returned by external service clients. Callers
	// always substitute a fallback and never surface it to users.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Status returns the HTTP status code for err.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an echo.HTTPError. Internal errors get a
// generic message so storage details do not leak to clients.
func HTTPError(err error) *echo.HTTPError {
	status := Status(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal error, please retry")
	}
	return echo.NewHTTPError(status, err.Error())
}
