// Package apperr defines the error taxonomy shared by the intake domain
// packages and the mapping of those errors onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidState             = errors.New("invalid state")
	ErrValidationFailed         = errors.New("validation failed")
	ErrConflictingActiveVersion = errors.New("conflicting active version")
)

// ValidationError carries the individual messages produced by a validation
// gate. It unwraps to ErrValidationFailed.
type ValidationError struct {
	Subject string
	Errors  []string
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Subject != "" {
		msg = e.Subject + ": " + msg
	}
	if len(e.Errors) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError builds a ValidationError for subject with the given messages.
func NewValidationError(subject string, msgs ...string) *ValidationError {
	return &ValidationError{Subject: subject, Errors: msgs}
}

// StatusCode returns the HTTP status that err maps to.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflictingActiveVersion):
		return http.StatusConflict
	case errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts a domain error into an echo.HTTPError. Known errors keep
// their message so callers can see which entity and state blocked the action;
// anything else is reported as a generic internal error.
func HTTPError(err error) *echo.HTTPError {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, "internal server error").SetInternal(err)
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return echo.NewHTTPError(code, map[string]interface{}{
			"message": err.Error(),
			"errors":  verr.Errors,
		})
	}
	return echo.NewHTTPError(code, err.Error())
}
