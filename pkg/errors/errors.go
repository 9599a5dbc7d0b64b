// Package errors defines the error markers shared across Atlas and maps them
// to HTTP status codes.
package errors

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Sentinel markers. Wrap with the builder and Mark to classify an error.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadyExists    = errors.New("resource already exists")
	ErrValidation       = errors.New("validation error")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrBudgetExceeded   = errors.New("budget exceeded")
	ErrQuotaExceeded    = errors.New("daily message quota exceeded")
	ErrHTTPClient       = errors.New("http client error")
	ErrDatabase         = errors.New("database error")
	ErrSystem           = errors.New("system error")
)

var statusCodeMap = map[error]int{
	ErrNotFound:         http.StatusNotFound,
	ErrAlreadyExists:    http.StatusConflict,
	ErrValidation:       http.StatusBadRequest,
	ErrPermissionDenied: http.StatusForbidden,
	ErrUnauthenticated:  http.StatusUnauthorized,
	ErrBudgetExceeded:   http.StatusTooManyRequests,
	ErrQuotaExceeded:    http.StatusTooManyRequests,
	ErrHTTPClient:       http.StatusBadGateway,
	ErrDatabase:         http.StatusInternalServerError,
	ErrSystem:           http.StatusInternalServerError,
}

// HTTPStatus returns the status code for the first marker found on err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for marker, code := range statusCodeMap {
		if errors.Is(err, marker) {
			return code
		}
	}
	return http.StatusInternalServerError
}

// Hint returns the user-facing hints attached to err, or fallback.
func Hint(err error, fallback string) string {
	hints := errors.GetAllHints(err)
	if len(hints) == 0 {
		return fallback
	}
	return hints[0]
}

// Is reports whether err carries target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
