package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Hayvi/roomy/internal/database"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

// NewValidationError is a 400 carrying a reason the caller can show.
func NewValidationError(msg string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    msg,
	}
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewIncorrectPasswordError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    "incorrect password",
	}
}

func NewConflictError(msg string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    msg,
	}
}

func NewTooManyRequestsError() *ApiError {
	return newApiError(http.StatusTooManyRequests)
}

func NewRequestEntityTooLargeError() *ApiError {
	return newApiError(http.StatusRequestEntityTooLarge)
}

func NewMethodNotAllowedError() *ApiError {
	return newApiError(http.StatusMethodNotAllowed)
}

// dbError maps a repository error onto the response the client should see.
func dbError(err error) *ApiError {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError()
	case database.IsUniqueViolation(err):
		return NewConflictError("already exists")
	default:
		return NewInternalServerError(err)
	}
}
