package apperror

import (
	"fmt"
	"net/http"
)

// AppError is an error with an HTTP status and a client-safe message.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"detail"`
	Err     error  `json:"-"` // internal, logged only
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func BadRequest(message string) *AppError {
	return New(http.StatusBadRequest, message, nil)
}

func Forbidden(message string) *AppError {
	return New(http.StatusForbidden, message, nil)
}

func TooManyRequests(message string) *AppError {
	return New(http.StatusTooManyRequests, message, nil)
}

// Internal hides err from the client.
func Internal(err error) *AppError {
	return New(http.StatusInternalServerError, "Internal Server Error", err)
}
