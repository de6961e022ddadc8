package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine readable error carried in HTTP error bodies.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeMisdirected        ErrorCode = "MISDIRECTED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidInput:       http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeMisdirected:        http.StatusMisdirectedRequest,
	ErrCodeRateLimit:          http.StatusTooManyRequests,
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
}

// Status is the HTTP status a code is rendered with.
func (c ErrorCode) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// OwnerHeader carries the relay that owns a room on a misdirected response.
const OwnerHeader = "X-Relay-Owner"

// AppError is an error that is safe to show to an HTTP client. Cause stays
// server side.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Details    map[string]string
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetail attaches a client visible key/value pair.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Owner returns the owning relay of a misdirected request, or "".
func (e *AppError) Owner() string {
	if e.Code != ErrCodeMisdirected {
		return ""
	}
	return e.Details["owner"]
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: code.Status()}
}

// Wrap keeps err as the cause behind a client facing message.
func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, resource+" not found")
}

func NewForbiddenError(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

// NewMisdirectedError reports that another relay instance serves the room.
func NewMisdirectedError(room, owner string) *AppError {
	return New(ErrCodeMisdirected, fmt.Sprintf("room %s is served by another relay", room)).
		WithDetail("owner", owner)
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

func NewServiceUnavailableError(message string) *AppError {
	return New(ErrCodeServiceUnavailable, message)
}

// GetAppError extracts the first AppError in err's chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
