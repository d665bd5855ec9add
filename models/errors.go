package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes used in API responses and internal error handling.
const (
	ErrCodeTimeout      = "FETCH_TIMEOUT"
	ErrCodeNavigation   = "NAVIGATION_FAILED"
	ErrCodeHTTPStatus   = "HTTP_ERROR_STATUS"
	ErrCodeBlocked      = "PROTECTION_BLOCKED"
	ErrCodeBrowserCrash = "BROWSER_CRASH"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FetchError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type FetchError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new FetchError.
func NewFetchError(code, message string, err error) *FetchError {
	return &FetchError{Code: code, Message: message, Err: err}
}

// Transient reports whether the error is worth retrying elsewhere.
// Permanent blocks and invalid input are not.
func (e *FetchError) Transient() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeNavigation, ErrCodeHTTPStatus, ErrCodeBrowserCrash:
		return true
	}
	return false
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *FetchError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// Categorize wraps an arbitrary error in a FetchError with the most
// specific code its shape allows. A FetchError passes through as-is.
func Categorize(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFetchError(ErrCodeTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return NewFetchError(ErrCodeTimeout, "operation cancelled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "navigate") || strings.Contains(msg, "net::"):
		return NewFetchError(ErrCodeNavigation, "navigation failed", err)
	case strings.Contains(msg, "browser") || strings.Contains(msg, "websocket"):
		return NewFetchError(ErrCodeBrowserCrash, "browser failure", err)
	}
	return NewFetchError(ErrCodeInternal, "unexpected failure", err)
}
