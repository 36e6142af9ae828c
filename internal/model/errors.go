package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for remote call classification.
var (
	ErrAuthentication     = errors.New("AuthenticationError")
	ErrPermission         = errors.New("PermissionDeniedError")
	ErrNotFound           = errors.New("NotFoundError")
	ErrInvalidRequest     = errors.New("InvalidRequestError")
	ErrRateLimit          = errors.New("RateLimitError")
	ErrTimeout            = errors.New("Timeout")
	ErrServiceUnavailable = errors.New("ServiceUnavailableError")
	ErrNetwork            = errors.New("NetworkError")
)

// ErrorClass is the coarse category of a failed remote call. The retry
// controller only looks at the class, never at the message.
type ErrorClass string

const (
	ClassTimeout      ErrorClass = "timeout"
	ClassRateLimit    ErrorClass = "rate_limit"
	ClassServerError  ErrorClass = "server_error"
	ClassClientError  ErrorClass = "client_error"
	ClassNetworkError ErrorClass = "network_error"
)

// Retryable reports whether a failure of this class may succeed on a later attempt.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassRateLimit, ClassServerError, ClassNetworkError:
		return true
	default:
		return false
	}
}

// TianjiError is the unified error type returned by provider calls.
type TianjiError struct {
	StatusCode int        `json:"status_code"`
	Message    string     `json:"message"`
	Type       string     `json:"type"`
	Provider   string     `json:"llm_provider"`
	Model      string     `json:"model"`
	Class      ErrorClass `json:"error_class"`
	Err        error      `json:"-"`
}

func (e *TianjiError) Error() string {
	return fmt.Sprintf("[%s] %s: %s (status=%d, model=%s)",
		e.Provider, e.Type, e.Message, e.StatusCode, e.Model)
}

func (e *TianjiError) Unwrap() error {
	return e.Err
}

// ErrorResponse is the JSON error body returned by the HTTP API.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// MapHTTPStatusToError maps an HTTP status code to a sentinel error.
func MapHTTPStatusToError(status int) error {
	switch {
	case status == 401:
		return ErrAuthentication
	case status == 403:
		return ErrPermission
	case status == 404:
		return ErrNotFound
	case status == 429:
		return ErrRateLimit
	case status == 400:
		return ErrInvalidRequest
	case status == 408:
		return ErrTimeout
	case status >= 500:
		return ErrServiceUnavailable
	default:
		return fmt.Errorf("unexpected status code: %d", status)
	}
}

// ClassForStatus maps an HTTP status code to an ErrorClass.
func ClassForStatus(status int) ErrorClass {
	switch {
	case status == 408:
		return ClassTimeout
	case status == 429:
		return ClassRateLimit
	case status >= 500:
		return ClassServerError
	default:
		return ClassClientError
	}
}

// ClassifyError returns the class of err. Errors that carry no recognisable
// signal are treated as client errors so they are never retried.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var te *TianjiError
	if errors.As(err, &te) && te.Class != "" {
		return te.Class
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}

	switch {
	case errors.Is(err, ErrRateLimit):
		return ClassRateLimit
	case errors.Is(err, ErrServiceUnavailable):
		return ClassServerError
	case errors.Is(err, ErrNetwork):
		return ClassNetworkError
	}

	if ne != nil {
		return ClassNetworkError
	}
	return ClassClientError
}
