package errx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// StoreErrorMessage describes system-of-record failures.
	StoreErrorMessage = "store operation failed"
	// StoreNotFoundMessage describes a missing record.
	StoreNotFoundMessage = "record not found"
	// LLMErrorMessage describes failures talking to the language model.
	LLMErrorMessage = "llm call failed"
)

var (
	// ErrCircuitOpen is returned when a breaker rejects a call without attempting it.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrNotFound marks a missing record in the system of record.
	ErrNotFound = errors.New("not found")
	// ErrIterationLimit marks a tool loop that hit its iteration cap.
	ErrIterationLimit = errors.New("tool loop iteration limit reached")
	// ErrMalformedResponse marks a model response the loop cannot interpret.
	ErrMalformedResponse = errors.New("malformed model response")
	// ErrStaleUpdate marks a write that a newer concurrent write already superseded.
	ErrStaleUpdate = errors.New("update superseded by a newer write")
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// StatusOf returns the HTTP status carried by err, or 500 when none is attached.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// IsTransient reports whether err belongs to the transient class: timeouts,
// dropped connections and backend-specific "try again" conditions. Transient
// errors are the only ones a RetryPolicy retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return isTransientRedis(err) || isTransientStore(err) || isTransientLLM(err)
}
