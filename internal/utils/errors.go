package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/types"
)

// Exit codes
const (
	ExitSuccess = 0
	// Auth errors (10-19)
	ExitAuthRequired = 10
	ExitAuthExpired  = 11
	// File operation errors (20-29)
	ExitFileNotFound = 20
	ExitLocalIO      = 21
	// Network errors (30-39)
	ExitNetworkError = 30
	ExitRateLimited  = 32
	ExitCancelled    = 34
	// Validation errors (40-49)
	ExitInvalidArgument = 40
	ExitInvalidPath     = 41
	ExitAmbiguousPath   = 42
	ExitInvalidConfig   = 44
	// Partial failure: the run finished but some entries failed
	ExitPartialFailure = 60
	// Unknown
	ExitUnknown = 99
)

// Error codes (tool-owned, stable)
const (
	ErrCodeAuthRequired     = "AUTH_REQUIRED"
	ErrCodeAuthExpired      = "AUTH_EXPIRED"
	ErrCodeFileNotFound     = "FILE_NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeExportSizeLimit  = "EXPORT_SIZE_LIMIT"
	ErrCodeNetworkError     = "NETWORK_ERROR"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeLocalIO          = "LOCAL_IO"
	ErrCodeInvalidArgument  = "INVALID_ARGUMENT"
	ErrCodeInvalidPath      = "INVALID_PATH"
	ErrCodeAmbiguousPath    = "AMBIGUOUS_PATH"
	ErrCodeInvalidConfig    = "INVALID_CONFIG"
	ErrCodePartialFailure   = "PARTIAL_FAILURE"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeUnknown          = "UNKNOWN"
)

// CLIErrorBuilder helps construct CLIError instances
type CLIErrorBuilder struct {
	err types.CLIError
}

// NewCLIError creates a new error builder
func NewCLIError(code, message string) *CLIErrorBuilder {
	return &CLIErrorBuilder{
		err: types.CLIError{
			Code:    code,
			Message: message,
			Kind:    defaultKind(code),
		},
	}
}

func (b *CLIErrorBuilder) WithHTTPStatus(status int) *CLIErrorBuilder {
	b.err.HTTPStatus = status
	return b
}

func (b *CLIErrorBuilder) WithDriveReason(reason string) *CLIErrorBuilder {
	b.err.DriveReason = reason
	return b
}

func (b *CLIErrorBuilder) WithRetryable(retryable bool) *CLIErrorBuilder {
	b.err.Retryable = retryable
	return b
}

func (b *CLIErrorBuilder) WithKind(kind types.ErrorKind) *CLIErrorBuilder {
	b.err.Kind = kind
	return b
}

func (b *CLIErrorBuilder) WithContext(key string, value interface{}) *CLIErrorBuilder {
	if b.err.Context == nil {
		b.err.Context = make(map[string]interface{})
	}
	b.err.Context[key] = value
	return b
}

func (b *CLIErrorBuilder) Build() types.CLIError {
	return b.err
}

// defaultKind derives the error kind implied by a stable code
func defaultKind(code string) types.ErrorKind {
	switch code {
	case ErrCodeAuthRequired, ErrCodeAuthExpired:
		return types.ErrKindAuth
	case ErrCodeFileNotFound:
		return types.ErrKindNotFound
	case ErrCodeNetworkError, ErrCodeTimeout:
		return types.ErrKindTransient
	case ErrCodeRateLimited:
		return types.ErrKindRateLimit
	case ErrCodeLocalIO:
		return types.ErrKindLocalIO
	case ErrCodeCancelled:
		return types.ErrKindCancelled
	}
	return types.ErrKindUnknown
}

// GetExitCode returns the exit code for an error code
func GetExitCode(errorCode string) int {
	mapping := map[string]int{
		ErrCodeAuthRequired:    ExitAuthRequired,
		ErrCodeAuthExpired:     ExitAuthExpired,
		ErrCodeFileNotFound:    ExitFileNotFound,
		ErrCodeLocalIO:         ExitLocalIO,
		ErrCodeNetworkError:    ExitNetworkError,
		ErrCodeTimeout:         ExitNetworkError,
		ErrCodeRateLimited:     ExitRateLimited,
		ErrCodeCancelled:       ExitCancelled,
		ErrCodeInvalidArgument: ExitInvalidArgument,
		ErrCodeInvalidPath:     ExitInvalidPath,
		ErrCodeAmbiguousPath:   ExitAmbiguousPath,
		ErrCodeInvalidConfig:   ExitInvalidConfig,
		ErrCodePartialFailure:  ExitPartialFailure,
	}
	if code, ok := mapping[errorCode]; ok {
		return code
	}
	return ExitUnknown
}

// AppError is a custom error type that carries CLI error info
type AppError struct {
	CLIError types.CLIError
	// RetryAfter is the provider's requested wait, zero when absent
	RetryAfter time.Duration
	cause      error
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.CLIError.Code, e.CLIError.Message)
}

// Unwrap exposes the underlying cause, if any
func (e *AppError) Unwrap() error {
	return e.cause
}

// Kind returns the classified error kind
func (e *AppError) Kind() types.ErrorKind {
	if e.CLIError.Kind == types.ErrKindNone {
		return types.ErrKindUnknown
	}
	return e.CLIError.Kind
}

// NewAppError creates an AppError from a CLIError
func NewAppError(cliErr types.CLIError) *AppError {
	return &AppError{CLIError: cliErr}
}

// WrapAppError creates an AppError that keeps cause reachable through errors.Is/As
func WrapAppError(cliErr types.CLIError, cause error) *AppError {
	return &AppError{CLIError: cliErr, cause: cause}
}

// LocalIOError wraps a filesystem failure for a target path
func LocalIOError(op, path string, err error) *AppError {
	return WrapAppError(NewCLIError(ErrCodeLocalIO, fmt.Sprintf("%s %s: %v", op, path, err)).
		WithContext("path", path).
		WithContext("op", op).
		Build(), err)
}

// KindOf reports the error kind of err, unwrapping AppErrors
func KindOf(err error) types.ErrorKind {
	if err == nil {
		return types.ErrKindNone
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.ErrKindCancelled
	}
	return types.ErrKindUnknown
}

// AsAppError returns the AppError in err's chain or a generic unknown one
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	code := ErrCodeUnknown
	if KindOf(err) == types.ErrKindCancelled {
		code = ErrCodeCancelled
	}
	return WrapAppError(NewCLIError(code, err.Error()).Build(), err)
}
