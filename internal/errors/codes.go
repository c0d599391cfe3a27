package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for file store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeFileNotFound    ErrorCode = 1001
	ErrCodeConfiguration   ErrorCode = 1002

	// Server errors (5xx equivalent)
	ErrCodeInternal     ErrorCode = 2000
	ErrCodeUnavailable  ErrorCode = 2001
	ErrCodeUnreachable  ErrorCode = 2002
	ErrCodeQuorumNotMet ErrorCode = 2003
)

// FileStoreError represents a structured error with code and context
type FileStoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *FileStoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *FileStoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a FileStoreError with the same code, so callers
// can match against the package sentinels with errors.Is.
func (e *FileStoreError) Is(target error) bool {
	t, ok := target.(*FileStoreError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts FileStoreError to gRPC status
func (e *FileStoreError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *FileStoreError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeFileNotFound:
		return codes.NotFound
	case ErrCodeConfiguration:
		return codes.FailedPrecondition
	case ErrCodeUnavailable, ErrCodeUnreachable, ErrCodeQuorumNotMet:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewFileStoreError creates a new FileStoreError
func NewFileStoreError(code ErrorCode, message string, cause error) *FileStoreError {
	return &FileStoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *FileStoreError) WithDetail(key string, value interface{}) *FileStoreError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is matching; only the code is compared.
var (
	ErrInvalidArgument = &FileStoreError{Code: ErrCodeInvalidArgument}
	ErrFileNotFound    = &FileStoreError{Code: ErrCodeFileNotFound}
	ErrConfiguration   = &FileStoreError{Code: ErrCodeConfiguration}
	ErrUnavailable     = &FileStoreError{Code: ErrCodeUnavailable}
	ErrUnreachable     = &FileStoreError{Code: ErrCodeUnreachable}
	ErrQuorumNotMet    = &FileStoreError{Code: ErrCodeQuorumNotMet}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *FileStoreError {
	return NewFileStoreError(ErrCodeInvalidArgument, message, cause)
}

func FileNotFound(name string) *FileStoreError {
	return NewFileStoreError(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", name), nil).
		WithDetail("file", name)
}

func NoPrimary(name string) *FileStoreError {
	return NewFileStoreError(ErrCodeConfiguration, fmt.Sprintf("no primary site assigned for file %s", name), nil).
		WithDetail("file", name)
}

func Configuration(message string, cause error) *FileStoreError {
	return NewFileStoreError(ErrCodeConfiguration, message, cause)
}

func Unavailable(message string, cause error) *FileStoreError {
	return NewFileStoreError(ErrCodeUnavailable, message, cause)
}

func ReplicaUnavailable(site string) *FileStoreError {
	return NewFileStoreError(ErrCodeUnavailable, fmt.Sprintf("replica %s is unavailable", site), nil).
		WithDetail("site", site)
}

func Unreachable(message string, cause error) *FileStoreError {
	return NewFileStoreError(ErrCodeUnreachable, message, cause)
}

func QuorumNotMet(available, required int) *FileStoreError {
	return NewFileStoreError(ErrCodeQuorumNotMet, fmt.Sprintf("quorum not met: %d available, %d required", available, required), nil).
		WithDetail("available", available).
		WithDetail("required", required)
}

func InternalError(message string, cause error) *FileStoreError {
	return NewFileStoreError(ErrCodeInternal, message, cause)
}

// IsFileStoreError checks if an error is, or wraps, a FileStoreError
func IsFileStoreError(err error) bool {
	var fe *FileStoreError
	return stderrors.As(err, &fe)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var fe *FileStoreError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeInternal
}

// ToGRPCError converts any error into a gRPC status error. Errors that are not
// FileStoreErrors map to codes.Internal.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var fe *FileStoreError
	if stderrors.As(err, &fe) {
		return fe.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}
