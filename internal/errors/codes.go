package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents internal error codes for file operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeMalformedRequest ErrorCode = 1000
	ErrCodeNotFound         ErrorCode = 1001
	ErrCodeFileExists       ErrorCode = 1002
	ErrCodeLeaseDenied      ErrorCode = 1003
	ErrCodeInvalidFileName  ErrorCode = 1004
	ErrCodePayloadTooLarge  ErrorCode = 1005
	ErrCodeNotPrimary       ErrorCode = 1006

	// Server errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeUnavailable     ErrorCode = 2001
	ErrCodePeerUnreachable ErrorCode = 2002
	ErrCodeIOFailure       ErrorCode = 2003
	ErrCodeDiskFull        ErrorCode = 2004
	ErrCodeChecksumFailed  ErrorCode = 2005
	ErrCodeConflict        ErrorCode = 2006
)

// FSError represents a structured error with code and context
type FSError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *FSError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *FSError) Unwrap() error {
	return e.Cause
}

// NewFSError creates a new FSError
func NewFSError(code ErrorCode, message string, cause error) *FSError {
	return &FSError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *FSError) WithDetail(key string, value interface{}) *FSError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func MalformedRequest(message string, cause error) *FSError {
	return NewFSError(ErrCodeMalformedRequest, message, cause)
}

func NotFound(fileName string) *FSError {
	return NewFSError(ErrCodeNotFound, fmt.Sprintf("file not found: %s", fileName), nil).
		WithDetail("file_name", fileName)
}

func FileExists(fileName string) *FSError {
	return NewFSError(ErrCodeFileExists, fmt.Sprintf("file already exists: %s", fileName), nil).
		WithDetail("file_name", fileName)
}

func LeaseDenied(fileName, holder string) *FSError {
	return NewFSError(ErrCodeLeaseDenied, fmt.Sprintf("file %s is currently locked by %s", fileName, holder), nil).
		WithDetail("file_name", fileName).
		WithDetail("holder", holder)
}

func InvalidFileName(fileName, reason string) *FSError {
	return NewFSError(ErrCodeInvalidFileName, fmt.Sprintf("invalid file name '%s': %s", fileName, reason), nil).
		WithDetail("file_name", fileName).
		WithDetail("reason", reason)
}

func PayloadTooLarge(size, maxSize int) *FSError {
	return NewFSError(ErrCodePayloadTooLarge, fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func NotPrimary(fileName, primary string) *FSError {
	return NewFSError(ErrCodeNotPrimary, fmt.Sprintf("not the primary for %s, primary is %s", fileName, primary), nil).
		WithDetail("file_name", fileName).
		WithDetail("primary", primary)
}

func InternalError(message string, cause error) *FSError {
	return NewFSError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *FSError {
	return NewFSError(ErrCodeUnavailable, message, cause)
}

func PeerUnreachable(nodeID, addr string, cause error) *FSError {
	return NewFSError(ErrCodePeerUnreachable, fmt.Sprintf("peer %s at %s unreachable", nodeID, addr), cause).
		WithDetail("node_id", nodeID).
		WithDetail("addr", addr)
}

func IOFailure(message string, cause error) *FSError {
	return NewFSError(ErrCodeIOFailure, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *FSError {
	return NewFSError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func ChecksumFailed(fileName string, expected, actual uint32) *FSError {
	return NewFSError(ErrCodeChecksumFailed, fmt.Sprintf("checksum mismatch for %s: expected %d, got %d", fileName, expected, actual), nil).
		WithDetail("file_name", fileName).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func Conflict(key string, attempts int) *FSError {
	return NewFSError(ErrCodeConflict, fmt.Sprintf("concurrent update on %s not resolved after %d attempts", key, attempts), nil).
		WithDetail("key", key).
		WithDetail("attempts", attempts)
}

// IsFSError checks if an error is (or wraps) an FSError
func IsFSError(err error) bool {
	var fe *FSError
	return stderrors.As(err, &fe)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var fe *FSError
	if stderrors.As(err, &fe) {
		return fe.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
