// Package errors defines common error types for the application.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the application.
const (
	CodeUnknown        = "UNKNOWN_ERROR"
	CodeArchiveFormat  = "ARCHIVE_FORMAT_ERROR"
	CodeAllocation     = "ALLOCATION_ERROR"
	CodeProtocol       = "PROTOCOL_ERROR"
	CodeInvalidInput   = "INVALID_INPUT"
	CodeNotFound       = "NOT_FOUND"
	CodeConfigError    = "CONFIG_ERROR"
	CodeStorageError   = "STORAGE_ERROR"
	CodeDatabaseError  = "DATABASE_ERROR"
	CodeArchiveRelease = "ARCHIVE_RELEASED"
)

// AppError represents an application error with a code and message.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code string, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error instances.
var (
	ErrArchiveFormat   = New(CodeArchiveFormat, "archive format error")
	ErrAllocation      = New(CodeAllocation, "allocation failed")
	ErrProtocol        = New(CodeProtocol, "loader protocol violation")
	ErrInvalidInput    = New(CodeInvalidInput, "invalid input")
	ErrNotFound        = New(CodeNotFound, "resource not found")
	ErrConfigError     = New(CodeConfigError, "configuration error")
	ErrStorageError    = New(CodeStorageError, "storage error")
	ErrDatabaseError   = New(CodeDatabaseError, "database error")
	ErrArchiveReleased = New(CodeArchiveRelease, "archive already released")
)

// IsArchiveFormatError checks if the error is an archive format error.
func IsArchiveFormatError(err error) bool {
	return errors.Is(err, ErrArchiveFormat)
}

// IsAllocationError checks if the error is an allocation failure.
func IsAllocationError(err error) bool {
	return errors.Is(err, ErrAllocation)
}

// IsProtocolError checks if the error is a loader protocol violation.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsStorageError checks if the error is a storage error.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorageError)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetErrorMessage extracts the error message from an error.
func GetErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
