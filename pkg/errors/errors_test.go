package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without underlying error",
			err:      New(CodeArchiveFormat, "bad magic"),
			expected: "[ARCHIVE_FORMAT_ERROR] bad magic",
		},
		{
			name:     "with underlying error",
			err:      Wrap(CodeAllocation, "heap exhausted", errors.New("need 12 words")),
			expected: "[ALLOCATION_ERROR] heap exhausted: need 12 words",
		},
		{
			name:     "formatted",
			err:      Newf(CodeProtocol, "slot %d empty", 7),
			expected: "[PROTOCOL_ERROR] slot 7 empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeStorageError, "download failed", underlying)

	assert.Equal(t, underlying, err.Unwrap())
	assert.True(t, errors.Is(err, underlying))
}

func TestAppError_Is(t *testing.T) {
	err1 := New(CodeProtocol, "error 1")
	err2 := New(CodeProtocol, "error 2")
	err3 := New(CodeAllocation, "error 3")

	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestClassifiers(t *testing.T) {
	wrapped := fmt.Errorf("batch 3: %w", Newf(CodeAllocation, "object %d", 12))

	tests := []struct {
		name     string
		check    func(error) bool
		err      error
		expected bool
	}{
		{"format", IsArchiveFormatError, Newf(CodeArchiveFormat, "index %d", 99), true},
		{"format nil", IsArchiveFormatError, nil, false},
		{"allocation wrapped", IsAllocationError, wrapped, true},
		{"allocation other", IsAllocationError, ErrProtocol, false},
		{"protocol", IsProtocolError, ErrProtocol, true},
		{"storage", IsStorageError, Wrap(CodeStorageError, "cos", errors.New("403")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.check(tt.err))
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, CodeAllocation, GetErrorCode(fmt.Errorf("wrap: %w", ErrAllocation)))
	assert.Equal(t, CodeUnknown, GetErrorCode(errors.New("plain")))
	assert.Equal(t, CodeUnknown, GetErrorCode(nil))
}

func TestGetErrorMessage(t *testing.T) {
	assert.Equal(t, "loader protocol violation", GetErrorMessage(ErrProtocol))
	assert.Equal(t, "plain", GetErrorMessage(errors.New("plain")))
	assert.Equal(t, "", GetErrorMessage(nil))
}
