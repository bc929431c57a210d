package backup

import (
	"context"
	"errors"
	"fmt"
)

// BackupError represents errors that occur during a backup run
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Stage   Stage                  `json:"stage,omitempty"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeIO            BackupErrorType = "IO_ERROR"
	BackupErrorTypeSnapshot      BackupErrorType = "SNAPSHOT_ERROR"
	BackupErrorTypeCompression   BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeEncryption    BackupErrorType = "ENCRYPTION_ERROR"
	BackupErrorTypeTransport     BackupErrorType = "TRANSPORT_ERROR"
	BackupErrorTypeRetention     BackupErrorType = "RETENTION_ERROR"
	BackupErrorTypeConfiguration BackupErrorType = "CONFIGURATION_ERROR"
	BackupErrorTypeCancelled     BackupErrorType = "CANCELLED"
	BackupErrorTypeInternal      BackupErrorType = "INTERNAL_ERROR"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithStage records the pipeline stage that produced the error
func (e *BackupError) WithStage(stage Stage) *BackupError {
	e.Stage = stage
	return e
}

// Common error constructors
func NewIOError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeIO, message, cause)
}

func NewSnapshotError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeSnapshot, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewEncryptionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeEncryption, message, cause)
}

func NewTransportError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTransport, message, cause)
}

func NewRetentionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeRetention, message, cause)
}

func NewConfigurationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConfiguration, message, cause)
}

func NewCancelledError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCancelled, message, cause)
}

func NewInternalError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeInternal, message, cause)
}

// ErrorTypeOf returns the BackupErrorType carried by err, or "" if none
func ErrorTypeOf(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	var backupErr *BackupError
	if !errors.As(err, &backupErr) {
		return false
	}
	if backupErr.Type != BackupErrorTypeTransport {
		return false
	}
	retryable, _ := backupErr.Context["retryable"].(bool)
	return retryable
}

// ctxError converts a context failure into a cancellation error, or nil
func ctxError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewCancelledError("backup run cancelled", err)
	}
	return nil
}
