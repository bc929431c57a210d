package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/ssh/knownhosts"
	"google.golang.org/api/googleapi"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents network or server connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuth represents rejected credentials or host keys
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeLocked represents a data store held by another writer
	ErrorTypeLocked ErrorType = "locked"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeNotFound represents missing files or objects
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeNoSpace represents a full filesystem
	ErrorTypeNoSpace ErrorType = "no_space"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents cancellation by signal or caller
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether retrying the failed operation can help
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// ErrorClassifier maps raw errors from drivers, SDKs and the OS onto ErrorTypes
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	classifiers := []func(error) *AppError{
		ec.classifyContextError,
		ec.classifySSHError,
		ec.classifySQLiteError,
		ec.classifyMySQLError,
		ec.classifyCloudError,
		ec.classifyNetworkError,
		ec.classifyFileSystemError,
	}
	for _, classify := range classifiers {
		if classified := classify(err); classified != nil {
			return classified
		}
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAppError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

// classifySSHError recognises SSH handshake failures
func (ec *ErrorClassifier) classifySSHError(err error) *AppError {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return NewAppError(ErrorTypeAuth, "Remote host is not listed in known_hosts", err)
		}
		return NewAppError(ErrorTypeAuth, "Remote host key does not match known_hosts", err)
	}
	var revokedErr *knownhosts.RevokedError
	if errors.As(err, &revokedErr) {
		return NewAppError(ErrorTypeAuth, "Remote host key has been revoked", err)
	}
	// x/crypto/ssh reports client auth failures only as formatted text.
	if strings.Contains(err.Error(), "ssh: unable to authenticate") {
		return NewAppError(ErrorTypeAuth, "SSH authentication failed - check user and private key", err)
	}
	return nil
}

// classifySQLiteError classifies errors from the embedded SQLite driver
func (ec *ErrorClassifier) classifySQLiteError(err error) *AppError {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return nil
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return NewAppError(ErrorTypeLocked, "Database is locked by another process", err).
			WithContext("sqlite_error_code", sqliteErr.Code())
	case sqlite3.SQLITE_CANTOPEN:
		return NewAppError(ErrorTypeNotFound, "Database file cannot be opened", err).
			WithContext("sqlite_error_code", sqliteErr.Code())
	case sqlite3.SQLITE_PERM, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_AUTH:
		return NewAppError(ErrorTypePermission, "Database access denied", err).
			WithContext("sqlite_error_code", sqliteErr.Code())
	case sqlite3.SQLITE_FULL:
		return NewAppError(ErrorTypeNoSpace, "No space left for database copy", err).
			WithContext("sqlite_error_code", sqliteErr.Code())
	default:
		return NewAppError(ErrorTypeUnknown, "SQLite error", err).
			WithContext("sqlite_error_code", sqliteErr.Code())
	}
}

// classifyMySQLError classifies MySQL-specific errors
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1045: // Access denied
			return NewAppError(ErrorTypeAuth,
				"Database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1049: // Unknown database
			return NewAppError(ErrorTypeNotFound,
				"Database does not exist", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1205: // Lock wait timeout exceeded
			return NewAppError(ErrorTypeLocked,
				"Lock wait timeout exceeded while reading database", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003: // Can't connect to MySQL server
			return NewRecoverableError(ErrorTypeConnection,
				"Cannot connect to MySQL server - server may be down or unreachable", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2006: // MySQL server has gone away
			return NewRecoverableError(ErrorTypeConnection,
				"MySQL server connection lost", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewAppError(ErrorTypeUnknown,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}
	return nil
}

// classifyCloudError classifies object store SDK errors
func (ec *ErrorClassifier) classifyCloudError(err error) *AppError {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return NewAppError(ErrorTypeAuth, "Object store rejected credentials", err).
				WithContext("aws_error_code", awsErr.Code())
		case "NoSuchBucket", "NotFound", "NoSuchKey":
			return NewAppError(ErrorTypeNotFound, "Object store bucket or key not found", err).
				WithContext("aws_error_code", awsErr.Code())
		case "RequestTimeout", "RequestError", "SlowDown", "InternalError", "ServiceUnavailable":
			return NewRecoverableError(ErrorTypeConnection, "Object store request failed", err).
				WithContext("aws_error_code", awsErr.Code())
		}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return NewAppError(ErrorTypeAuth, "Object store rejected credentials", err).
				WithContext("http_status", apiErr.Code)
		case apiErr.Code == 404:
			return NewAppError(ErrorTypeNotFound, "Object store bucket or key not found", err).
				WithContext("http_status", apiErr.Code)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return NewRecoverableError(ErrorTypeConnection, "Object store request failed", err).
				WithContext("http_status", apiErr.Code)
		}
	}

	var azErr azblob.StorageError
	if errors.As(err, &azErr) {
		status := 0
		if resp := azErr.Response(); resp != nil {
			status = resp.StatusCode
		}
		switch {
		case azErr.ServiceCode() == azblob.ServiceCodeAuthenticationFailed || status == 401 || status == 403:
			return NewAppError(ErrorTypeAuth, "Object store rejected credentials", err).
				WithContext("azure_service_code", string(azErr.ServiceCode()))
		case azErr.ServiceCode() == azblob.ServiceCodeContainerNotFound ||
			azErr.ServiceCode() == azblob.ServiceCodeBlobNotFound || status == 404:
			return NewAppError(ErrorTypeNotFound, "Object store bucket or key not found", err).
				WithContext("azure_service_code", string(azErr.ServiceCode()))
		case status == 429 || status >= 500 || azErr.Timeout():
			return NewRecoverableError(ErrorTypeConnection, "Object store request failed", err).
				WithContext("http_status", status)
		}
	}
	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout,
			"Network operation timed out", err)
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return NewRecoverableError(ErrorTypeConnection, "Connection reset by peer", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *fs.PathError
	path := ""
	if errors.As(err, &pathErr) {
		path = pathErr.Path
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NewAppError(ErrorTypeNotFound,
			fmt.Sprintf("File or directory not found: %s", path), err).WithContext("path", path)
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return NewAppError(ErrorTypePermission,
			fmt.Sprintf("Permission denied: %s", path), err).WithContext("path", path)
	case errors.Is(err, syscall.ENOSPC):
		return NewAppError(ErrorTypeNoSpace,
			"No space left on device", err).WithContext("path", path)
	}
	return nil
}

// GetErrorType returns the classified error type of an error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	return NewErrorClassifier().ClassifyError(err).Type
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	classified := NewErrorClassifier().ClassifyError(err)
	if classified.Type == ErrorTypeUnknown {
		return "An unexpected error occurred. Please check the logs for more details."
	}
	return classified.GetUserMessage()
}
