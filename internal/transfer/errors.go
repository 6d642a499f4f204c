package transfer

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the closed taxonomy from spec.md §7/§6.
type ErrorKind string

const (
	ClientNotFound       ErrorKind = "CLIENT_NOT_FOUND"
	ClientNotConnected   ErrorKind = "CLIENT_NOT_CONNECTED"
	FileNotFound         ErrorKind = "FILE_NOT_FOUND"
	FileReadError        ErrorKind = "FILE_READ_ERROR"
	PermissionDenied     ErrorKind = "PERMISSION_DENIED"
	DownloadInProgress   ErrorKind = "DOWNLOAD_IN_PROGRESS"
	DownloadTimeout      ErrorKind = "DOWNLOAD_TIMEOUT"
	ChunkChecksumFailed  ErrorKind = "CHUNK_CHECKSUM_FAILED"
	ChunkTransferFailed  ErrorKind = "CHUNK_TRANSFER_FAILED"
	InvalidRequest       ErrorKind = "INVALID_REQUEST"
)

// Error is the single internal error type: a kind for callers to branch on
// (and for the control adapter to map to an HTTP status), a human message,
// optional structured details, and a preserved cause chain for logging.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	cause   error
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}
