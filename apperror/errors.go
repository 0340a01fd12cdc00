// Package apperror holds the error taxonomy shared by stores, services and
// handlers. Every sentinel carries a Kind which decides the HTTP status and
// whether a client may retry blindly.
package apperror

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindConflict           Kind = "CONFLICT"
	KindNotFound           Kind = "NOT_FOUND"
	KindVerificationFailed Kind = "VERIFICATION_FAILED"
	KindUnavailable        Kind = "SERVICE_UNAVAILABLE"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindInternal           Kind = "INTERNAL_ERROR"
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

var (
	ErrInvalidInput = New(KindInvalidInput, "invalid input")
	ErrInvalidSize  = New(KindInvalidInput, "invalid file size")
	ErrInvalidChunk = New(KindInvalidInput, "invalid chunk")

	ErrDuplicateChunk = New(KindConflict, "chunk already recorded")
	ErrConflict       = New(KindConflict, "resource already exists")

	ErrSessionNotFound = New(KindNotFound, "upload session not found or expired")
	ErrFileNotFound    = New(KindNotFound, "file not found")

	ErrCompletionVerificationFailed = New(KindVerificationFailed, "upload completion verification failed")

	ErrStorageUnavailable = New(KindUnavailable, "object storage unavailable")
	ErrStoreUnavailable   = New(KindUnavailable, "durable store unavailable")

	ErrUnauthorized = New(KindUnauthorized, "access token required")
	ErrForbidden    = New(KindForbidden, "forbidden")
)

// Object storage gateway errors.
var (
	ErrUploadNotInitiated = New(KindNotFound, "multipart upload not initiated")
	ErrETagMismatch       = New(KindVerificationFailed, "part integrity tags do not match")
	ErrInvalidPartNumber  = New(KindInvalidInput, "part number must be >= 1")
)

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput, KindVerificationFailed:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// IsRetriable reports whether a client may resubmit the same request unchanged.
func IsRetriable(err error) bool {
	k := KindOf(err)
	return k == KindUnavailable || k == KindInternal
}
