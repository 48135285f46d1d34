package apperr

import (
	"errors"
	"fmt"

	"oralroom/internal/domain"
)

// Kind classifies failures of the session layer.
type Kind string

const (
	KindConnection Kind = "connection"
	KindPermission Kind = "permission"
	KindRecording  Kind = "recording"
	KindPlayback   Kind = "playback"
	KindUpload     Kind = "upload"
	KindToken      Kind = "token"
)

// Error is a classified error that may wrap a cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// Code maps the kind onto the error code reported to the UI and server.
func (e *Error) Code() domain.ErrorCode {
	switch e.Kind {
	case KindConnection:
		return domain.ErrorCodeConnection
	case KindPermission:
		return domain.ErrorCodePermission
	case KindRecording:
		return domain.ErrorCodeRecording
	case KindPlayback:
		return domain.ErrorCodePlayback
	case KindUpload:
		return domain.ErrorCodeUpload
	case KindToken:
		return domain.ErrorCodeToken
	default:
		return domain.ErrorCode(e.Kind)
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func Connection(message string, cause error) *Error {
	return Wrap(KindConnection, message, cause)
}

func Permission(message string, cause error) *Error {
	return Wrap(KindPermission, message, cause)
}

// Recording classifies capture failures that are not a denied microphone.
func Recording(message string, cause error) *Error {
	return Wrap(KindRecording, message, cause)
}

func Playback(message string, cause error) *Error {
	return Wrap(KindPlayback, message, cause)
}

func Upload(message string, cause error) *Error {
	return Wrap(KindUpload, message, cause)
}

func Token(message string) *Error {
	return New(KindToken, message)
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// CodeOf returns the error code for err, falling back to the provided code.
func CodeOf(err error, fallback domain.ErrorCode) domain.ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return fallback
}
