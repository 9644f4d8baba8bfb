// Package apperr is the error taxonomy shared by every forwarding function.
// Handlers return these errors and a single responder maps them to HTTP.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindConflict
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

const internalMessage = "internal server error"

type Error struct {
	Kind    Kind
	Message string
	// UpstreamStatus is the downstream HTTP status for KindUpstream errors.
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Upstream records a downstream failure. status is 0 for transport errors.
func Upstream(target string, status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	if message == "" {
		message = "request failed"
	}
	return &Error{Kind: KindUpstream, UpstreamStatus: status, Message: fmt.Sprintf("%s: %s", target, message)}
}

// UpstreamTransport wraps a network level failure talking to target.
func UpstreamTransport(target string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: target + " unavailable", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// KindOf reports the taxonomy kind of err; untyped errors are internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUpstreamNotFound reports a downstream 404.
func IsUpstreamNotFound(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == KindUpstream && appErr.UpstreamStatus == http.StatusNotFound
	}
	return false
}

// PromoteNotFound turns a downstream 404 into a local not-found error. Other
// errors pass through untouched.
func PromoteNotFound(err error, format string, args ...interface{}) error {
	if IsUpstreamNotFound(err) {
		nf := NotFound(format, args...)
		nf.Err = err
		return nf
	}
	return err
}

func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text safe to return to a caller. Internal errors never
// expose their cause.
func PublicMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Kind == KindInternal {
		return internalMessage
	}
	if appErr.Message != "" {
		return appErr.Message
	}
	return appErr.Kind.String()
}
