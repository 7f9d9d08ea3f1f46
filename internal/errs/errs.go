// Package errs defines the error kinds shared across the transfer pipeline.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// KindValidation is a malformed path or config. Fatal, no retry implied.
	KindValidation Kind = "validation"
	// KindSecurity is a path traversal, symlink swap, SSRF target or oversize payload.
	// Always fatal and always paired with deletion of the partial artifact.
	KindSecurity Kind = "security"
	// KindUnsupportedRelation means no exporter is registered for a relation.
	KindUnsupportedRelation Kind = "unsupported_relation"
	// KindPartialItem is one failing sub-item of a batch. Never escapes the worker.
	KindPartialItem Kind = "partial_item"
	// KindTransport is a network-level failure, retried by the task queue.
	KindTransport Kind = "transport"
	// KindNotFound means the referenced record does not exist.
	KindNotFound Kind = "not_found"
)

// MaxMessageLength bounds error messages persisted on status rows.
const MaxMessageLength = 255

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// New creates a classified error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// Security creates a KindSecurity error.
func Security(op, format string, args ...any) *Error {
	return New(KindSecurity, op, format, args...)
}

// Transport creates a KindTransport error.
func Transport(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: "transport failure", Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Truncate shortens msg to at most n bytes without splitting a UTF-8 sequence.
func Truncate(msg string, n int) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= n {
		return msg
	}
	cut := n
	for cut > 0 && !utf8Start(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
