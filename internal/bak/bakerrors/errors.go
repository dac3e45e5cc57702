// Package bakerrors defines the closed set of error kinds surfaced by the
// extraction core and a wrapper type that carries one of them alongside
// the underlying cause.
package bakerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a surface discriminant, not a type hierarchy: callers branch on
// Kind to decide retry/fallback behavior, never on the wrapped error's
// concrete type.
type Kind string

const (
	KindFileIO               Kind = "file-io"
	KindFormat               Kind = "format"
	KindUnsupportedVersion   Kind = "unsupported-version"
	KindDecompression        Kind = "decompression"
	KindEncryptionTDE        Kind = "encryption:tde"
	KindEncryptionBackup     Kind = "encryption:backup"
	KindTableNotFound        Kind = "table-not-found"
	KindPageCorruption       Kind = "page-corruption"
	KindExport               Kind = "export"
	KindConfig               Kind = "config"
)

// Error wraps an underlying cause with a Kind and optional structured
// fields describing where it happened (stripe index, page id, and so on).
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]interface{}
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is makes errors.Is(err, target) match when target is an *Error with the
// same Kind, comparing the Kind discriminant rather than identity. To test
// an error against a bare Kind, use IsKind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an *Error with a formatted message and no wrapped cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with a Kind and message, preserving it for
// errors.Unwrap/errors.Cause chains.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Msg: msg, cause: errors.WithStack(cause)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// WithField returns a copy of e with an additional structured field set.
// Used to attach stripe_index, page_id, object_id, and similar context to
// diagnostics logged at the call site.
func (e *Error) WithField(key string, value interface{}) *Error {
	clone := *e
	fields := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	clone.Fields = fields
	return &clone
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Terminal reports whether a Kind represents a phase-level failure that
// should abort extraction outright, as opposed to a per-page/per-record
// diagnostic that the core logs and continues past.
func (k Kind) Terminal() bool {
	switch k {
	case KindPageCorruption, KindDecompression:
		return false
	default:
		return true
	}
}
