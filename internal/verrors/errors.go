// Package verrors defines the structured error taxonomy shared by every
// daemon component, so the RPC bridge can translate a failure into
// error.data.kind without knowing which component produced it.
package verrors

import "fmt"

// Kind labels an error with the taxonomy category it belongs to.
type Kind string

const (
	UnInitialized      Kind = "UnInitialized"
	AlreadyInitialized Kind = "AlreadyInitialized"
	ShuttingDown       Kind = "ShuttingDown"
	InvalidParams      Kind = "InvalidParams"
	FileRead           Kind = "FileRead"
	EmbedTransport     Kind = "EmbedTransport"
	EmbedHTTPStatus    Kind = "EmbedHttpStatus"
	EmbedDecode        Kind = "EmbedDecode"
	EmbedDimMismatch   Kind = "EmbedDimMismatch"
	StoreOpen          Kind = "StoreOpen"
	StoreWrite         Kind = "StoreWrite"
	StoreRead          Kind = "StoreRead"
	Internal           Kind = "Internal"
)

// Error is the structured error type propagated from components up to the
// RPC bridge. Every failure the bridge reports to a caller carries one.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that carries err as its cause. Returns a nil *Error
// if err is nil; stored in an error interface, that nil pointer compares
// non-nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf extracts the taxonomy Kind from err, defaulting to Internal for
// any error that isn't a *Error — the catch-all required by spec §7.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
