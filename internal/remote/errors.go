package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a failed remote call.
type Kind string

const (
	// KindRejected means the server explicitly refused the operation as
	// invalid or forbidden. Never retried.
	KindRejected Kind = "rejected"

	// KindTransient means the server could not be reached or answered with
	// an availability problem. Retried on the next trigger.
	KindTransient Kind = "transient"

	// KindAuthExpired means the credentials are no longer accepted.
	// Triggers one credential refresh and a single retry.
	KindAuthExpired Kind = "authExpired"

	// KindOffline means the device has no connectivity. Nothing was sent.
	KindOffline Kind = "offline"
)

// Error is a classified remote call failure.
//
// Error includes structured fields for diagnostics and for the user-visible
// warnings built from rejected mutations.
type Error struct {
	// Kind identifies the failure category.
	Kind Kind

	// Code is the server error code, if any (e.g. "nopermissions").
	Code string

	// Message is the human-readable reason, as given by the server when
	// available.
	Message string

	// Method is the remote procedure that failed.
	Method string

	// Err is the underlying cause (network error, decode error).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Method != "" && e.Code != "":
		return fmt.Sprintf("%s: %s (method=%s, code=%s)", e.Kind, msg, e.Method, e.Code)
	case e.Method != "":
		return fmt.Sprintf("%s: %s (method=%s)", e.Kind, msg, e.Method)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Reason returns the text shown to users for this failure.
func (e *Error) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Rejected creates an Error for an explicit server refusal.
func Rejected(method, code, message string) *Error {
	return &Error{Kind: KindRejected, Method: method, Code: code, Message: message}
}

// Transient creates an Error for a network or availability failure.
func Transient(method string, err error) *Error {
	return &Error{Kind: KindTransient, Method: method, Err: err}
}

// AuthExpired creates an Error for rejected credentials.
func AuthExpired(method, code, message string) *Error {
	return &Error{Kind: KindAuthExpired, Method: method, Code: code, Message: message}
}

// Offline creates an Error for a call attempted without connectivity.
func Offline(method string) *Error {
	return &Error{Kind: KindOffline, Method: method, Message: "no network connection"}
}

// KindOf classifies err. Errors that are not *Error are treated as
// transient: an unknown failure must never discard user data.
// Returns "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsRejected returns true if err is a rejected remote error.
// Uses errors.As to handle wrapped errors.
func IsRejected(err error) bool {
	return err != nil && KindOf(err) == KindRejected
}

// IsTransient returns true if err is transient or unclassified.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsAuthExpired returns true if err reports expired credentials.
func IsAuthExpired(err error) bool {
	return err != nil && KindOf(err) == KindAuthExpired
}

// IsOffline returns true if err reports missing connectivity.
func IsOffline(err error) bool {
	return err != nil && KindOf(err) == KindOffline
}

// Reason returns the user-facing reason of err: the server message for
// remote errors, err.Error() otherwise.
func Reason(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason()
	}
	return err.Error()
}
