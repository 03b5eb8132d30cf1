package domain

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable half of every error surfaced by the workflow.
type Reason string

const (
	ReasonIllegalTransition    Reason = "illegal-transition"
	ReasonInsufficientEvidence Reason = "insufficient-evidence"
	ReasonNotAProjectMember    Reason = "not-a-project-member"
	ReasonForbidden            Reason = "forbidden"
	ReasonNotFound             Reason = "not-found"
	ReasonConflict             Reason = "conflict"
	ReasonTransport            Reason = "transport"
	ReasonAlreadyInitialized   Reason = "already-initialized"
	ReasonInFlight             Reason = "mutation-in-flight"
	ReasonInconsistent         Reason = "inconsistent"
	ReasonInvalid              Reason = "invalid"
)

// Error carries a Reason plus a human-readable message.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same reason when target carries no message,
// so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason && t.Message == "" && t.Err == nil
}

var (
	ErrIllegalTransition    = &Error{Reason: ReasonIllegalTransition}
	ErrInsufficientEvidence = &Error{Reason: ReasonInsufficientEvidence}
	ErrNotAProjectMember    = &Error{Reason: ReasonNotAProjectMember}
	ErrForbidden            = &Error{Reason: ReasonForbidden}
	ErrNotFound             = &Error{Reason: ReasonNotFound}
	ErrConflict             = &Error{Reason: ReasonConflict}
	ErrTransport            = &Error{Reason: ReasonTransport}
	ErrAlreadyInitialized   = &Error{Reason: ReasonAlreadyInitialized}
	ErrInFlight             = &Error{Reason: ReasonInFlight}
	ErrInconsistent         = &Error{Reason: ReasonInconsistent}
	ErrInvalid              = &Error{Reason: ReasonInvalid}
)

func Errorf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a reason to an underlying error.
func Wrap(reason Reason, err error, msg string) *Error {
	return &Error{Reason: reason, Message: msg, Err: err}
}

// ReasonOf returns the reason of the first *Error in err's chain, or "" if none.
func ReasonOf(err error) Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}
