// Package errs defines the error taxonomy used across relaymesh components:
// PROTOCOL, NAMING, TRANSIENT, CONFIG and POLICY, each wrapping a reason so
// callers can classify a failure with errors.Is while still reading a human
// message.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the propagation policy each component follows.
type Kind string

const (
	// Protocol errors are fatal to the connection that produced them:
	// malformed or unexpected message types.
	Protocol Kind = "PROTOCOL"
	// Naming errors are surfaced to the requester as a normal FAILURE
	// response (e.g. duplicate id on register).
	Naming Kind = "NAMING"
	// Transient errors are logged and absorbed by the next membership
	// watch fire (peer unreachable, session expired).
	Transient Kind = "TRANSIENT"
	// Config errors are fatal at process startup.
	Config Kind = "CONFIG"
	// Policy errors mark a state-machine invariant violation and are
	// fatal, logged together with the offending state.
	Policy Kind = "POLICY"
)

// Error is a classified error value.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.New(errs.Protocol, "")) style checks: a
// target with no Reason and no Err matches on Kind alone, any other target
// on Kind and Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// AlreadyExists is the NAMING error the coordination store raises when a
// path already has a node, mirroring ZooKeeper's NodeExistsError in the
// system this design is based on.
var AlreadyExists = New(Naming, "already exists")

// IsAlreadyExists reports whether err is (or wraps) AlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, AlreadyExists)
}
