// Package chaterr holds the error taxonomy shared by the client engine.
//
// Callers match categories with errors.As / errors.Is:
//
//	var authErr *chaterr.AuthError
//	if errors.As(err, &authErr) { ... }
//	if errors.Is(err, chaterr.ErrChannelNotReady) { ... }
package chaterr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChannelNotReady is returned when sending on a realtime channel
	// that is not in the Connected state.
	ErrChannelNotReady = errors.New("realtime channel not ready")

	// ErrStaleSession is returned when a response arrives for a session
	// that has since been replaced or logged out. The response is dropped.
	ErrStaleSession = errors.New("stale session")

	// ErrRoomNotFound is returned when an operation addresses a room id
	// that is not in the directory.
	ErrRoomNotFound = errors.New("room not found")

	// ErrNoSession is returned by operations that need an authenticated session.
	ErrNoSession = errors.New("no active session")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError reports malformed local input. It is produced before any
// network traffic happens.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+": "+field.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Invalid builds a single-field ValidationError.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

// AuthError reports rejected credentials or an unusable token. Producing
// one always clears the session.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError reports a transport-level failure. There is no automatic retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvariantError reports a programmer error: a store mutation that would
// break one of the room/message invariants. The mutation is not applied.
type InvariantError struct {
	RoomID int
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in room %d: %s", e.RoomID, e.Detail)
}

// IsAuth reports whether err is an *AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsNetwork reports whether err is a *NetworkError.
func IsNetwork(err error) bool {
	var networkErr *NetworkError
	return errors.As(err, &networkErr)
}
