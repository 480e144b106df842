// Package apperrors classifies failures of the continuity layer so background
// loops can decide whether to retry, surface, or escalate them.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind categorizes an error.
type Kind string

const (
	// KindTransientNetwork is retried on the next cycle.
	KindTransientNetwork Kind = "TRANSIENT_NETWORK"

	// KindStorageWrite is logged and otherwise ignored.
	KindStorageWrite Kind = "STORAGE_WRITE"

	// KindConflict blocks automatic remote-state application until resolved.
	KindConflict Kind = "CONFLICT"

	// KindProtocol marks a malformed inbound frame. The connection stays open.
	KindProtocol Kind = "PROTOCOL"

	// KindAuthentication means credentials were rejected. Never retried.
	KindAuthentication Kind = "AUTHENTICATION"
)

// Error wraps an underlying failure with its kind and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) *Error {
	return New(KindTransientNetwork, op, err)
}

func StorageWrite(op string, err error) *Error {
	return New(KindStorageWrite, op, err)
}

func Conflict(op string, count int) *Error {
	return New(KindConflict, op, fmt.Errorf("%d unresolved conflicts", count))
}

func Protocol(op string, err error) *Error {
	return New(KindProtocol, op, err)
}

func Authentication(op string, err error) *Error {
	return New(KindAuthentication, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func IsTransient(err error) bool { return KindOf(err) == KindTransientNetwork }
func IsStorageWrite(err error) bool { return KindOf(err) == KindStorageWrite }
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }
func IsAuthentication(err error) bool { return KindOf(err) == KindAuthentication }
