package core

import (
	"errors"
	"fmt"
)

// Kind classifies fleet failures.
type Kind int

const (
	KindProvider Kind = iota + 1
	KindImageResolution
	KindConnection
	KindRemoteExecution
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindProvider:
		return "provider"
	case KindImageResolution:
		return "image resolution"
	case KindConnection:
		return "connection"
	case KindRemoteExecution:
		return "remote execution"
	case KindTransfer:
		return "transfer"
	}
	return "unknown"
}

// Error is a classified failure against one target (host, member or marker).
type Error struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error on %s: %v", e.Kind, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err, or any *Error nested in it, is of kind k.
func IsKind(err error, k Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == k {
			return true
		}
		err = fe.Err
	}
	return false
}

var (
	// ErrNoKey is returned when a command needs the server key and none was loaded.
	ErrNoKey = errors.New("server key not loaded")
	// ErrNoOutcome marks a host the executor returned nothing for.
	ErrNoOutcome = errors.New("executor reported no outcome")
)
