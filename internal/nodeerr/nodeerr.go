// Package nodeerr carries the node's error taxonomy as an explicit kind
// field so callers branch on Kind instead of on concrete error types.
package nodeerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the node must react to it.
type Kind int

const (
	// KindUnknown is any error that was never classified.
	KindUnknown Kind = iota
	// KindTransient covers network failures; retried with backoff, never fatal.
	KindTransient
	// KindSessionExpired requires a fresh login with the credentials re-presented.
	KindSessionExpired
	// KindAuthFatal is a bad or revoked credential; the node stops.
	KindAuthFatal
	// KindProbe is a failed speed probe; logged, previous tier held over.
	KindProbe
	// KindUpload is a ledger upload rejected by the server; events stay pending.
	KindUpload
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSessionExpired:
		return "session_expired"
	case KindAuthFatal:
		return "auth_fatal"
	case KindProbe:
		return "probe"
	case KindUpload:
		return "upload"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must stop the node.
func IsFatal(err error) bool {
	return KindOf(err) == KindAuthFatal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the supervisor should reconnect after err.
// Probe and upload failures are soft and never reach the supervisor.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindSessionExpired, KindUnknown:
		return err != nil
	default:
		return false
	}
}
