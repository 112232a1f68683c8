// Package swarmerrors defines the error taxonomy for the propagation
// policy: which errors drop a single peer silently, which are surfaced
// without stopping the torrent, and which are fatal.
package swarmerrors

import "errors"

// Kind classifies an error for the propagation policy.
type Kind int

// Error kinds the core distinguishes.
const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindHashMismatch
	KindIntegrity
	KindTimeout
	KindTracker
	KindResourceExhausted
	KindCancelled
)

// Error wraps an underlying error with a Kind for classification.
type Error struct {
	K       Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string, err error) *Error {
	return &Error{K: k, Message: msg, Err: err}
}

// Transport wraps a socket-layer error.
func Transport(msg string, err error) error { return newErr(KindTransport, msg, err) }

// Protocol wraps a malformed/unexpected wire message error.
func Protocol(msg string) error { return newErr(KindProtocol, msg, nil) }

// HashMismatch reports a piece that failed SHA-1 verification.
func HashMismatch(index uint32) error {
	return newErr(KindHashMismatch, "piece hash mismatch", nil)
}

// Integrity reports a disk read that differs from what was written.
func Integrity(msg string, err error) error { return newErr(KindIntegrity, msg, err) }

// Timeout wraps a connect/request/idle timeout.
func Timeout(msg string) error { return newErr(KindTimeout, msg, nil) }

// Tracker wraps a tracker failure-reason or non-2xx response.
func Tracker(msg string, err error) error { return newErr(KindTracker, msg, err) }

// ResourceExhausted reports too many peers/buffers for the configured bounds.
func ResourceExhausted(msg string) error { return newErr(KindResourceExhausted, msg, nil) }

// Cancelled is the normal shutdown path, never surfaced as a user error.
var Cancelled = newErr(KindCancelled, "cancelled", nil)

// KindOf classifies err, returning KindUnknown if err was not produced by
// this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.K
	}
	return KindUnknown
}

// DropsPeer reports whether an error of this kind should only drop the
// offending peer connection rather than surface as a torrent-level error.
func DropsPeer(k Kind) bool {
	switch k {
	case KindTransport, KindProtocol, KindTimeout:
		return true
	default:
		return false
	}
}

// Fatal reports whether an error of this kind must stop the torrent.
func Fatal(k Kind) bool {
	switch k {
	case KindIntegrity:
		return true
	default:
		return false
	}
}
