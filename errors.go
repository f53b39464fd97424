package rewind

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSynchronized is returned when an operation needs a Running
	// session but the handshake hasn't finished.
	ErrNotSynchronized = errors.New("can't use session: not synchronized")

	// ErrBadHandle is returned for an unknown or out-of-range handle.
	ErrBadHandle = errors.New("no such player handle")

	// ErrNotLocal is returned when input is added for a non-local slot.
	ErrNotLocal = errors.New("player handle is not local")

	// ErrInputDropped is returned when the local input queue can't take
	// another frame, or already took one for the current frame.
	ErrInputDropped = errors.New("can't add input: queue full")

	// ErrPredictionThreshold is returned while the session sits at the
	// prediction barrier; the input would be for a frame that can't be
	// simulated yet.
	ErrPredictionThreshold = errors.New("can't add input: too far ahead of confirmed frame")

	// ErrPlayerDisconnected is returned for operations on a slot that
	// already dropped.
	ErrPlayerDisconnected = errors.New("player is disconnected")

	// ErrCompressionOverflow means one encode or decode call exceeded the
	// scratch budget. From an encode it indicates a bug in the caller; a
	// received burst that would expand past the budget is dropped like any
	// other undecodable input.
	ErrCompressionOverflow = errors.New("can't compress inputs: scratch budget exceeded")
)

// A MsgError is a wire message that failed to decode. These are dropped
// and counted, never fatal.
type MsgError struct {
	Data []byte
	Err  error
}

func (e MsgError) Error() string {
	return fmt.Sprintf("can't decode msg: %x: %v", e.Data, e.Err)
}

func (e MsgError) Unwrap() error { return e.Err }

// A DesyncError describes a synctest re-simulation that produced a
// different checksum. Synctest sessions log it and report a DesyncDetected
// event; it is not returned to the host.
type DesyncError struct {
	Frame            Frame
	Expected, Actual uint64
}

func (e DesyncError) Error() string {
	return fmt.Sprintf("desync at frame %d: checksum %016x != %016x", e.Frame, e.Actual, e.Expected)
}
