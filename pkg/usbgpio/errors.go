package usbgpio

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the device has been closed.
	ErrClosed = errors.New("device closed")
	// ErrDesynchronized indicates an earlier request broke the framing
	// and the session must be reopened before further use.
	ErrDesynchronized = errors.New("device desynchronized, reopen required")
	// ErrTimeout indicates a response was not assembled within Timing.Timeout.
	ErrTimeout = errors.New("response timeout")
)

// FramingError indicates the lines received don't match the expected
// response frame.
type FramingError struct {
	Reason string
	Lines  [][]byte
}

// Error implements error.
func (e *FramingError) Error() string {
	return fmt.Sprintf("framing violation: %s (lines=%q)", e.Reason, e.Lines)
}

// ChannelError indicates a channel argument is not acceptable for
// the operation.
type ChannelError struct {
	Op      string
	Channel int
}

// Error implements error.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s: channel %d out of range", e.Op, e.Channel)
}

// DecodeError indicates the payload can't be decoded as expected.
type DecodeError struct {
	Kind    string
	Payload []byte
	Err     error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload %q: %v", e.Kind, e.Payload, e.Err)
}

// Unwrap returns the underlying parse error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsFatal tells if err leaves the session desynchronized.
// Channel errors are rejected before any I/O and are never fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var chErr *ChannelError
	return !errors.As(err, &chErr) && !errors.Is(err, ErrClosed)
}
