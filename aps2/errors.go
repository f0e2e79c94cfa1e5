package aps2

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is matched by every error produced by a failed transport call
	ErrTransport = errors.New("transport I/O failed")

	// ErrNotConnected is generated when an operation needing the board is
	// called before Connect
	ErrNotConnected = errors.New("device is not connected")

	// ErrOutOfRange is generated when a waveform, offset, scale, or channel
	// index is outside its valid domain.  Nothing is written to the board.
	ErrOutOfRange = errors.New("value out of range")

	// ErrChecksumMismatch is generated when the board's checksum registers
	// disagree with the software accumulators after a flush
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrPllLockTimeout is generated when the PLL does not report lock within the poll budget
	ErrPllLockTimeout = errors.New("PLL lock timeout")

	// ErrPhaseSyncTimeout is generated when the XOR phase test does not pass within its iteration cap
	ErrPhaseSyncTimeout = errors.New("PLL phase sync timeout")

	// ErrChannelSyncTimeout is generated when a DAC pair does not relock after its individual PLL reset
	ErrChannelSyncTimeout = errors.New("channel sync timeout")

	// ErrGlobalSyncFailed is generated when both DAC pairs could not be brought into phase
	// within the global retry budget
	ErrGlobalSyncFailed = errors.New("global PLL sync failed")

	// ErrInvalidConfiguration is generated for unsupported settings, such as
	// a sample rate the PLL cannot produce
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// TransportError wraps an error returned by the Transport
type TransportError struct {
	// Op is the transport operation which failed, e.g. "ReadRegister"
	Op string

	// Addr is the address involved, if any
	Addr uint32

	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s 0x%04X: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the cause
func (e *TransportError) Unwrap() error { return e.Err }

// Is reports true for ErrTransport
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func transportErr(op string, addr uint32, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Addr: addr, Err: err}
}

func channelErr(ch int) error {
	return fmt.Errorf("channel %d must be in [0,%d]: %w", ch, NumChannels-1, ErrOutOfRange)
}
