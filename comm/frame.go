package comm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/snksoft/crc"
)

// frames are encoded as [SOF][BODY][CRC][EOF].
// the body is the command packet, with a header marker ahead of the first
// byte of every command word.  Special characters in the body and CRC are
// escaped as [ESC][byte ^ escapeXOR].  The CRC is CRC-16 XMODEM over the
// unescaped packet, high byte first.
const (
	frameStart  = 0x7E
	frameEnd    = 0x7F
	frameHeader = 0x7C
	frameEscape = 0x7D
	escapeXOR   = 0x20
)

var (
	crcTable = crc.NewTable(crc.XMODEM)

	// ErrFrameStart is generated when a frame does not begin with the start byte
	ErrFrameStart = errors.New("frame start byte not found")

	// ErrFrameEnd is generated when a frame does not end with the end byte
	ErrFrameEnd = errors.New("frame end byte not found")

	// ErrCRC is generated when the CRC of a frame does not match its contents
	ErrCRC = errors.New("CRC mismatch, data lost in transmission")
)

func isSpecial(b byte) bool {
	return b == frameStart || b == frameEnd || b == frameHeader || b == frameEscape
}

func appendEscaped(buf []byte, b byte) []byte {
	if isSpecial(b) {
		return append(buf, frameEscape, b^escapeXOR)
	}
	return append(buf, b)
}

// crcHelper computes the two-byte CRC value of buf
func crcHelper(buf []byte) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(crcTable.CalculateCRC(buf)))
	return out
}

// Frame wraps a command packet for the wire.  offsets holds the index of
// the first byte of every command word in packet, in increasing order.
func Frame(packet []byte, offsets []int) []byte {
	out := make([]byte, 0, len(packet)+len(offsets)+8)
	out = append(out, frameStart)
	next := 0
	for i, b := range packet {
		if next < len(offsets) && offsets[next] == i {
			out = append(out, frameHeader)
			next++
		}
		out = appendEscaped(out, b)
	}
	for _, b := range crcHelper(packet) {
		out = appendEscaped(out, b)
	}
	return append(out, frameEnd)
}

// Unframe is the inverse of Frame.  Bytes before the start byte are
// discarded.
func Unframe(frame []byte) ([]byte, []int, error) {
	iStart := bytes.IndexByte(frame, frameStart)
	if iStart < 0 {
		return nil, nil, ErrFrameStart
	}
	frame = frame[iStart+1:]
	iEnd := bytes.IndexByte(frame, frameEnd)
	if iEnd < 0 {
		return nil, nil, ErrFrameEnd
	}
	frame = frame[:iEnd]

	var (
		body    = make([]byte, 0, len(frame))
		offsets []int
		escaped bool
	)
	for _, b := range frame {
		switch {
		case escaped:
			body = append(body, b^escapeXOR)
			escaped = false
		case b == frameEscape:
			escaped = true
		case b == frameHeader:
			offsets = append(offsets, len(body))
		default:
			body = append(body, b)
		}
	}
	if escaped || len(body) < 2 {
		return nil, nil, fmt.Errorf("frame of %d bytes is truncated: %w", len(body), ErrFrameEnd)
	}
	fidx := len(body) - 2
	packet, crcRecv := body[:fidx], body[fidx:]
	if !bytes.Equal(crcRecv, crcHelper(packet)) {
		return nil, nil, ErrCRC
	}
	return packet, offsets, nil
}
