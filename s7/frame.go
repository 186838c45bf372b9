package s7

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// TPKT constants (RFC 1006)
	tpktVersion    = 0x03
	tpktHeaderSize = 4

	// COTP PDU types (ISO 8073)
	cotpCR = 0xE0 // Connection Request
	cotpCC = 0xD0 // Connection Confirm
	cotpDT = 0xF0 // Data Transfer

	cotpDTHeaderSize = 3

	// pduStart is where the S7 PDU begins inside a framed message:
	// TPKT header followed by the COTP DT header.
	pduStart = tpktHeaderSize + cotpDTHeaderSize

	// maxRawLen is the capacity of a message buffer.
	maxRawLen = 2048
)

// cotpDTHeader precedes every S7 PDU on the wire.
var cotpDTHeader = [cotpDTHeaderSize]byte{0x02, cotpDT, 0x80}

// tpktHeader is the 4-byte RFC 1006 packet header.
type tpktHeader [tpktHeaderSize]byte

// Validate checks the version byte and that the declared frame length fits
// [tpktHeaderSize, capacity].
func (h *tpktHeader) Validate(capacity int) error {
	if h[0] != tpktVersion {
		return framingError("invalid TPKT version 0x%02X", h[0])
	}
	if l := h.Len(); l < tpktHeaderSize || l > capacity {
		return framingError("invalid TPKT length %d (capacity %d)", l, capacity)
	}
	return nil
}

// Len returns the total frame length including the header.
func (h *tpktHeader) Len() int {
	return be16(h[2:4])
}

// SetLen sets the total frame length. The value is not checked.
func (h *tpktHeader) SetLen(n int) {
	h[0] = tpktVersion
	h[1] = 0x00
	putBE16(h[2:4], n)
}

// frame writes a TPKT header for payloadLen bytes already placed at
// buf[tpktHeaderSize:] and returns the complete frame.
func frame(buf []byte, payloadLen int) ([]byte, error) {
	size := payloadLen + tpktHeaderSize
	if payloadLen < 0 || size > len(buf) || size > 0xFFFF {
		return nil, framingError("invalid packet size %d (must be between %d and %d)",
			size, tpktHeaderSize, len(buf))
	}
	var h tpktHeader
	h.SetLen(size)
	copy(buf, h[:])
	return buf[:size], nil
}

// readFrame reads one TPKT frame into buf and returns its total length. The
// declared length is validated against len(buf) before any payload is read.
func readFrame(r io.Reader, buf []byte) (int, error) {
	if len(buf) < tpktHeaderSize {
		return 0, framingError("buffer too small: %d", len(buf))
	}
	var h tpktHeader
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return 0, fmt.Errorf("%w: failed to read TPKT header: %w", ErrTransport, err)
	}
	if err := h.Validate(len(buf)); err != nil {
		return 0, err
	}
	n := h.Len()
	copy(buf, h[:])
	if _, err := io.ReadFull(r, buf[tpktHeaderSize:n]); err != nil {
		return 0, fmt.Errorf("%w: failed to read TPKT payload: %w", ErrTransport, err)
	}
	return n, nil
}

func be16(b []byte) int {
	return int(binary.BigEndian.Uint16(b))
}

func putBE16(b []byte, v int) {
	binary.BigEndian.PutUint16(b, uint16(v))
}
