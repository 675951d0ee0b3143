// Copyright 2020 by Thorsten von Eicken, see LICENSE file

package qca7k

import (
	"encoding/binary"
	"errors"
)

// Every Ethernet frame crossing the SPI link is wrapped in an Atheros
// envelope: a four byte 0xAA preamble, the payload length as little-endian
// uint16, two reserved zero bytes, the payload itself, and a two byte 0x55
// trailer.
const (
	HeaderLen     = 8 // preamble + length + reserved
	FooterLen     = 2
	FrameOverhead = HeaderLen + FooterLen

	MinPayload = 60   // minimum Ethernet frame length, short frames get padded
	MaxPayload = 1522 // maximum Ethernet frame length incl. VLAN tag
)

// Decoder errors. The decoder resets itself to hunting for a preamble when
// it returns one of these; bytes already written to the caller's buffer are
// to be discarded.
var (
	ErrNoHeader   = errors.New("qca7k: frame preamble expected but not found")
	ErrInvalidLen = errors.New("qca7k: frame length out of range")
	ErrNoTrailer  = errors.New("qca7k: frame trailer expected but not found")
)

// PutHeader writes the envelope header for a payload of the given length
// into b, which must have room for HeaderLen bytes. It returns HeaderLen.
func PutHeader(b []byte, length uint16) int {
	b[0] = 0xAA
	b[1] = 0xAA
	b[2] = 0xAA
	b[3] = 0xAA
	binary.LittleEndian.PutUint16(b[4:6], length)
	b[6] = 0
	b[7] = 0
	return HeaderLen
}

// PutFooter writes the envelope trailer into b, which must have room for
// FooterLen bytes. It returns FooterLen.
func PutFooter(b []byte) int {
	b[0] = 0x55
	b[1] = 0x55
	return FooterLen
}

// Action is the operation the receive path should perform next, derived from
// the decoder state.
type Action int

const (
	FindHeader Action = iota // read header-sized chunks and feed them
	CopyFrame                // burst-read payload straight into the frame buffer
	CheckFooter              // read the remaining trailer bytes and feed them
	FrameComplete            // a full frame is sitting in the buffer
)

// decoder states; the zero value is the initial "hunt for preamble" state so
// an uninitialized Decoder is ready for use.
type decodeState int

const (
	waitAA1 decodeState = iota
	waitAA2
	waitAA3
	waitAA4
	waitLen0
	waitLen1
	waitRsvd1
	waitRsvd2
	copyPayload
	wait551
	wait552
	complete
)

// Decoder reassembles Ethernet frames from the envelope byte stream. It is a
// byte-at-a-time state machine; the receive path short-circuits the payload
// portion by burst-reading into the frame buffer and calling Advance. A
// Decoder belongs to a single link and must not be shared.
type Decoder struct {
	state  decodeState
	length int // declared payload length, valid once the length field is in
	offset int // payload bytes written into the caller's buffer
}

// Reset returns the decoder to its initial state, hunting for a preamble.
func (d *Decoder) Reset() {
	d.state = waitAA1
	d.length = 0
	d.offset = 0
}

// BytesRequired returns the minimum number of bytes the caller should obtain
// next: the remaining header bytes while parsing the header, the remaining
// payload while copying, the remaining trailer bytes, and zero once a frame
// is complete.
func (d *Decoder) BytesRequired() int {
	switch d.state {
	case waitAA1:
		return HeaderLen
	case waitAA2:
		return HeaderLen - 1
	case waitAA3:
		return HeaderLen - 2
	case waitAA4:
		return HeaderLen - 3
	case waitLen0:
		return HeaderLen - 4
	case waitLen1:
		return HeaderLen - 5
	case waitRsvd1:
		return HeaderLen - 6
	case waitRsvd2:
		return HeaderLen - 7
	case copyPayload:
		return d.length - d.offset
	case wait551:
		return FooterLen
	case wait552:
		return FooterLen - 1
	default: // complete
		return 0
	}
}

// NextAction returns the operation the receive path should perform for the
// current state.
func (d *Decoder) NextAction() Action {
	switch d.state {
	case waitAA1, waitAA2, waitAA3, waitAA4, waitLen0, waitLen1, waitRsvd1, waitRsvd2:
		return FindHeader
	case copyPayload:
		return CopyFrame
	case wait551, wait552:
		return CheckFooter
	default:
		return FrameComplete
	}
}

// Feed pushes one received byte through the state machine. Payload bytes are
// written into buf at the current offset. It returns (0, nil) while the frame
// is incomplete, (length, nil) when the byte completed a frame, and (0, err)
// with one of ErrNoHeader, ErrInvalidLen or ErrNoTrailer when the stream
// violates the envelope; the decoder then restarts its preamble hunt.
func (d *Decoder) Feed(b byte, buf []byte) (int, error) {
	switch d.state {
	case waitAA1, complete:
		// Hunt for the first preamble byte; anything else is skipped
		// without comment.
		if b == 0xAA {
			d.state = waitAA2
		}
	case waitAA2, waitAA3, waitAA4:
		if b != 0xAA {
			d.state = waitAA1
			return 0, ErrNoHeader
		}
		d.state++
	case waitLen0:
		d.length = int(b)
		d.state = waitLen1
	case waitLen1:
		d.length |= int(b) << 8
		d.state = waitRsvd1
	case waitRsvd1:
		d.state = waitRsvd2
	case waitRsvd2:
		if d.length < MinPayload || d.length > MaxPayload {
			d.state = waitAA1
			return 0, ErrInvalidLen
		}
		d.state = copyPayload
		d.offset = 0
	case copyPayload:
		buf[d.offset] = b
		d.offset++
		if d.offset == d.length {
			d.state = wait551
		}
	case wait551:
		if b != 0x55 {
			d.state = waitAA1
			return 0, ErrNoTrailer
		}
		d.state = wait552
	case wait552:
		if b != 0x55 {
			d.state = waitAA1
			return 0, ErrNoTrailer
		}
		d.state = complete
		return d.length, nil
	}
	return 0, nil
}

// Advance accounts for n payload bytes that were burst-read directly into
// the frame buffer, bypassing Feed. It may only be called in the payload
// phase and n must not exceed BytesRequired.
func (d *Decoder) Advance(n int) {
	d.offset += n
	if d.offset == d.length {
		d.state = wait551
	}
}
