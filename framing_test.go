// Copyright 2020 by Thorsten von Eicken, see LICENSE file

package qca7k

import (
	"bytes"
	"testing"
)

// envelope wraps a payload the way the modem does on the wire.
func envelope(payload []byte) []byte {
	buf := make([]byte, FrameOverhead+len(payload))
	PutHeader(buf, uint16(len(payload)))
	copy(buf[HeaderLen:], payload)
	PutFooter(buf[HeaderLen+len(payload):])
	return buf
}

func pattern(n int, b byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

func Test_PutHeader(t *testing.T) {
	wire := envelope(pattern(60, 0x01))
	if len(wire) != 70 {
		t.Fatalf("wire length got %d expected 70", len(wire))
	}
	head := []byte{0xAA, 0xAA, 0xAA, 0xAA, 0x3C, 0x00, 0x00, 0x00}
	if !bytes.Equal(wire[:8], head) {
		t.Fatalf("header got % x expected % x", wire[:8], head)
	}
	if !bytes.Equal(wire[8:68], pattern(60, 0x01)) {
		t.Fatalf("payload mangled: % x", wire[8:68])
	}
	if wire[68] != 0x55 || wire[69] != 0x55 {
		t.Fatalf("footer got % x expected 55 55", wire[68:])
	}
}

// feedAll runs a byte stream through a decoder and returns the first
// non-gather result: the completed frame length, or the error.
func feedAll(t *testing.T, d *Decoder, stream, buf []byte) (int, error) {
	t.Helper()
	for i, b := range stream {
		n, err := d.Feed(b, buf)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			if i != len(stream)-1 {
				t.Fatalf("frame completed at byte %d of %d", i+1, len(stream))
			}
			return n, nil
		}
	}
	return 0, nil
}

var roundtrips = map[string][]byte{
	"min":     pattern(60, 0x01),
	"min+1":   pattern(61, 0xA5),
	"max":     pattern(1522, 0x55),
	"typical": append(pattern(14, 0xFF), pattern(86, 0x42)...),
}

func Test_DecodeRoundTrip(t *testing.T) {
	for n, payload := range roundtrips {
		var d Decoder
		buf := make([]byte, MaxPayload)
		got, err := feedAll(t, &d, envelope(payload), buf)
		if err != nil {
			t.Fatalf("roundtrip %s: unexpected error %v", n, err)
		}
		if got != len(payload) {
			t.Fatalf("roundtrip %s: length got %d expected %d", n, got, len(payload))
		}
		if !bytes.Equal(buf[:got], payload) {
			t.Fatalf("roundtrip %s: payload mismatch", n)
		}
		if d.NextAction() != FrameComplete || d.BytesRequired() != 0 {
			t.Fatalf("roundtrip %s: decoder not complete after frame", n)
		}
	}
}

// badLength builds just the envelope header, declaring the given payload
// length, which may lie inside or outside the valid range.
func badLength(declared int) []byte {
	wire := envelope(pattern(60, 0))
	wire[4] = byte(declared)
	wire[5] = byte(declared >> 8)
	return wire[:HeaderLen] // the length is judged before any payload
}

var lengths = map[string]struct {
	declared int
	err      error
}{
	"below-min": {59, ErrInvalidLen},
	"min":       {60, nil},
	"max":       {1522, nil},
	"above-max": {1523, ErrInvalidLen},
}

func Test_DecodeLengthBounds(t *testing.T) {
	for n, tc := range lengths {
		var d Decoder
		buf := make([]byte, MaxPayload)
		_, err := feedAll(t, &d, badLength(tc.declared), buf)
		if err != tc.err {
			t.Fatalf("length %s: got error %v expected %v", n, err, tc.err)
		}
		if tc.err != nil && d.BytesRequired() != HeaderLen {
			t.Fatalf("length %s: decoder did not reset", n)
		}
		if tc.err == nil && d.NextAction() != CopyFrame {
			t.Fatalf("length %s: decoder not in payload phase", n)
		}
	}
}

func Test_DecodeNoHeader(t *testing.T) {
	var d Decoder
	buf := make([]byte, MaxPayload)
	for _, b := range []byte{0xAA, 0xAA, 0xAA} {
		if _, err := d.Feed(b, buf); err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if _, err := d.Feed(0x00, buf); err != ErrNoHeader {
		t.Fatalf("got %v expected ErrNoHeader", err)
	}
	// The decoder is hunting for the preamble again and a clean frame
	// must get through.
	got, err := feedAll(t, &d, envelope(pattern(60, 0x7E)), buf)
	if err != nil || got != 60 {
		t.Fatalf("resync decode got (%d, %v) expected (60, nil)", got, err)
	}
}

func Test_DecodeNoTrailer(t *testing.T) {
	wire := envelope(pattern(60, 0x01))
	wire[69] = 0x56 // second trailer byte wrong
	var d Decoder
	buf := make([]byte, MaxPayload)
	if _, err := feedAll(t, &d, wire, buf); err != ErrNoTrailer {
		t.Fatalf("got %v expected ErrNoTrailer", err)
	}
	if d.BytesRequired() != HeaderLen {
		t.Fatalf("decoder did not reset after bad trailer")
	}
}

// Leading garbage before the preamble is skipped without an error.
func Test_DecodeLeadingNoise(t *testing.T) {
	wire := append([]byte{0x00, 0x13, 0x37}, envelope(pattern(60, 0x20))...)
	var d Decoder
	buf := make([]byte, MaxPayload)
	got, err := feedAll(t, &d, wire, buf)
	if err != nil || got != 60 {
		t.Fatalf("got (%d, %v) expected (60, nil)", got, err)
	}
}

func Test_BytesRequired(t *testing.T) {
	var d Decoder
	buf := make([]byte, MaxPayload)
	wire := envelope(pattern(60, 0x01))

	// Header phase counts down from the full header.
	for i := 0; i < HeaderLen; i++ {
		if got := d.BytesRequired(); got != HeaderLen-i {
			t.Fatalf("header byte %d: required %d expected %d", i, got, HeaderLen-i)
		}
		if d.NextAction() != FindHeader {
			t.Fatalf("header byte %d: action %v expected FindHeader", i, d.NextAction())
		}
		d.Feed(wire[i], buf)
	}
	// Payload phase tracks the remaining payload.
	if d.NextAction() != CopyFrame || d.BytesRequired() != 60 {
		t.Fatalf("after header: action %v required %d", d.NextAction(), d.BytesRequired())
	}
	for i := 0; i < 10; i++ {
		d.Feed(wire[HeaderLen+i], buf)
	}
	if d.BytesRequired() != 50 {
		t.Fatalf("after 10 payload bytes: required %d expected 50", d.BytesRequired())
	}
	// Burst the rest in via Advance, the way the receive path does.
	copy(buf[10:], wire[HeaderLen+10:HeaderLen+60])
	d.Advance(50)
	if d.NextAction() != CheckFooter || d.BytesRequired() != FooterLen {
		t.Fatalf("after payload: action %v required %d", d.NextAction(), d.BytesRequired())
	}
	d.Feed(0x55, buf)
	if d.BytesRequired() != 1 {
		t.Fatalf("after first trailer byte: required %d expected 1", d.BytesRequired())
	}
	n, err := d.Feed(0x55, buf)
	if n != 60 || err != nil {
		t.Fatalf("final byte got (%d, %v) expected (60, nil)", n, err)
	}
	if !bytes.Equal(buf[:60], pattern(60, 0x01)) {
		t.Fatalf("payload mismatch after mixed feed/advance")
	}
}

// A completed decoder restarts the preamble hunt on the next Feed.
func Test_DecodeBackToBack(t *testing.T) {
	var d Decoder
	buf := make([]byte, MaxPayload)
	one := envelope(pattern(60, 0x01))
	two := envelope(pattern(61, 0x02))
	if got, err := feedAll(t, &d, one, buf); got != 60 || err != nil {
		t.Fatalf("first frame got (%d, %v)", got, err)
	}
	if got, err := feedAll(t, &d, two, buf); got != 61 || err != nil {
		t.Fatalf("second frame got (%d, %v)", got, err)
	}
	if !bytes.Equal(buf[:61], pattern(61, 0x02)) {
		t.Fatalf("second payload mismatch")
	}
}
