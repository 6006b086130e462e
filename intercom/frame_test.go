// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []Frame{
		{SenderID: 1, MessageID: 100, CorrelationID: 42, Payload: []byte(`{"txid":"abc"}`)},
		{SenderID: 7, MessageID: 1, CorrelationID: 1},
		{SenderID: 0xffffffff, MessageID: 0xffff, CorrelationID: 0xffffffffffffffff,
			Payload: bytes.Repeat([]byte{0xaa}, 4096)},
	}
	for _, want := range tests {
		var buf bytes.Buffer
		if err := writeFrame(&buf, &want); err != nil {
			t.Fatalf("writeFrame(%v): %v", &want, err)
		}
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame(%v): %v", &want, err)
		}
		if got.SenderID != want.SenderID || got.MessageID != want.MessageID ||
			got.CorrelationID != want.CorrelationID {
			t.Errorf("header mismatch: got %v, want %v", got, &want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("payload mismatch for %v", &want)
		}
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	f := Frame{SenderID: 0x01020304, MessageID: 0x0506,
		CorrelationID: 0x0708090a0b0c0d0e, Payload: []byte{0xff}}
	var buf bytes.Buffer
	if err := writeFrame(&buf, &f); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if len(b) != frameHeaderLen+1 {
		t.Fatalf("encoded length %d, want %d", len(b), frameHeaderLen+1)
	}
	if binary.BigEndian.Uint32(b[0:4]) != f.SenderID {
		t.Error("sender id is not big-endian at offset 0")
	}
	if binary.BigEndian.Uint16(b[4:6]) != f.MessageID {
		t.Error("message id is not big-endian at offset 4")
	}
	if binary.BigEndian.Uint64(b[6:14]) != f.CorrelationID {
		t.Error("correlation id is not big-endian at offset 6")
	}
	if binary.BigEndian.Uint32(b[14:18]) != 1 {
		t.Error("payload length is not big-endian at offset 14")
	}
}

func TestWriteFrameOversizePayload(t *testing.T) {
	f := Frame{Payload: make([]byte, MaxFramePayload+1)}
	err := writeFrame(io.Discard, &f)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("writeFrame accepted an oversize payload: %v", err)
	}
}

func TestReadFrameOversizeHeader(t *testing.T) {
	hdr := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(hdr[14:18], MaxFramePayload+1)
	_, err := readFrame(bytes.NewReader(hdr))
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("readFrame accepted an oversize advertised payload: %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	f := Frame{SenderID: 1, MessageID: 2, CorrelationID: 3, Payload: []byte("hello")}
	var buf bytes.Buffer
	if err := writeFrame(&buf, &f); err != nil {
		t.Fatal(err)
	}

	// Cutting the stream anywhere must surface a TransportError, never a
	// short frame.
	for cut := 0; cut < buf.Len(); cut++ {
		_, err := readFrame(bytes.NewReader(buf.Bytes()[:cut]))
		var terr *TransportError
		if !errors.As(err, &terr) {
			t.Fatalf("truncation at %d bytes: got %v, want TransportError", cut, err)
		}
	}
}
