// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// frameHeaderLen is the fixed size of the frame header: sender id
	// (4 bytes), message id (2 bytes), correlation id (8 bytes) and
	// payload length (4 bytes). All fields are big-endian.
	frameHeaderLen = 4 + 2 + 8 + 4

	// MaxFramePayload is the largest payload the transport will read or
	// write. A header advertising more than this is treated as a
	// malformed stream.
	MaxFramePayload = 8 * 1024 * 1024
)

// Frame is a single length-framed intercom message. CorrelationID is
// nonzero for requests and is echoed on the matching reply.
type Frame struct {
	SenderID      uint32
	MessageID     uint16
	CorrelationID uint64
	Payload       []byte
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	return fmt.Sprintf("msg %d from %d (corr %d, %d bytes)",
		f.MessageID, f.SenderID, f.CorrelationID, len(f.Payload))
}

// writeFrame serializes f to w. The caller is responsible for serializing
// concurrent writers on the same connection.
func writeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxFramePayload {
		return &TransportError{Op: "write", Err: fmt.Errorf("payload of %d bytes "+
			"exceeds limit of %d", len(f.Payload), MaxFramePayload)}
	}
	hdr := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], f.SenderID)
	binary.BigEndian.PutUint16(hdr[4:6], f.MessageID)
	binary.BigEndian.PutUint64(hdr[6:14], f.CorrelationID)
	binary.BigEndian.PutUint32(hdr[14:18], uint32(len(f.Payload)))
	if _, err := w.Write(hdr); err != nil {
		return &TransportError{Op: "write header", Err: err}
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return &TransportError{Op: "write payload", Err: err}
		}
	}
	return nil
}

// readFrame reads the next frame from r. Any failure, including an
// oversized advertised payload, poisons the stream and is reported as a
// TransportError.
func readFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, &TransportError{Op: "read header", Err: err}
	}
	payloadLen := binary.BigEndian.Uint32(hdr[14:18])
	if payloadLen > MaxFramePayload {
		return nil, &TransportError{Op: "read header", Err: fmt.Errorf(
			"advertised payload of %d bytes exceeds limit of %d",
			payloadLen, MaxFramePayload)}
	}
	f := &Frame{
		SenderID:      binary.BigEndian.Uint32(hdr[0:4]),
		MessageID:     binary.BigEndian.Uint16(hdr[4:6]),
		CorrelationID: binary.BigEndian.Uint64(hdr[6:14]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, &TransportError{Op: "read payload", Err: err}
		}
	}
	return f, nil
}
