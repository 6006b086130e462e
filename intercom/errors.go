// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled describes the error condition of a pending request
	// whose endpoint was closed before a reply arrived.
	ErrCancelled = errors.New("request cancelled by endpoint shutdown")

	// ErrDoubleReply describes the error condition of a handler invoking
	// its reply function more than once.
	ErrDoubleReply = errors.New("reply already sent for this message")

	// ErrNotConnected describes the error condition of sending on an
	// endpoint that currently has no established connection.
	ErrNotConnected = errors.New("endpoint is not connected")

	// ErrSessionClosed describes the error condition of using a session
	// after Close has been called.
	ErrSessionClosed = errors.New("session is closed")
)

// TransportError wraps a socket, TLS, or framing failure on a connection.
// The session reacts to it by dropping the connection and reconnecting
// with backoff.
type TransportError struct {
	Op  string
	Err error
}

// Error satisfies the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("intercom transport: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is delivered to an outbound continuation when no reply
// arrives within the session's request timeout. The request is not
// retried automatically.
type TimeoutError struct {
	MessageID     uint16
	CorrelationID uint64
	Timeout       time.Duration
}

// Error satisfies the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no reply for message %d (correlation %d) within %v",
		e.MessageID, e.CorrelationID, e.Timeout)
}

// FrameDecodeError describes a frame whose payload could not be decoded by
// a handler. The frame is logged and dropped without closing the connection.
type FrameDecodeError struct {
	MessageID uint16
	Err       error
}

// Error satisfies the error interface.
func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("unable to decode payload of message %d: %v", e.MessageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *FrameDecodeError) Unwrap() error { return e.Err }
