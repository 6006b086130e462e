// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Endpoint is an addressable remote peer the session keeps an outbound
// connection to. The session redials a dropped endpoint with bounded
// exponential backoff until the endpoint or the session is closed.
type Endpoint struct {
	ID   uint32
	Host string
	Port uint16

	s *Session

	mu     sync.Mutex
	link   *link
	closed bool
	quit   chan struct{}
}

// Connected reports whether the endpoint currently has an established
// connection.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link != nil
}

// Close tears down the endpoint connection and fails every pending
// request on it with ErrCancelled. The endpoint cannot be reused.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	l := e.link
	e.link = nil
	e.mu.Unlock()

	close(e.quit)
	e.s.cancelPending(e)
	if l != nil {
		l.conn.Close()
	}
}

// Send transmits a request and returns a channel that receives exactly one
// Result: the reply payload, a TimeoutError after the session's request
// timeout, or ErrCancelled if the endpoint closes first.
func (e *Endpoint) Send(messageID uint16, payload []byte) <-chan Result {
	ch := make(chan Result, 1)

	e.mu.Lock()
	l := e.link
	closed := e.closed
	e.mu.Unlock()
	if closed {
		ch <- Result{Err: ErrCancelled}
		return ch
	}
	if l == nil {
		ch <- Result{Err: ErrNotConnected}
		return ch
	}

	corr := e.s.nextCorrelation()
	e.s.addPending(corr, &pendingCall{
		messageID: messageID,
		ep:        e,
		deadline:  time.Now().Add(e.s.cfg.RequestTimeout),
		result:    ch,
	})
	err := l.write(&Frame{
		SenderID:      e.s.cfg.OwnID,
		MessageID:     messageID,
		CorrelationID: corr,
		Payload:       payload,
	})
	if err != nil {
		if call := e.s.takePending(corr, messageID); call != nil {
			ch <- Result{Err: err}
		}
		// A write failure means the connection is gone; closing it
		// unblocks the read loop so the connect loop can redial.
		l.conn.Close()
	}
	return ch
}

// SendCtx transmits a request and waits for the reply, the request
// timeout, or context cancellation, whichever comes first.
func (e *Endpoint) SendCtx(ctx context.Context, messageID uint16, payload []byte) ([]byte, error) {
	select {
	case res := <-e.Send(messageID, payload):
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectLoop dials the endpoint, pumps its connection until it drops,
// and redials with exponential backoff capped at 30 seconds.
func (e *Endpoint) connectLoop() {
	defer e.s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-e.quit:
			return
		case <-e.s.quit:
			return
		default:
		}

		conn, err := e.s.dial(e)
		if err != nil {
			wait := bo.NextBackOff()
			log.Warnf("Unable to reach endpoint %d at %s:%d, retrying in %v: %v",
				e.ID, e.Host, e.Port, wait, err)
			select {
			case <-time.After(wait):
				continue
			case <-e.quit:
				return
			case <-e.s.quit:
				return
			}
		}
		bo.Reset()

		l := &link{conn: conn}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.link = l
		e.mu.Unlock()
		log.Infof("Connected to endpoint %d at %s:%d", e.ID, e.Host, e.Port)

		// Blocks until the connection fails or is closed.
		e.s.readLoop(l, e)

		e.mu.Lock()
		if e.link == l {
			e.link = nil
		}
		e.mu.Unlock()
	}
}
