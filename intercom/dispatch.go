// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package intercom

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
)

// Remote identifies the peer that sent an inbound request.
type Remote struct {
	ID   uint32
	Addr net.Addr
}

// ReplyFunc sends the reply for one inbound request. It may be invoked at
// most once; further invocations return ErrDoubleReply. Handlers that
// return without replying cause an empty reply to be sent on their behalf
// so the peer never hangs.
type ReplyFunc func(payload []byte) error

// HandlerFunc processes one inbound request. Handlers for distinct
// messages run concurrently on the session's worker pool; any
// serialization across invocations is the handler's responsibility.
type HandlerFunc func(remote Remote, payload []byte, reply ReplyFunc)

// Dispatcher routes inbound requests to the handler registered for their
// message id.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint16]HandlerFunc
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint16]HandlerFunc)}
}

// Handle registers the handler for the given message id, replacing any
// previous registration.
func (d *Dispatcher) Handle(messageID uint16, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[messageID] = h
	d.mu.Unlock()
}

// handles reports whether a handler is registered for the message id.
func (d *Dispatcher) handles(messageID uint16) bool {
	d.mu.RLock()
	_, ok := d.handlers[messageID]
	d.mu.RUnlock()
	return ok
}

// dispatch invokes the handler for the frame, guarding the reply so it is
// sent exactly once. Unhandled message ids receive an empty reply.
func (d *Dispatcher) dispatch(remote Remote, f *Frame, send func(payload []byte) error) {
	d.mu.RLock()
	h := d.handlers[f.MessageID]
	d.mu.RUnlock()

	log.Tracef("Dispatching inbound %v", newLogClosure(func() string {
		return spew.Sdump(f)
	}))

	var once sync.Once
	var replied atomic.Bool
	reply := func(payload []byte) error {
		err := ErrDoubleReply
		once.Do(func() {
			replied.Store(true)
			err = send(payload)
		})
		return err
	}

	if h == nil {
		log.Warnf("No handler registered for message %d from peer %d; "+
			"sending empty reply", f.MessageID, remote.ID)
		if err := reply(nil); err != nil {
			log.Errorf("Unable to reply to unhandled message %d: %v",
				f.MessageID, err)
		}
		return
	}

	h(remote, f.Payload, reply)

	if !replied.Load() {
		log.Warnf("Handler for message %d returned without replying; "+
			"sending empty reply", f.MessageID)
		if err := reply(nil); err != nil {
			log.Errorf("Unable to send empty reply for message %d: %v",
				f.MessageID, err)
		}
	}
}
