// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package intercom implements the point-to-point messaging substrate used
// between the site broker and remote wallet processes. It provides a
// bidirectional request/reply transport over length-framed TCP with
// optional mutual TLS, endpoint identity, and per-message-id handler
// dispatch.
package intercom

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultWorkers        = 8
	defaultMaxConns       = 64
	defaultShutdownGrace  = 10 * time.Second

	dialTimeout   = 10 * time.Second
	sweepInterval = 500 * time.Millisecond
)

// SessionConfig contains the knobs needed to run a session. Zero values
// for the tunables fall back to the package defaults.
type SessionConfig struct {
	// OwnID is this peer's endpoint identity, stamped on every outbound
	// frame.
	OwnID uint32

	// ListenAddr is the local address for inbound connections, for
	// example ":9200".
	ListenAddr string

	// SecurityMode selects SecurityPlaintext or SecurityMutualTLS.
	SecurityMode int

	// TLS supplies the certificate material. Required when SecurityMode
	// is SecurityMutualTLS.
	TLS *Material

	// Dispatcher routes inbound requests. Required.
	Dispatcher *Dispatcher

	// RequestTimeout bounds how long an outbound request waits for its
	// reply before the continuation fails with a TimeoutError.
	RequestTimeout time.Duration

	// Workers sizes the pool that runs inbound handlers.
	Workers int

	// MaxConns caps concurrent inbound connections on the listener.
	MaxConns int

	// ShutdownGrace bounds how long Close waits for in-flight handlers.
	ShutdownGrace time.Duration
}

// Result is delivered exactly once per outbound request: either the reply
// payload or an error.
type Result struct {
	Payload []byte
	Err     error
}

type pendingCall struct {
	messageID uint16
	ep        *Endpoint
	deadline  time.Time
	result    chan Result
}

// link pairs a connection with a write lock so frames from concurrent
// senders never interleave.
type link struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (l *link) write(f *Frame) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return writeFrame(l.conn, f)
}

// Session owns the local listener, the outbound endpoints, and the table
// of pending outbound requests. It routes every inbound frame either to a
// waiting continuation (replies) or to the dispatcher (requests).
type Session struct {
	cfg        SessionConfig
	dispatcher *Dispatcher

	corr atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	endpointMu sync.Mutex
	endpoints  map[uint32]*Endpoint

	listener net.Listener
	jobs     chan func()
	wg       sync.WaitGroup
	quit     chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewSession validates the configuration and returns an unstarted session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("session requires a dispatcher")
	}
	switch cfg.SecurityMode {
	case SecurityPlaintext:
	case SecurityMutualTLS:
		if cfg.TLS == nil {
			return nil, errors.New("mutual TLS mode requires certificate material")
		}
	default:
		return nil, fmt.Errorf("unknown security mode %d", cfg.SecurityMode)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &Session{
		cfg:        cfg,
		dispatcher: cfg.Dispatcher,
		pending:    make(map[uint64]*pendingCall),
		endpoints:  make(map[uint32]*Endpoint),
		jobs:       make(chan func()),
		quit:       make(chan struct{}),
	}, nil
}

// Start binds the listener and launches the accept loop, the timeout
// sweeper, and the handler worker pool. Failure to bind is fatal to the
// caller by policy.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session already started")
	}
	if s.closed {
		return ErrSessionClosed
	}

	inner, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return &TransportError{Op: "listen", Err: err}
	}
	inner = netutil.LimitListener(inner, s.cfg.MaxConns)
	if s.cfg.SecurityMode == SecurityMutualTLS {
		inner = tls.NewListener(inner, s.cfg.TLS.ServerConfig)
	}
	s.listener = inner
	s.started = true

	log.Infof("Intercom session %d listening on %v (mode %d)",
		s.cfg.OwnID, inner.Addr(), s.cfg.SecurityMode)

	s.wg.Add(1)
	go s.acceptLoop()
	s.wg.Add(1)
	go s.sweepLoop()
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// Addr returns the bound listener address. Only valid after Start.
func (s *Session) Addr() net.Addr {
	return s.listener.Addr()
}

// AddEndpoint registers a remote endpoint and begins dialing it with
// exponential backoff. The returned handle may be used immediately;
// sends fail with ErrNotConnected until the dial succeeds.
func (s *Session) AddEndpoint(remoteID uint32, host string, port uint16) *Endpoint {
	ep := &Endpoint{
		ID:   remoteID,
		Host: host,
		Port: port,
		s:    s,
		quit: make(chan struct{}),
	}
	s.endpointMu.Lock()
	s.endpoints[remoteID] = ep
	s.endpointMu.Unlock()

	s.wg.Add(1)
	go ep.connectLoop()
	return ep
}

// Close shuts the session down: the listener stops, every endpoint is
// closed (failing its pending requests with ErrCancelled), and in-flight
// handlers get ShutdownGrace to finish before Close returns regardless.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	close(s.quit)
	if listener != nil {
		listener.Close()
	}

	s.endpointMu.Lock()
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.endpointMu.Unlock()
	for _, ep := range eps {
		ep.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		log.Warnf("Session %d shutdown grace of %v elapsed with handlers "+
			"still running", s.cfg.OwnID, s.cfg.ShutdownGrace)
	}
}

func (s *Session) nextCorrelation() uint64 {
	return s.corr.Add(1)
}

func (s *Session) addPending(corr uint64, call *pendingCall) {
	s.pendingMu.Lock()
	s.pending[corr] = call
	s.pendingMu.Unlock()
}

// takePending removes and returns the pending call for a correlation id,
// or nil when none is waiting or the waiting call was issued for a
// different message id. A reply always echoes its request's message id,
// so a mismatch means the frame is not the reply this call is waiting on.
func (s *Session) takePending(corr uint64, messageID uint16) *pendingCall {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	call := s.pending[corr]
	if call == nil || call.messageID != messageID {
		return nil
	}
	delete(s.pending, corr)
	return call
}

// cancelPending fails every pending request on the endpoint with
// ErrCancelled.
func (s *Session) cancelPending(ep *Endpoint) {
	s.pendingMu.Lock()
	var cancelled []*pendingCall
	for corr, call := range s.pending {
		if call.ep == ep {
			delete(s.pending, corr)
			cancelled = append(cancelled, call)
		}
	}
	s.pendingMu.Unlock()
	for _, call := range cancelled {
		call.result <- Result{Err: ErrCancelled}
	}
}

// acceptLoop accepts inbound connections until shutdown. Transient
// accept failures (file-descriptor exhaustion, aborted handshakes) are
// retried with a capped doubling delay; the listener dying is only
// terminal when the session itself is closing.
func (s *Session) acceptLoop() {
	defer s.wg.Done()
	delay := 5 * time.Millisecond
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("Accept failed, retrying in %v: %v", delay, err)
			select {
			case <-time.After(delay):
			case <-s.quit:
				return
			}
			if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			continue
		}
		delay = 5 * time.Millisecond
		log.Debugf("Inbound intercom connection from %v", conn.RemoteAddr())
		l := &link{conn: conn}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readLoop(l, nil)
		}()
	}
}

// readLoop pumps frames from one connection until it fails or the session
// shuts down. For endpoint connections the caller handles reconnection.
func (s *Session) readLoop(l *link, ep *Endpoint) {
	defer l.conn.Close()
	for {
		f, err := readFrame(l.conn)
		if err != nil {
			select {
			case <-s.quit:
			default:
				var terr *TransportError
				if errors.As(err, &terr) && errors.Is(terr.Err, io.EOF) {
					log.Debugf("Connection %v closed by peer", l.conn.RemoteAddr())
				} else {
					log.Errorf("Connection %v failed: %v", l.conn.RemoteAddr(), err)
				}
			}
			return
		}
		s.route(l, f)
	}
}

// route delivers one inbound frame. Peer requests carry a message id the
// dispatcher handles; replies echo the id of a locally-pending outbound
// command. Both peers allocate correlation ids independently, so a
// correlation id alone cannot tell a peer's request apart from a reply
// and the message id decides first.
func (s *Session) route(l *link, f *Frame) {
	if f.CorrelationID != 0 && !s.dispatcher.handles(f.MessageID) {
		if call := s.takePending(f.CorrelationID, f.MessageID); call != nil {
			call.result <- Result{Payload: f.Payload}
		} else {
			// Reply that arrived after its request timed out.
			log.Debugf("Discarding late reply %v", f)
		}
		return
	}

	remote := Remote{ID: f.SenderID, Addr: l.conn.RemoteAddr()}
	job := func() {
		s.dispatcher.dispatch(remote, f, func(payload []byte) error {
			if f.CorrelationID == 0 {
				// One-way message; nothing to correlate a reply to.
				return nil
			}
			return l.write(&Frame{
				SenderID:      s.cfg.OwnID,
				MessageID:     f.MessageID,
				CorrelationID: f.CorrelationID,
				Payload:       payload,
			})
		})
	}
	select {
	case s.jobs <- job:
	case <-s.quit:
	}
}

func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.quit:
			return
		}
	}
}

// sweepLoop expires pending requests whose deadline has passed, delivering
// a TimeoutError to each continuation. A late reply for a swept entry is
// discarded by route.
func (s *Session) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.pendingMu.Lock()
			var expired []*pendingCall
			var corrs []uint64
			for corr, call := range s.pending {
				if now.After(call.deadline) {
					delete(s.pending, corr)
					expired = append(expired, call)
					corrs = append(corrs, corr)
				}
			}
			s.pendingMu.Unlock()
			for i, call := range expired {
				log.Warnf("Request %d (correlation %d) timed out after %v",
					call.messageID, corrs[i], s.cfg.RequestTimeout)
				call.result <- Result{Err: &TimeoutError{
					MessageID:     call.messageID,
					CorrelationID: corrs[i],
					Timeout:       s.cfg.RequestTimeout,
				}}
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) dial(ep *Endpoint) (net.Conn, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(int(ep.Port)))
	d := net.Dialer{Timeout: dialTimeout}
	if s.cfg.SecurityMode == SecurityMutualTLS {
		conn, err := tls.DialWithDialer(&d, "tcp", addr, s.cfg.TLS.ClientConfig)
		if err != nil {
			return nil, &TransportError{Op: "tls dial " + addr, Err: err}
		}
		return conn, nil
	}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial " + addr, Err: err}
	}
	return conn, nil
}
