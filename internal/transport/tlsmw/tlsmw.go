// Package tlsmw terminates TLS as a pass-through transport layer. crypto/tls
// drives a blocking net.Conn, so the engine runs against an in-memory record
// pipe: a pump goroutine performs the handshake and decrypts records, while the
// event loop moves ciphertext between the pipe and the inner layer without ever
// blocking.
package tlsmw

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/edgekv/internal/transport"
)

var (
	ErrNoConfig      = errors.New("tlsmw: tls config is required")
	ErrHandshake     = errors.New("tlsmw: handshake failed")
	ErrProtocol      = errors.New("tlsmw: protocol violation after handshake")
	ErrNotAttached   = errors.New("tlsmw: layer not attached")
	ErrAlreadyActive = errors.New("tlsmw: layer already attached")
)

// State is the session's handshake state.
type State int

const (
	StateNone State = iota
	StateHandshaking
	StateOpen
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role selects which side of the handshake the layer plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

const (
	recordReadSize = 16 * 1024
	// readBudget caps ciphertext pulled from the inner layer and plaintext
	// handed up per OnRead.
	readBudget = 64 * 1024
)

// Layer is one connection's TLS session.
type Layer struct {
	cfg  *tls.Config
	role Role

	next transport.Middleware
	ev   transport.Events
	bio  *bioConn
	conn *tls.Conn

	mu     sync.Mutex
	state  State
	reason error
	plain  bytes.Buffer
	eof    bool
	cstate tls.ConnectionState

	// Loop-owned.
	scratch   bytes.Buffer
	cipherOut transport.ChunkQueue
	innerEOF  bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer returns a layer terminating TLS with cfg.
func NewServer(cfg *tls.Config) (*Layer, error) {
	return newLayer(cfg, RoleServer)
}

// NewClient returns a layer originating TLS with cfg.
func NewClient(cfg *tls.Config) (*Layer, error) {
	return newLayer(cfg, RoleClient)
}

func newLayer(cfg *tls.Config, role Role) (*Layer, error) {
	if cfg == nil {
		return nil, ErrNoConfig
	}
	return &Layer{cfg: cfg, role: role, done: make(chan struct{})}, nil
}

// ServerFactory adapts NewServer to a transport.Factory for listener templates.
func ServerFactory(cfg *tls.Config) transport.Factory {
	return func() (transport.Middleware, error) { return NewServer(cfg) }
}

// ClientFactory adapts NewClient to a transport.Factory.
func ClientFactory(cfg *tls.Config) transport.Factory {
	return func() (transport.Middleware, error) { return NewClient(cfg) }
}

func (l *Layer) Kind() transport.Kind { return transport.KindPassThrough }

// Attach starts the handshake. The state moves to Handshaking before the
// record pump runs.
func (l *Layer) Attach(next transport.Middleware, ev transport.Events) error {
	if next == nil {
		return fmt.Errorf("%w: tls needs an inner layer", transport.ErrInvalidChain)
	}
	l.mu.Lock()
	if l.state != StateNone {
		l.mu.Unlock()
		return ErrAlreadyActive
	}
	l.next = next
	l.ev = ev
	l.bio = newBioConn(ev.Writable)
	if l.role == RoleClient {
		l.conn = tls.Client(l.bio, l.cfg)
	} else {
		l.conn = tls.Server(l.bio, l.cfg)
	}
	l.state = StateHandshaking
	l.mu.Unlock()

	go l.pump()
	return nil
}

// State reports the current handshake state.
func (l *Layer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Reason returns why the layer entered the Error state.
func (l *Layer) Reason() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// ConnectionState returns the negotiated parameters once Open.
func (l *Layer) ConnectionState() tls.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cstate
}

// Done is closed when the record pump has exited and the session holds no
// goroutine.
func (l *Layer) Done() <-chan struct{} { return l.done }

// pump completes the handshake and then decrypts records until the pipe closes.
func (l *Layer) pump() {
	defer l.finish()

	if err := l.conn.Handshake(); err != nil {
		l.fail(fmt.Errorf("%w: %v", ErrHandshake, err))
		return
	}
	l.mu.Lock()
	if l.state != StateHandshaking {
		l.mu.Unlock()
		return
	}
	l.state = StateOpen
	l.cstate = l.conn.ConnectionState()
	l.mu.Unlock()
	// Retained application data can flow now.
	l.ev.Writable()
	l.ev.Readable()

	buf := make([]byte, recordReadSize)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			l.mu.Lock()
			l.plain.Write(buf[:n])
			l.mu.Unlock()
			l.ev.Readable()
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, net.ErrClosed):
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			l.mu.Lock()
			l.eof = true
			l.mu.Unlock()
			l.ev.Readable()
		default:
			l.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		return
	}
}

func (l *Layer) fail(err error) {
	l.mu.Lock()
	if l.state == StateClosed || l.state == StateError {
		l.mu.Unlock()
		return
	}
	l.state = StateError
	l.reason = err
	l.mu.Unlock()
	l.ev.Readable()
}

func (l *Layer) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}

// OnRead pulls ciphertext from the inner layer into the record pipe and hands
// up whatever plaintext the pump has already decrypted.
func (l *Layer) OnRead(dst *bytes.Buffer) (transport.ReadStatus, error) {
	if l.bio == nil {
		return transport.ReadError, ErrNotAttached
	}
	if st, err := l.pullInner(); st == transport.ReadError {
		return st, err
	}

	l.mu.Lock()
	state, reason := l.state, l.reason
	n := min(l.plain.Len(), readBudget)
	if n > 0 {
		dst.Write(l.plain.Next(n))
	}
	eof := l.eof && l.plain.Len() == 0
	l.mu.Unlock()

	switch {
	case state == StateError:
		return transport.ReadError, reason
	case state == StateClosed:
		return transport.ReadError, transport.ErrClosed
	case n > 0:
		return transport.ReadConsumed, nil
	case eof:
		return transport.ReadClosed, nil
	default:
		// An inner EOF mid-handshake surfaces once the pump reports it.
		return transport.ReadWouldBlock, nil
	}
}

// pullInner drains the inner layer until it would block, feeding the pipe. It
// stops after readBudget bytes and asks for another readiness round, since an
// inner socket left unread will not signal again on its own.
func (l *Layer) pullInner() (transport.ReadStatus, error) {
	if l.innerEOF {
		return transport.ReadClosed, nil
	}
	for fed := 0; ; fed += l.scratch.Len() {
		if fed >= readBudget {
			l.ev.Readable()
			return transport.ReadConsumed, nil
		}
		l.scratch.Reset()
		st, err := l.next.OnRead(&l.scratch)
		if l.scratch.Len() > 0 {
			l.bio.feed(l.scratch.Bytes())
		}
		switch st {
		case transport.ReadConsumed:
			if l.scratch.Len() == 0 {
				return transport.ReadWouldBlock, nil
			}
		case transport.ReadWouldBlock:
			return st, nil
		case transport.ReadClosed:
			l.innerEOF = true
			l.bio.setEOF()
			return st, nil
		default:
			if err == nil {
				err = transport.ErrSocket
			}
			return transport.ReadError, err
		}
	}
}

// OnWrite encrypts src once the session is Open, then pushes queued records to
// the inner layer. While Handshaking src is left untouched; the pump signals
// writability when the handshake completes.
func (l *Layer) OnWrite(src *transport.ChunkQueue) (transport.WriteStatus, error) {
	if l.bio == nil {
		return transport.WriteError, ErrNotAttached
	}
	state := l.State()
	switch state {
	case StateError:
		return transport.WriteError, l.Reason()
	case StateClosed:
		return transport.WriteError, transport.ErrClosed
	case StateOpen:
		for src.Len() > 0 {
			chunk := src.Front()
			if _, err := l.conn.Write(chunk); err != nil {
				l.fail(fmt.Errorf("%w: %v", ErrProtocol, err))
				return transport.WriteError, l.Reason()
			}
			src.Consume(len(chunk))
		}
	}

	l.bio.takeOut(&l.cipherOut)
	st, err := l.next.OnWrite(&l.cipherOut)
	switch st {
	case transport.WriteProgressed:
	case transport.WriteWouldBlock:
		return st, nil
	case transport.WriteClosed:
		return st, nil
	default:
		return transport.WriteError, err
	}
	if state == StateHandshaking && src.Len() > 0 {
		return transport.WriteWouldBlock, nil
	}
	return transport.WriteProgressed, nil
}

// Pending counts ciphertext produced but not yet accepted by the inner layer.
func (l *Layer) Pending() int {
	n := l.cipherOut.Len()
	if l.bio != nil {
		n += l.bio.outLen()
	}
	return n
}

// Established reports whether the handshake has completed.
func (l *Layer) Established() bool { return l.State() == StateOpen }

// OnClose releases the session. The record pump exits once the pipe closes;
// Done reports when it has.
func (l *Layer) OnClose() {
	l.mu.Lock()
	if l.state != StateError {
		l.state = StateClosed
	}
	bio := l.bio
	l.plain.Reset()
	l.mu.Unlock()

	l.cipherOut.Reset()
	if bio == nil {
		l.finish()
		return
	}
	_ = bio.Close()
}
