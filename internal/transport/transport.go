package transport

import (
	"bytes"
	"fmt"
)

// Limits bounds per-connection buffering.
type Limits struct {
	// MaxReadPerEvent caps bytes pulled from the chain per readiness event so
	// one busy peer cannot starve the loop.
	MaxReadPerEvent int
	// MaxSendQ caps bytes retained on the write side across all layers.
	MaxSendQ int
}

func DefaultLimits() Limits {
	return Limits{
		MaxReadPerEvent: 64 * 1024,
		MaxSendQ:        1 << 20,
	}
}

// Transport is one connection's byte pipe: a receive buffer, an outbound chunk
// queue and an ordered middleware chain ending in exactly one terminal layer.
// It is owned by the event loop and must not be used concurrently.
type Transport struct {
	layers []Middleware
	ev     Events
	limits Limits

	recv  bytes.Buffer
	sendq ChunkQueue

	closing bool
	closed  bool
	err     error
}

// New validates and attaches layers (outermost first, terminal last). The chain
// order is fixed from here on.
func New(layers []Middleware, ev Events, limits Limits) (*Transport, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidChain)
	}
	for i, m := range layers {
		if m == nil {
			return nil, fmt.Errorf("%w: nil layer at %d", ErrInvalidChain, i)
		}
		want := KindPassThrough
		if i == len(layers)-1 {
			want = KindTerminal
		}
		if m.Kind() != want {
			return nil, fmt.Errorf("%w: layer %d is %s, want %s", ErrInvalidChain, i, m.Kind(), want)
		}
	}
	if limits.MaxReadPerEvent <= 0 {
		limits.MaxReadPerEvent = DefaultLimits().MaxReadPerEvent
	}
	if limits.MaxSendQ <= 0 {
		limits.MaxSendQ = DefaultLimits().MaxSendQ
	}

	t := &Transport{
		layers: append([]Middleware(nil), layers...),
		ev:     ev,
		limits: limits,
	}
	for i := len(t.layers) - 1; i >= 0; i-- {
		var next Middleware
		if i < len(t.layers)-1 {
			next = t.layers[i+1]
		}
		if err := t.layers[i].Attach(next, ev); err != nil {
			t.teardown()
			return nil, fmt.Errorf("%w: attach layer %d: %v", ErrInvalidChain, i, err)
		}
	}
	return t, nil
}

// Depth returns the number of layers including the terminal one.
func (t *Transport) Depth() int {
	return len(t.layers)
}

// Recv exposes the receive accumulation buffer to the line framer.
func (t *Transport) Recv() *bytes.Buffer {
	return &t.recv
}

// Write queues p as one discrete chunk and requests writability. Writes after
// close or during drain-then-close are dropped.
func (t *Transport) Write(p []byte) {
	if t.closed || t.closing || len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	t.sendq.Push(chunk)
	if t.Pending() > t.limits.MaxSendQ {
		t.fail(ErrSendQExceeded)
		return
	}
	t.ev.Writable()
}

// HandleReadable pulls bytes through the chain into the receive buffer. It stops
// at WouldBlock or after MaxReadPerEvent bytes, re-posting readability in the
// latter case. The owner consumes Recv before the next call.
func (t *Transport) HandleReadable() error {
	if t.closed {
		return t.closedErr()
	}
	start := t.recv.Len()
	for t.recv.Len()-start < t.limits.MaxReadPerEvent {
		before := t.recv.Len()
		st, err := t.layers[0].OnRead(&t.recv)
		switch st {
		case ReadConsumed:
			if t.recv.Len() == before {
				return nil
			}
		case ReadWouldBlock:
			return nil
		case ReadClosed:
			if t.recv.Len() > start {
				// Hand up what arrived first; the close is seen on the next pass.
				t.ev.Readable()
				return nil
			}
			return t.fail(ErrPeerClosed)
		default:
			if err == nil {
				err = ErrSocket
			}
			return t.fail(err)
		}
	}
	t.ev.Readable()
	return nil
}

// Flush pushes queued output through the chain. In drain-then-close mode the
// transport closes once every layer has handed its bytes on.
func (t *Transport) Flush() error {
	if t.closed {
		return t.closedErr()
	}
	st, err := t.layers[0].OnWrite(&t.sendq)
	switch st {
	case WriteProgressed, WriteWouldBlock:
	case WriteClosed:
		return t.fail(ErrPeerClosed)
	default:
		if err == nil {
			err = ErrSocket
		}
		return t.fail(err)
	}
	if t.closing && t.Pending() == 0 {
		t.Close()
	}
	return nil
}

// Pending returns bytes not yet handed to the OS across queue and layers.
func (t *Transport) Pending() int {
	n := t.sendq.Len()
	for _, m := range t.layers {
		n += m.Pending()
	}
	return n
}

// Established reports whether every layer can carry application data.
func (t *Transport) Established() bool {
	for _, m := range t.layers {
		if !m.Established() {
			return false
		}
	}
	return true
}

// CloseAfterFlush stops accepting writes and closes once output drains. A
// chain still negotiating a session has nothing it could drain to and closes
// immediately.
func (t *Transport) CloseAfterFlush() {
	if t.closed {
		return
	}
	t.closing = true
	if t.Pending() == 0 || !t.Established() {
		t.Close()
		return
	}
	t.ev.Writable()
}

// Close hard-stops the transport, tearing the chain down top to bottom.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.teardown()
	t.recv.Reset()
	t.sendq.Reset()
}

func (t *Transport) Closing() bool { return t.closing }
func (t *Transport) Closed() bool  { return t.closed }

// Err returns the error that moved the transport into its failed state.
func (t *Transport) Err() error { return t.err }

func (t *Transport) teardown() {
	for _, m := range t.layers {
		m.OnClose()
	}
}

func (t *Transport) fail(err error) error {
	if t.err == nil {
		t.err = err
	}
	t.Close()
	return t.err
}

func (t *Transport) closedErr() error {
	if t.err != nil {
		return t.err
	}
	return ErrClosed
}
