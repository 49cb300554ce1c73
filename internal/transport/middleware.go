package transport

import (
	"bytes"
	"errors"
)

var (
	ErrInvalidChain  = errors.New("transport: invalid middleware chain")
	ErrClosed        = errors.New("transport: closed")
	ErrPeerClosed    = errors.New("transport: connection closed by peer")
	ErrSendQExceeded = errors.New("transport: SendQ exceeded")
	ErrSocket        = errors.New("transport: socket error")
)

// Kind tells the chain builder where a layer may sit.
type Kind int

const (
	// KindTerminal layers talk to the OS (or an in-memory peer) and end a chain.
	KindTerminal Kind = iota + 1
	// KindPassThrough layers transform bytes and hand them to the next layer.
	KindPassThrough
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindPassThrough:
		return "pass-through"
	default:
		return "unknown"
	}
}

type ReadStatus int

const (
	ReadConsumed ReadStatus = iota
	ReadWouldBlock
	ReadClosed
	ReadError
)

func (s ReadStatus) String() string {
	switch s {
	case ReadConsumed:
		return "consumed"
	case ReadWouldBlock:
		return "would_block"
	case ReadClosed:
		return "closed"
	case ReadError:
		return "error"
	default:
		return "unknown"
	}
}

type WriteStatus int

const (
	WriteProgressed WriteStatus = iota
	WriteWouldBlock
	WriteClosed
	WriteError
)

func (s WriteStatus) String() string {
	switch s {
	case WriteProgressed:
		return "progressed"
	case WriteWouldBlock:
		return "would_block"
	case WriteClosed:
		return "closed"
	case WriteError:
		return "error"
	default:
		return "unknown"
	}
}

// Events receives readiness notifications for one connection. Implementations
// may be called from any goroutine and must not call back into the transport.
type Events interface {
	Readable()
	Writable()
}

// Middleware is one layer of a connection's transform chain.
//
// OnRead appends whatever plaintext this layer can currently produce to dst,
// pulling from the next layer as needed. OnWrite takes as much of src as it can
// and pushes its output towards the next layer; bytes it accepted but could not
// hand on are retained and reported by Pending. A layer returning a WouldBlock
// status must make sure an Events call follows once progress is possible.
// Established is false while the layer is still negotiating a session and
// cannot carry application data.
type Middleware interface {
	Kind() Kind
	Attach(next Middleware, ev Events) error
	OnRead(dst *bytes.Buffer) (ReadStatus, error)
	OnWrite(src *ChunkQueue) (WriteStatus, error)
	Pending() int
	Established() bool
	OnClose()
}

// Factory builds a fresh layer for one accepted connection.
type Factory func() (Middleware, error)

// Template is the ordered set of layer factories a listener applies to every
// connection it accepts. The terminal layer is supplied by the acceptor.
type Template struct {
	Name   string
	Layers []Factory
}

// Build instantiates the template's pass-through layers followed by terminal.
func (t Template) Build(terminal Middleware) ([]Middleware, error) {
	layers := make([]Middleware, 0, len(t.Layers)+1)
	for _, f := range t.Layers {
		m, err := f()
		if err != nil {
			for _, built := range layers {
				built.OnClose()
			}
			return nil, err
		}
		layers = append(layers, m)
	}
	return append(layers, terminal), nil
}
