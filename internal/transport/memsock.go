package transport

import (
	"bytes"
	"fmt"
	"sync"
)

// DefaultPipeCapacity bounds bytes in flight per direction of a Pipe.
const DefaultPipeCapacity = 64 * 1024

// pipeHalf is one direction of an in-memory pipe.
type pipeHalf struct {
	buf       bytes.Buffer
	eof       bool
	readWant  bool
	writeWant bool
}

type pipeShared struct {
	mu       sync.Mutex
	capacity int
	dirs     [2]pipeHalf
	events   [2]Events
}

// MemSocket is a terminal layer over an in-memory, bounded, non-blocking pipe.
// It behaves like a socket: writes may be partial, empty reads would block and
// a closed peer reads as EOF once drained. Each end may be driven from its own
// goroutine.
type MemSocket struct {
	shared *pipeShared
	side   int
	closed bool
	// MaxIovecs limits chunks taken per write call, like a writev batch.
	MaxIovecs int
}

// Pipe returns two connected ends with the given per-direction capacity.
func Pipe(capacity int) (*MemSocket, *MemSocket) {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}
	shared := &pipeShared{capacity: capacity}
	return &MemSocket{shared: shared, side: 0, MaxIovecs: DefaultMaxIovecs},
		&MemSocket{shared: shared, side: 1, MaxIovecs: DefaultMaxIovecs}
}

func (s *MemSocket) Kind() Kind { return KindTerminal }

func (s *MemSocket) Attach(next Middleware, ev Events) error {
	if next != nil {
		return fmt.Errorf("%w: memsock must be the terminal layer", ErrInvalidChain)
	}
	s.shared.mu.Lock()
	s.shared.events[s.side] = ev
	s.shared.mu.Unlock()
	return nil
}

// inbound is the direction this end reads from.
func (s *MemSocket) inbound() *pipeHalf { return &s.shared.dirs[1-s.side] }

// outbound is the direction this end writes to.
func (s *MemSocket) outbound() *pipeHalf { return &s.shared.dirs[s.side] }

func (s *MemSocket) OnRead(dst *bytes.Buffer) (ReadStatus, error) {
	if s.closed {
		return ReadError, ErrClosed
	}
	sh := s.shared
	sh.mu.Lock()
	in := s.inbound()
	if in.buf.Len() == 0 {
		if in.eof {
			sh.mu.Unlock()
			return ReadClosed, nil
		}
		in.readWant = true
		sh.mu.Unlock()
		return ReadWouldBlock, nil
	}
	_, _ = in.buf.WriteTo(dst)
	notify := in.writeWant
	if notify {
		in.writeWant = false
	}
	peer := sh.events[1-s.side]
	sh.mu.Unlock()
	if notify && peer != nil {
		peer.Writable()
	}
	return ReadConsumed, nil
}

func (s *MemSocket) OnWrite(src *ChunkQueue) (WriteStatus, error) {
	if s.closed {
		return WriteError, ErrClosed
	}
	if src.Len() == 0 {
		return WriteProgressed, nil
	}
	sh := s.shared
	sh.mu.Lock()
	out := s.outbound()
	if out.eof {
		sh.mu.Unlock()
		return WriteClosed, nil
	}
	space := sh.capacity - out.buf.Len()
	wrote := 0
	for _, c := range src.Peek(nil, s.iovecs()) {
		if space <= 0 {
			break
		}
		if len(c) > space {
			c = c[:space]
		}
		out.buf.Write(c)
		space -= len(c)
		wrote += len(c)
	}
	src.Consume(wrote)
	blocked := src.Len() > 0
	if blocked {
		out.writeWant = true
	}
	notify := wrote > 0 && out.readWant
	if notify {
		out.readWant = false
	}
	peer := sh.events[1-s.side]
	sh.mu.Unlock()

	if notify && peer != nil {
		peer.Readable()
	}
	if blocked {
		if space > 0 {
			// Batch limit reached with room left; ask for another round.
			if ev := s.events(); ev != nil {
				ev.Writable()
			}
		}
		return WriteWouldBlock, nil
	}
	return WriteProgressed, nil
}

func (s *MemSocket) Pending() int { return 0 }

func (s *MemSocket) Established() bool { return true }

// OnClose shuts both directions: the peer drains what is buffered, then reads EOF.
func (s *MemSocket) OnClose() {
	if s.closed {
		return
	}
	s.closed = true
	sh := s.shared
	sh.mu.Lock()
	out := s.outbound()
	out.eof = true
	in := s.inbound()
	in.eof = true
	in.buf.Reset()
	peer := sh.events[1-s.side]
	sh.events[s.side] = nil
	sh.mu.Unlock()
	if peer != nil {
		peer.Readable()
		peer.Writable()
	}
}

// Buffered reports bytes waiting to be read by this end.
func (s *MemSocket) Buffered() int {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.inbound().buf.Len()
}

func (s *MemSocket) events() Events {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	return s.shared.events[s.side]
}

func (s *MemSocket) iovecs() int {
	if s.MaxIovecs <= 0 {
		return DefaultMaxIovecs
	}
	return s.MaxIovecs
}
