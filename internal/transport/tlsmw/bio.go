package tlsmw

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/edgekv/internal/transport"
)

// bioConn is the net.Conn handed to crypto/tls. It never touches a socket:
// ciphertext arriving from the inner layer is fed into in, and records the TLS
// engine produces collect in out until the event loop moves them inward. Only
// Read blocks, and only on the record pump goroutine.
type bioConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     bytes.Buffer
	out    transport.ChunkQueue
	eof    bool
	closed bool

	// wrote is signalled after every Write so the loop comes back to flush.
	wrote func()
	local net.Addr
	peer  net.Addr
}

func newBioConn(wrote func()) *bioConn {
	b := &bioConn{
		wrote: wrote,
		local: pipeAddr("local"),
		peer:  pipeAddr("peer"),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// feed appends ciphertext received from the inner layer.
func (b *bioConn) feed(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if !b.closed {
		b.in.Write(p)
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// setEOF marks the inbound stream finished once in drains.
func (b *bioConn) setEOF() {
	b.mu.Lock()
	b.eof = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// takeOut moves every queued record into dst.
func (b *bioConn) takeOut(dst *transport.ChunkQueue) {
	b.mu.Lock()
	b.out.MoveTo(dst)
	b.mu.Unlock()
}

func (b *bioConn) outLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.Len()
}

func (b *bioConn) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.in.Len() == 0 && !b.eof && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return 0, net.ErrClosed
	}
	if b.in.Len() == 0 {
		return 0, io.EOF
	}
	return b.in.Read(p)
}

func (b *bioConn) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, net.ErrClosed
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	b.out.Push(chunk)
	b.mu.Unlock()
	if b.wrote != nil {
		b.wrote()
	}
	return len(p), nil
}

func (b *bioConn) Close() error {
	b.mu.Lock()
	b.closed = true
	b.in.Reset()
	b.out.Reset()
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (b *bioConn) LocalAddr() net.Addr              { return b.local }
func (b *bioConn) RemoteAddr() net.Addr             { return b.peer }
func (b *bioConn) SetDeadline(time.Time) error      { return nil }
func (b *bioConn) SetReadDeadline(time.Time) error  { return nil }
func (b *bioConn) SetWriteDeadline(time.Time) error { return nil }

type pipeAddr string

func (a pipeAddr) Network() string { return "tlsmw" }
func (a pipeAddr) String() string  { return string(a) }
