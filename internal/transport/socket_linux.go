//go:build linux

package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socket is the terminal layer over an accepted stream socket. The loop reads
// and writes the descriptor directly with non-blocking syscalls; readiness
// interest is registered through one-shot waiters parked in the runtime poller.
type Socket struct {
	conn net.Conn
	raw  syscall.RawConn
	fd   int
	opts SocketOptions
	ev   Events

	buf []byte
	iov [][]byte

	readArmed  atomic.Bool
	writeArmed atomic.Bool
	closed     atomic.Bool
}

// NewSocket wraps conn. The runtime already put the descriptor in
// non-blocking mode.
func NewSocket(conn net.Conn, opts SocketOptions) (*Socket, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T exposes no descriptor", ErrSocket, conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocket, err)
	}
	opts = opts.withDefaults()
	return &Socket{
		conn: conn,
		raw:  raw,
		fd:   fd,
		opts: opts,
		buf:  make([]byte, opts.ReadChunk),
		iov:  make([][]byte, 0, opts.MaxIovecs),
	}, nil
}

func (s *Socket) Kind() Kind { return KindTerminal }

func (s *Socket) Attach(next Middleware, ev Events) error {
	if next != nil {
		return fmt.Errorf("%w: socket must be the terminal layer", ErrInvalidChain)
	}
	s.ev = ev
	return nil
}

// RemoteAddr reports the peer address of the underlying connection.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Socket) OnRead(dst *bytes.Buffer) (ReadStatus, error) {
	if s.closed.Load() {
		return ReadError, ErrClosed
	}
	for {
		n, err := unix.Read(s.fd, s.buf)
		switch {
		case n > 0:
			dst.Write(s.buf[:n])
			return ReadConsumed, nil
		case err == nil:
			return ReadClosed, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			s.armRead()
			return ReadWouldBlock, nil
		case errors.Is(err, unix.ECONNRESET):
			return ReadClosed, nil
		default:
			return ReadError, fmt.Errorf("%w: read: %v", ErrSocket, err)
		}
	}
}

func (s *Socket) OnWrite(src *ChunkQueue) (WriteStatus, error) {
	if s.closed.Load() {
		return WriteError, ErrClosed
	}
	for src.Len() > 0 {
		s.iov = src.Peek(s.iov[:0], s.opts.MaxIovecs)
		n, err := unix.Writev(s.fd, s.iov)
		if n > 0 {
			src.Consume(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			s.armWrite()
			return WriteWouldBlock, nil
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
			return WriteClosed, nil
		default:
			return WriteError, fmt.Errorf("%w: writev: %v", ErrSocket, err)
		}
	}
	return WriteProgressed, nil
}

func (s *Socket) Pending() int { return 0 }

func (s *Socket) Established() bool { return true }

func (s *Socket) OnClose() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.conn.Close()
}

// armRead parks one goroutine in the runtime poller until the descriptor is
// readable, then reports it. Re-arming while armed is a no-op.
func (s *Socket) armRead() {
	if !s.readArmed.CompareAndSwap(false, true) {
		return
	}
	go func() {
		_ = s.raw.Read(func(fd uintptr) bool { return pollReady(int(fd), unix.POLLIN) })
		s.readArmed.Store(false)
		if !s.closed.Load() && s.ev != nil {
			s.ev.Readable()
		}
	}()
}

func (s *Socket) armWrite() {
	if !s.writeArmed.CompareAndSwap(false, true) {
		return
	}
	go func() {
		_ = s.raw.Write(func(fd uintptr) bool { return pollReady(int(fd), unix.POLLOUT) })
		s.writeArmed.Store(false)
		if !s.closed.Load() && s.ev != nil {
			s.ev.Writable()
		}
	}()
}

// pollReady checks readiness without blocking. The runtime resets its own
// readiness flag before waiting, so an edge that fired between our EAGAIN and
// the wait would otherwise be lost.
func pollReady(fd int, events int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return true
		}
		return n > 0
	}
}
