//go:build !linux

package transport

import (
	"bytes"
	"fmt"
	"net"
)

// Socket is only implemented on linux; elsewhere NewSocket fails.
type Socket struct{}

func NewSocket(conn net.Conn, opts SocketOptions) (*Socket, error) {
	return nil, fmt.Errorf("%w: non-blocking sockets unsupported on this platform", ErrSocket)
}

func (s *Socket) Kind() Kind                               { return KindTerminal }
func (s *Socket) Attach(Middleware, Events) error          { return ErrSocket }
func (s *Socket) OnRead(*bytes.Buffer) (ReadStatus, error) { return ReadError, ErrSocket }
func (s *Socket) OnWrite(*ChunkQueue) (WriteStatus, error) { return WriteError, ErrSocket }
func (s *Socket) Pending() int                             { return 0 }
func (s *Socket) Established() bool                        { return true }
func (s *Socket) OnClose()                                 {}
func (s *Socket) RemoteAddr() net.Addr                     { return nil }
