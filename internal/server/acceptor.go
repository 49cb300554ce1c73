package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/transport"
)

// Listener describes one client-facing endpoint and the middleware template
// applied to every socket it accepts.
type Listener struct {
	Name     string
	Addr     string
	MaxConns int
	Template transport.Template
	Socket   transport.SocketOptions
}

// ListenAndServe binds l.Addr and serves it until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, l Listener) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(l.Addr))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, l)
}

// Serve accepts on ln until ctx is done. Each accepted socket becomes a
// terminal layer under a fresh instance of l.Template and is handed to the
// loop; the acceptor never touches a connection after that.
func (s *Server) Serve(ctx context.Context, ln net.Listener, l Listener) error {
	defer ln.Close()
	log.Info().Msgf("server.Server.Serve listener=%q addr=%q layers=%d max_conns=%d",
		l.Name, ln.Addr().String(), len(l.Template.Layers), l.MaxConns)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var slots *semaphore.Weighted
	if l.MaxConns > 0 {
		slots = semaphore.NewWeighted(int64(l.MaxConns))
	}
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = nextAcceptDelay(delay)
				log.Warn().Msgf("server.Server.Serve listener=%q accept err=%v retry=%s", l.Name, err, delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		var release func()
		if slots != nil {
			if !slots.TryAcquire(1) {
				reject(conn, "Too many connections")
				continue
			}
			release = func() { slots.Release(1) }
		}
		s.accept(conn, l, release)
	}
}

func (s *Server) accept(conn net.Conn, l Listener, release func()) {
	remote := conn.RemoteAddr().String()
	sock, err := transport.NewSocket(conn, l.Socket)
	if err != nil {
		_ = conn.Close()
		if release != nil {
			release()
		}
		log.Error().Msgf("server.Server.accept listener=%q remote=%q err=%v", l.Name, remote, err)
		return
	}
	layers, err := l.Template.Build(sock)
	if err != nil {
		sock.OnClose()
		if release != nil {
			release()
		}
		log.Error().Msgf("server.Server.accept listener=%q remote=%q template err=%v", l.Name, remote, err)
		return
	}
	s.Post(func() {
		if _, err := s.attach(layers, remote, l.Name, release); err != nil {
			log.Warn().Msgf("server.Server.accept listener=%q remote=%q attach err=%v", l.Name, remote, err)
		}
	})
}

// reject answers a socket the loop will never see.
func reject(conn net.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	_, _ = conn.Write(protocol.Line("ERROR", nil, "Closing link: "+reason))
	_ = conn.Close()
	log.Warn().Msgf("server.reject remote=%q reason=%q", conn.RemoteAddr().String(), reason)
}

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < time.Second {
		return next
	}
	return time.Second
}
