package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgekv/internal/auth"
	"github.com/danmuck/edgekv/internal/builtin"
	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/monitor"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/queue"
	"github.com/danmuck/edgekv/internal/session"
	"github.com/danmuck/edgekv/internal/transport"
	"github.com/danmuck/edgekv/internal/worker"
)

var (
	_ builtin.Conn     = (*Connection)(nil)
	_ auth.Identified  = (*Connection)(nil)
	_ monitor.Sink     = (*Connection)(nil)
	_ transport.Events = (*Connection)(nil)
)

// Connection is one client. Everything but the Events methods is loop-owned.
type Connection struct {
	srv  *Server
	sess *session.Session
	q    *queue.Queue
	t    *transport.Transport
	acc  protocol.Accumulator

	// locked counts offloaded jobs whose completion has not been applied.
	locked   int
	quitting bool
	quitAt   time.Time
	dead     bool
	reason   string
	release  func()

	readPosted  atomic.Bool
	writePosted atomic.Bool
}

func newConnection(s *Server, remote, listener string) *Connection {
	sess := session.New(remote, listener, s.now())
	return &Connection{
		srv:  s,
		sess: sess,
		q:    queue.New(sess.ID, s.cfg.Queue),
		acc:  protocol.NewAccumulator(s.cfg.MaxLine),
	}
}

// Readable is called by the chain from any goroutine. Repeated calls before
// the loop runs coalesce into one event.
func (c *Connection) Readable() {
	if c.readPosted.CompareAndSwap(false, true) {
		c.srv.Post(func() {
			c.readPosted.Store(false)
			c.srv.handleReadable(c)
		})
	}
}

func (c *Connection) Writable() {
	if c.writePosted.CompareAndSwap(false, true) {
		c.srv.Post(func() {
			c.writePosted.Store(false)
			c.srv.handleWritable(c)
		})
	}
}

func (c *Connection) ID() string                      { return c.sess.ID }
func (c *Connection) Target() string                  { return c.sess.Target() }
func (c *Connection) Registered() bool                { return c.sess.Registered() }
func (c *Connection) Identity() session.Identity      { return c.sess.Identity() }
func (c *Connection) Session() *session.Session       { return c.sess }
func (c *Connection) Queue() *queue.Queue             { return c.q }
func (c *Connection) Transport() *transport.Transport { return c.t }

// Closed reports whether the connection has been torn down or is draining
// towards it.
func (c *Connection) Closed() bool { return c.dead || c.quitting }

func (c *Connection) Touch(now time.Time, keepAlive bool) {
	c.sess.Touch(now, keepAlive, c.srv.cfg.KeepAliveInterval)
}

func (c *Connection) Reply(code protocol.Code, params []string, text string) {
	c.Send(protocol.Reply(code, c.Target(), params, text))
}

// Send queues one line. A send queue overflow fails the connection.
func (c *Connection) Send(line []byte) {
	if c.dead || c.t.Closing() {
		return
	}
	c.t.Write(line)
	if c.t.Closed() {
		c.srv.cull(c, causeOf(c.t.Err()))
	}
}

// Quit stops dispatch, flushes what is queued and closes.
func (c *Connection) Quit(reason string) {
	if c.dead || c.quitting {
		return
	}
	c.quitting = true
	c.quitAt = c.srv.now()
	c.reason = reason
	c.q.Discard()
	c.t.CloseAfterFlush()
	if c.t.Closed() {
		c.srv.cull(c, reason)
	}
}

// closeLink tells the client why and quits.
func (c *Connection) closeLink(reason string) {
	c.Send(protocol.Line("ERROR", nil, "Closing link: "+reason))
	c.Quit(reason)
}

// Offload runs work on the worker pool, or inline when the server has none.
// The connection stays locked until the completion runs on the loop, and a
// completion for a connection torn down meanwhile is dropped and counted as
// failed. Either way the dispatcher learns the final result.
func (c *Connection) Offload(name string, run func(ctx context.Context) func() command.Result) error {
	if c.dead || c.quitting {
		return ErrConnClosed
	}
	s := c.srv
	if s.pool == nil {
		c.locked++
		apply := run(context.Background())
		c.locked--
		c.complete(apply)
		return nil
	}
	c.locked++
	err := s.pool.Submit(worker.Job{
		Name: name,
		Run: func(ctx context.Context) func() {
			apply := run(ctx)
			return func() {
				c.locked--
				c.complete(apply)
				s.kick()
			}
		},
		Failed: func(err error) {
			c.locked--
			log.Error().Msgf("server.Connection.Offload conn=%q job=%q err=%v", c.ID(), name, err)
			if !c.dead {
				c.Reply(protocol.ErrHandlerFailed, []string{name}, "Internal error")
			}
			s.disp.Complete(c, command.ResultFailed)
			s.kick()
		},
	})
	if err != nil {
		c.locked--
		return fmt.Errorf("server: offload %s: %w", name, err)
	}
	return nil
}

func (c *Connection) complete(apply func() command.Result) {
	result := command.ResultSuccess
	switch {
	case c.dead:
		result = command.ResultFailed
	case apply != nil:
		result = apply()
	}
	c.srv.disp.Complete(c, result)
}
