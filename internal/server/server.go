// Package server runs the single-threaded event loop that owns every client
// connection: it reads and frames input, queues commands per connection,
// dispatches at most one unit of work per connection per tick and tears
// connections down at the end of the tick that failed them.
package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/observability"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/queue"
	"github.com/danmuck/edgekv/internal/transport"
	"github.com/danmuck/edgekv/internal/worker"
)

var (
	ErrNotRunning     = errors.New("server: loop not running")
	ErrAlreadyRunning = errors.New("server: loop already running")
	ErrNilDispatcher  = errors.New("server: dispatcher is nil")
	ErrConnClosed     = errors.New("server: connection closed")
)

// Dispatcher is what the loop needs from the command layer.
type Dispatcher interface {
	queue.Executor
	Lookup(name string) (command.Descriptor, bool)
	// Complete reports the final result of an offloaded command.
	Complete(c command.Client, result command.Result)
}

// Config tunes the loop. Zero durations disable the matching timer.
type Config struct {
	Limits  transport.Limits
	MaxLine int
	Queue   queue.Config
	Parser  protocol.Parser

	KeepAliveInterval   time.Duration
	PingTimeout         time.Duration
	RegistrationTimeout time.Duration
	Housekeeping        time.Duration
	// ShutdownGrace bounds how long a closing connection may spend draining
	// its output, at shutdown and for every quit or timeout.
	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limits:              transport.DefaultLimits(),
		MaxLine:             protocol.DefaultMaxLine,
		Queue:               queue.DefaultConfig(),
		Parser:              protocol.LineParser{},
		KeepAliveInterval:   90 * time.Second,
		PingTimeout:         30 * time.Second,
		RegistrationTimeout: 30 * time.Second,
		Housekeeping:        time.Second,
		ShutdownGrace:       5 * time.Second,
	}
}

type Option func(*Server)

// WithWorkers gives the loop a worker pool for Offload. Without one,
// offloaded work runs inline on the loop.
func WithWorkers(cfg worker.Config, opts ...worker.Option) Option {
	return func(s *Server) {
		s.workerCfg = &cfg
		s.workerOpts = opts
	}
}

// WithCloseHook runs fn on the loop for every connection torn down.
func WithCloseHook(fn func(c *Connection)) Option {
	return func(s *Server) { s.onClose = append(s.onClose, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is the event loop. Exported methods documented as loop-only must be
// called from the goroutine running Run or Poll; everything else posts.
type Server struct {
	cfg  Config
	disp Dispatcher
	now  func() time.Time

	workerCfg  *worker.Config
	workerOpts []worker.Option
	pool       *worker.Pool
	onClose    []func(c *Connection)

	mu      sync.Mutex
	posted  []func()
	wake    chan struct{}
	running bool

	// Loop-owned from here down.
	conns    map[string]*Connection
	order    []*Connection
	culled   []*Connection
	draining bool
	started  time.Time
	stats    counters
}

type counters struct {
	accepted   uint64
	closed     uint64
	dispatched uint64
	replayed   uint64
	keepAlive  uint64
	queued     uint64
	ticks      uint64
	rejected   uint64
}

func New(cfg Config, disp Dispatcher, opts ...Option) (*Server, error) {
	if disp == nil {
		return nil, ErrNilDispatcher
	}
	def := DefaultConfig()
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = def.MaxLine
	}
	if cfg.Parser == nil {
		cfg.Parser = def.Parser
	}
	if cfg.Housekeeping <= 0 {
		cfg.Housekeeping = def.Housekeeping
	}
	s := &Server{
		cfg:   cfg,
		disp:  disp,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
		conns: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	if s.workerCfg != nil {
		pool, err := worker.NewPool(*s.workerCfg, s.Post, s.workerOpts...)
		if err != nil {
			return nil, fmt.Errorf("server: worker pool: %w", err)
		}
		s.pool = pool
	}
	return s, nil
}

// Post schedules fn on the loop. Safe from any goroutine.
func (s *Server) Post(fn func()) {
	s.mu.Lock()
	s.posted = append(s.posted, fn)
	s.mu.Unlock()
	s.kick()
}

func (s *Server) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it, bounded by ctx.
func (s *Server) Do(ctx context.Context, fn func()) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	done := make(chan struct{})
	s.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether Run is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run drives the loop until ctx is done, then drains connections for up to
// ShutdownGrace and closes whatever is left.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	if s.pool != nil {
		if err := s.pool.Start(workCtx); err != nil {
			return fmt.Errorf("server: start workers: %w", err)
		}
	}
	log.Info().Msgf("server.Server.Run housekeeping=%s keepalive=%s", s.cfg.Housekeeping, s.cfg.KeepAliveInterval)

	hk := time.NewTicker(s.cfg.Housekeeping)
	defer hk.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			if s.pool != nil {
				if err := s.pool.Stop(s.cfg.ShutdownGrace); err != nil {
					log.Warn().Msgf("server.Server.Run worker stop err=%v", err)
				}
			}
			log.Info().Msgf("server.Server.Run stopped accepted=%d closed=%d", s.stats.accepted, s.stats.closed)
			return nil
		case <-s.wake:
		case <-hk.C:
			s.Housekeep(s.now())
		}
		s.Poll()
	}
}

// Poll runs posted events, one dispatch tick, events posted by that tick and
// deferred teardown. Loop-only; tests call it directly instead of Run.
func (s *Server) Poll() {
	s.runPosted()
	s.Tick()
	s.runPosted()
	s.reap()
	if s.hasWork() {
		s.kick()
	}
}

// runPosted runs one batch. Events posted while it runs wait for the next
// batch so a chatty peer cannot starve the tick.
func (s *Server) runPosted() {
	s.mu.Lock()
	batch := s.posted
	s.posted = nil
	s.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
	if len(batch) > 0 {
		s.mu.Lock()
		more := len(s.posted) > 0
		s.mu.Unlock()
		if more {
			s.kick()
		}
	}
}

// Tick gives every live connection at most one unit of work, in attach order,
// and returns how many made progress. Loop-only.
func (s *Server) Tick() int {
	s.stats.ticks++
	observability.RecordTick()
	worked := 0
	for _, c := range s.order {
		if c.dead || c.quitting {
			continue
		}
		switch c.q.Step(c, s.disp, c.locked > 0) {
		case queue.OutcomeIdle, queue.OutcomeLocked:
			continue
		case queue.OutcomeKeepAlive:
			s.stats.keepAlive++
		case queue.OutcomeReplayed:
			s.stats.replayed++
		case queue.OutcomeQueued:
			s.stats.queued++
		case queue.OutcomeDispatched:
			s.stats.dispatched++
		}
		worked++
	}
	return worked
}

func (s *Server) hasWork() bool {
	for _, c := range s.order {
		if c.dead || c.quitting || c.locked > 0 {
			continue
		}
		if c.q.Len() > 0 || (c.q.State() == queue.Running && c.q.Buffered() > 0) {
			return true
		}
	}
	return false
}

// Attach creates a connection over layers (outermost first, terminal last)
// and starts reading. Loop-only.
func (s *Server) Attach(layers []transport.Middleware, remote, listener string) (*Connection, error) {
	return s.attach(layers, remote, listener, nil)
}

func (s *Server) attach(layers []transport.Middleware, remote, listener string, release func()) (*Connection, error) {
	fail := func(err error) (*Connection, error) {
		for _, m := range layers {
			if m != nil {
				m.OnClose()
			}
		}
		if release != nil {
			release()
		}
		return nil, err
	}
	if s.draining {
		return fail(ErrConnClosed)
	}
	c := newConnection(s, remote, listener)
	t, err := transport.New(layers, c, s.cfg.Limits)
	if err != nil {
		return fail(err)
	}
	c.t = t
	c.release = release
	s.conns[c.ID()] = c
	s.order = append(s.order, c)
	s.stats.accepted++
	observability.RecordConnOpened(listener)
	log.Debug().Msgf("server.Server.Attach conn=%q remote=%q listener=%q depth=%d", c.ID(), remote, listener, t.Depth())
	c.Readable()
	return c, nil
}

// Submit feeds raw bytes into c as if they had been read from the chain.
// Loop-only.
func (s *Server) Submit(c *Connection, raw []byte) {
	if c.dead || c.quitting {
		return
	}
	c.t.Recv().Write(raw)
	s.drainInput(c)
}

// Enqueue queues one decoded command on c. Loop-only.
func (s *Server) Enqueue(c *Connection, name string, params []string) error {
	if c.dead || c.quitting {
		return ErrConnClosed
	}
	keepAlive := false
	if desc, ok := s.disp.Lookup(name); ok {
		keepAlive = desc.KeepAlive
	}
	err := c.q.Enqueue(name, params, keepAlive)
	switch {
	case err == nil:
		s.kick()
		return nil
	case errors.Is(err, queue.ErrFlood):
		s.stats.rejected++
		observability.RecordRejectedLine("flood")
		s.kick()
		return err
	default:
		c.closeLink("RecvQ exceeded")
		return err
	}
}

func (s *Server) drainInput(c *Connection) {
	buf := c.t.Recv()
	for !c.dead && !c.quitting {
		line, ok, err := c.acc.Next(buf)
		if errors.Is(err, protocol.ErrRecvQExceeded) {
			s.stats.rejected++
			observability.RecordRejectedLine("recvq")
			c.closeLink("RecvQ exceeded")
			return
		}
		if errors.Is(err, protocol.ErrFraming) {
			s.stats.rejected++
			observability.RecordRejectedLine("framing")
			log.Debug().Msgf("server.Server.drainInput conn=%q dropped err=%v", c.ID(), err)
			continue
		}
		if !ok {
			return
		}
		if line == "" {
			continue
		}
		msg, err := s.cfg.Parser.Decode(line)
		if err != nil {
			s.stats.rejected++
			observability.RecordRejectedLine("decode")
			log.Debug().Msgf("server.Server.drainInput conn=%q dropped err=%v", c.ID(), err)
			continue
		}
		if err := s.Enqueue(c, msg.Command, msg.Params); err != nil && !errors.Is(err, queue.ErrFlood) {
			return
		}
	}
}

func (s *Server) handleReadable(c *Connection) {
	if c.dead || c.quitting {
		return
	}
	if err := c.t.HandleReadable(); err != nil {
		s.cull(c, causeOf(err))
		return
	}
	s.drainInput(c)
}

func (s *Server) handleWritable(c *Connection) {
	if c.dead {
		return
	}
	if err := c.t.Flush(); err != nil {
		s.cull(c, causeOf(err))
		return
	}
	if c.t.Closed() {
		s.cull(c, c.reason)
	}
}

// cull closes c's chain now and schedules destruction for the end of the
// current poll.
func (s *Server) cull(c *Connection, reason string) {
	if c.dead {
		return
	}
	c.dead = true
	if c.reason == "" {
		c.reason = reason
	}
	c.t.Close()
	s.culled = append(s.culled, c)
}

func (s *Server) reap() {
	if len(s.culled) == 0 {
		return
	}
	culled := s.culled
	s.culled = nil
	for _, c := range culled {
		delete(s.conns, c.ID())
		c.q.Discard()
		if c.release != nil {
			c.release()
		}
		for _, fn := range s.onClose {
			fn(c)
		}
		s.stats.closed++
		observability.RecordConnClosed(c.sess.Listener, causeLabel(c.reason))
		log.Info().Msgf("server.Server.reap conn=%q account=%q reason=%q", c.ID(), c.Target(), c.reason)
	}
	live := s.order[:0]
	for _, c := range s.order {
		if !c.dead {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(s.order); i++ {
		s.order[i] = nil
	}
	s.order = live
}

// Housekeep pings idle connections, enforces ping and registration
// timeouts and hard-closes connections whose drain outlived ShutdownGrace.
// Loop-only.
func (s *Server) Housekeep(now time.Time) {
	for _, c := range s.order {
		if c.dead {
			continue
		}
		if c.quitting {
			if now.Sub(c.quitAt) >= s.cfg.ShutdownGrace {
				log.Info().Msgf("server.Server.Housekeep conn=%q drain expired pending=%d reason=%q", c.ID(), c.t.Pending(), c.reason)
				s.cull(c, c.reason)
			}
			continue
		}
		sess := c.sess
		if !sess.Registered() && s.cfg.RegistrationTimeout > 0 && now.Sub(sess.ConnectedAt) >= s.cfg.RegistrationTimeout {
			c.closeLink("Registration timeout")
			continue
		}
		if sess.PingToken != "" {
			if s.cfg.PingTimeout > 0 && now.Sub(sess.PingSent) >= s.cfg.PingTimeout {
				c.closeLink("Ping timeout")
			}
			continue
		}
		if s.cfg.KeepAliveInterval <= 0 {
			continue
		}
		if sess.NextKeepAlive.IsZero() {
			sess.NextKeepAlive = sess.ConnectedAt.Add(s.cfg.KeepAliveInterval)
		}
		if now.Before(sess.NextKeepAlive) {
			continue
		}
		sess.PingToken = strconv.FormatInt(now.UnixNano(), 10)
		sess.PingSent = now
		c.Send(protocol.Line("PING", nil, sess.PingToken))
	}
	s.reap()
}

// shutdown tells every client, lets output drain for ShutdownGrace and then
// hard-closes the rest.
func (s *Server) shutdown() {
	s.draining = true
	s.runPosted()
	for _, c := range s.order {
		if !c.dead && !c.quitting {
			c.closeLink("Server shutting down")
		}
	}
	deadline := s.now().Add(s.cfg.ShutdownGrace)
	for len(s.order) > 0 && s.now().Before(deadline) {
		s.runPosted()
		s.reap()
		if len(s.order) == 0 {
			break
		}
		timer := time.NewTimer(10 * time.Millisecond)
		select {
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
	for _, c := range s.order {
		s.cull(c, "Server shutting down")
	}
	s.reap()
}

func causeOf(err error) string {
	switch {
	case errors.Is(err, transport.ErrPeerClosed):
		return "Connection closed"
	case errors.Is(err, transport.ErrSendQExceeded):
		return "SendQ exceeded"
	default:
		return fmt.Sprintf("Read error: %v", err)
	}
}

// causeLabel folds free-form reasons into bounded metric labels.
func causeLabel(reason string) string {
	switch reason {
	case "Connection closed":
		return "peer"
	case "SendQ exceeded":
		return "sendq"
	case "RecvQ exceeded":
		return "recvq"
	case "Ping timeout":
		return "ping"
	case "Registration timeout":
		return "registration"
	case "Server shutting down":
		return "shutdown"
	}
	if strings.HasPrefix(reason, "Quit") || reason == "Client quit" {
		return "quit"
	}
	return "error"
}
