package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/edgekv/internal/auth"
	"github.com/danmuck/edgekv/internal/builtin"
	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/config"
	"github.com/danmuck/edgekv/internal/logging"
	"github.com/danmuck/edgekv/internal/monitor"
	"github.com/danmuck/edgekv/internal/observability"
	"github.com/danmuck/edgekv/internal/pubsub"
	"github.com/danmuck/edgekv/internal/queue"
	"github.com/danmuck/edgekv/internal/server"
	"github.com/danmuck/edgekv/internal/storage"
	"github.com/danmuck/edgekv/internal/transport"
	"github.com/danmuck/edgekv/internal/transport/deflate"
	"github.com/danmuck/edgekv/internal/transport/tlsmw"
	"github.com/danmuck/edgekv/internal/worker"
)

func runServe(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func applyLogging(cfg config.LoggingConfig) {
	logging.ConfigureRuntime()
	lvl, ok := logging.ParseLevel(cfg.Level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	logging.Apply(logging.Config{Level: lvl, Timestamp: true, JSON: cfg.JSON})
}

// daemon owns every long-lived component built from one config.
type daemon struct {
	cfg       config.Config
	store     storage.Store
	accounts  *auth.Store
	srv       *server.Server
	listeners []server.Listener
	tracing   func(context.Context) error
}

func newDaemon(cfg config.Config, reg prometheus.Registerer) (*daemon, error) {
	d := &daemon{cfg: cfg}
	var err error
	if d.store, err = openStore(cfg.Storage); err != nil {
		return nil, err
	}
	if d.accounts, err = auth.OpenStore(cfg.Auth.AccountsFile); err != nil {
		_ = d.store.Close()
		return nil, err
	}
	if err := d.build(reg); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build(reg prometheus.Registerer) error {
	cfg := d.cfg
	broker := pubsub.NewBroker()
	broker.MaxPerSubscriber = cfg.Limits.MaxSubscriptions
	hub := monitor.NewHub()
	env := builtin.Env{
		Store:     d.store,
		Broker:    broker,
		Accounts:  d.accounts,
		Monitor:   hub,
		Stats:     func() []builtin.Stat { return d.srv.StatLines() },
		KeysLimit: cfg.Limits.KeysLimit,
	}

	b := command.NewBuilder()
	if err := builtin.Register(b, env); err != nil {
		return err
	}
	table := b.Build()
	fallback, err := builtin.Aliases(cfg.Aliases, table)
	if err != nil {
		return err
	}

	observers := []command.Observer{hub, observability.CommandMetrics{}}
	if cfg.Tracing.Enabled {
		tp, shutdown, err := observability.InitTracing(cfg.Name, cfg.Tracing.Pretty)
		if err != nil {
			return err
		}
		d.tracing = shutdown
		observers = append(observers, observability.NewCommandTracer(tp))
	}
	observability.RegisterMetrics()
	disp := command.NewDispatcher(table, auth.NewProvider(d.accounts),
		command.WithFallback(fallback), command.WithObservers(observers...))

	d.srv, err = server.New(serverConfig(cfg), disp,
		server.WithWorkers(worker.Config{Workers: cfg.Workers.Count, QueueSize: cfg.Workers.QueueSize},
			worker.WithRegisterer(reg)),
		server.WithCloseHook(func(c *server.Connection) { builtin.Cleanup(env, c.ID()) }))
	if err != nil {
		return err
	}

	for _, lc := range cfg.Listeners {
		l, err := buildListener(lc, cfg.Limits)
		if err != nil {
			return err
		}
		d.listeners = append(d.listeners, l)
	}
	return nil
}

func (d *daemon) run(ctx context.Context) error {
	defer d.close()
	log.Info().Msgf("edgekvd.run name=%q mode=%s listeners=%d storage=%s accounts=%d",
		d.cfg.Name, d.cfg.SecurityMode, len(d.listeners), d.cfg.Storage.Backend, d.accounts.Accounts().Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.srv.Run(gctx) })
	for _, l := range d.listeners {
		l := l
		g.Go(func() error {
			if err := d.srv.ListenAndServe(gctx, l); err != nil {
				return fmt.Errorf("listener %s: %w", l.Name, err)
			}
			return nil
		})
	}
	if addr := d.cfg.Admin.Addr; addr != "" {
		admin := server.AdminConfig{
			Node:        d.cfg.Name,
			Addr:        addr,
			CorsOrigins: d.cfg.Admin.CorsOrigins,
			Extra:       d.adminExtra,
		}
		g.Go(func() error { return d.srv.ServeAdmin(gctx, admin) })
	}
	if d.cfg.Auth.Watch {
		g.Go(func() error { return d.accounts.Watch(gctx) })
	}
	err := g.Wait()
	log.Info().Msgf("edgekvd.run stopped err=%v", err)
	return err
}

func (d *daemon) adminExtra() map[string]any {
	return map[string]any{
		"node":             d.cfg.Name,
		"storage":          d.cfg.Storage.Backend,
		"accounts":         d.accounts.Accounts().Len(),
		"accounts_reloads": d.accounts.Reloads(),
	}
}

func (d *daemon) close() {
	if d.tracing != nil {
		if err := d.tracing(context.Background()); err != nil {
			log.Warn().Msgf("edgekvd.close tracing err=%v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Warn().Msgf("edgekvd.close storage err=%v", err)
		}
	}
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Backend == "memory" {
		return storage.NewMemory(), nil
	}
	return storage.OpenBadger(cfg.Badger())
}

func serverConfig(cfg config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.Limits = transport.Limits{
		MaxReadPerEvent: cfg.Limits.MaxReadPerEvent,
		MaxSendQ:        cfg.Limits.MaxSendQ,
	}
	sc.MaxLine = cfg.Limits.MaxLine
	sc.Queue = queue.Config{
		MaxPending: cfg.Limits.MaxPending,
		FloodRate:  cfg.Limits.FloodRate,
		FloodBurst: cfg.Limits.FloodBurst,
	}
	sc.KeepAliveInterval = cfg.Timeouts.KeepAliveInterval.Duration
	sc.PingTimeout = cfg.Timeouts.PingTimeout.Duration
	sc.RegistrationTimeout = cfg.Timeouts.RegistrationTimeout.Duration
	sc.ShutdownGrace = cfg.Timeouts.ShutdownGrace.Duration
	sc.Housekeeping = cfg.Timeouts.Housekeeping.Duration
	return sc
}

// buildListener maps one [[listener]] onto a template, outermost layer
// first: compression over TLS over the socket.
func buildListener(lc config.ListenerConfig, limits config.LimitsConfig) (server.Listener, error) {
	l := server.Listener{
		Name:     lc.Name,
		Addr:     lc.Addr,
		MaxConns: lc.MaxConns,
		Template: transport.Template{Name: lc.Name},
		Socket:   transport.SocketOptions{MaxIovecs: limits.MaxIovecs},
	}
	if lc.Compress {
		dc := deflate.DefaultConfig()
		dc.MaxFrame = limits.MaxFrame
		l.Template.Layers = append(l.Template.Layers, deflate.Factory(dc))
	}
	if lc.TLS.Enabled {
		tc, err := lc.TLS.ServerTLS()
		if err != nil {
			return server.Listener{}, fmt.Errorf("listener %s: %w", lc.Name, err)
		}
		l.Template.Layers = append(l.Template.Layers, tlsmw.ServerFactory(tc))
	}
	return l, nil
}
