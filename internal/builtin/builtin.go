// Package builtin holds the daemon's concrete command handlers and registers
// them into a command table.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgekv/internal/auth"
	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/monitor"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/pubsub"
	"github.com/danmuck/edgekv/internal/queue"
	"github.com/danmuck/edgekv/internal/session"
	"github.com/danmuck/edgekv/internal/storage"
)

var ErrNotConn = errors.New("builtin: client does not support builtin handlers")

// Conn is the connection surface handlers need beyond command.Client.
type Conn interface {
	command.Client
	Session() *session.Session
	Queue() *queue.Queue
	// Send writes a raw server line.
	Send(line []byte)
	// Quit flushes pending output, then closes.
	Quit(reason string)
	// Offload runs work off the event loop. The connection stays locked until
	// the returned completion has been applied on the loop; its result is the
	// command's final result.
	Offload(name string, run func(ctx context.Context) func() command.Result) error
}

// Stat is one STATS line.
type Stat struct {
	Name  string
	Value string
}

// Env carries the shared services handlers use.
type Env struct {
	Store    storage.Store
	Broker   *pubsub.Broker
	Accounts *auth.Store
	Monitor  *monitor.Hub
	// Stats supplies server counters for STATS.
	Stats func() []Stat
	// KeysLimit caps KEYS output; zero means 1000.
	KeysLimit int
}

type handlers struct {
	env Env
}

// Register adds every builtin descriptor to b.
func Register(b *command.Builder, env Env) error {
	if env.KeysLimit <= 0 {
		env.KeysLimit = 1000
	}
	h := &handlers{env: env}
	for _, d := range h.descriptors() {
		if err := b.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) descriptors() []command.Descriptor {
	return []command.Descriptor{
		{Name: "LOGIN", MinParams: 2, MaxParams: 2, AllowsPreRegistration: true, Handler: h.login},
		{Name: "PING", MinParams: 0, MaxParams: 1, AllowsPreRegistration: true, Handler: h.ping},
		{Name: "PONG", MinParams: 0, MaxParams: 1, AllowsPreRegistration: true, KeepAlive: true, Handler: h.pong},
		{Name: "QUIT", MinParams: 0, MaxParams: 1, AllowsPreRegistration: true, Handler: h.quit},
		{Name: "WHOAMI", Handler: h.whoami},
		{Name: "USE", MinParams: 1, MaxParams: 1, Handler: h.use},

		{Name: "SET", MinParams: 2, MaxParams: 2, Permission: command.CapWrite, AllowsTrailingEmptyParam: true, Handler: h.set},
		{Name: "GET", MinParams: 1, MaxParams: 1, Permission: command.CapRead, Handler: h.get},
		{Name: "DEL", MinParams: 1, MaxParams: 1, Permission: command.CapWrite, Handler: h.del},
		{Name: "EXISTS", MinParams: 1, MaxParams: 1, Permission: command.CapRead, Handler: h.exists},
		{Name: "INCR", MinParams: 1, MaxParams: 2, Permission: command.CapWrite, Handler: h.incr},
		{Name: "KEYS", MinParams: 0, MaxParams: 1, Permission: command.CapRead, Handler: h.keys},

		{Name: "PUBLISH", MinParams: 2, MaxParams: 2, Permission: command.CapPubSub, AllowsTrailingEmptyParam: true, Handler: h.publish},
		{Name: "SUBSCRIBE", MinParams: 1, MaxParams: 1, Permission: command.CapPubSub, Handler: h.subscribe},
		{Name: "PSUBSCRIBE", MinParams: 1, MaxParams: 1, Permission: command.CapPubSub, Handler: h.psubscribe},
		{Name: "UNSUBSCRIBE", MinParams: 0, MaxParams: 1, Permission: command.CapPubSub, Handler: h.unsubscribe},

		{Name: queue.CmdMulti, Handler: h.multi},
		{Name: queue.CmdMultiRun, Handler: h.multiRun},
		{Name: queue.CmdMultiReset, Handler: h.multiReset},

		{Name: "MONITOR", Permission: command.CapMonitor, Handler: h.monitor},
		{Name: "FLUSHDB", Permission: command.CapExec, Handler: h.flushdb},
		{Name: "STATS", Handler: h.stats},
	}
}

// Cleanup drops subscriptions and monitor streams for a closed connection.
func Cleanup(env Env, connID string) {
	if env.Broker != nil {
		env.Broker.Unsubscribe(connID, "")
	}
	if env.Monitor != nil {
		env.Monitor.Remove(connID)
	}
}

// Aliases resolves configured alternative names against t, e.g. RM = "DEL".
// Alias chains are not followed.
func Aliases(aliases map[string]string, t *command.Table) (command.Fallback, error) {
	resolved := make(map[string]command.Descriptor, len(aliases))
	for alias, target := range aliases {
		alias = strings.ToUpper(strings.TrimSpace(alias))
		target = strings.ToUpper(strings.TrimSpace(target))
		if _, exists := t.Lookup(alias); exists {
			return nil, fmt.Errorf("%w: alias %s shadows a command", command.ErrDescriptorExists, alias)
		}
		desc, ok := t.Lookup(target)
		if !ok {
			return nil, fmt.Errorf("%w: alias %s -> %s", command.ErrUnknownCommand, alias, target)
		}
		resolved[alias] = desc
	}
	return func(name string) (command.Descriptor, bool) {
		d, ok := resolved[name]
		return d, ok
	}, nil
}

func asConn(c command.Client, name string) (Conn, bool) {
	conn, ok := c.(Conn)
	if !ok {
		log.Error().Msgf("builtin.asConn conn=%q name=%s err=%v", c.ID(), name, ErrNotConn)
		c.Reply(protocol.ErrHandlerFailed, []string{name}, "Internal error")
	}
	return conn, ok
}

// offload hands run to the worker pool, replying ServerBusy when it is full.
func offload(conn Conn, name string, run func(ctx context.Context) func() command.Result) command.Result {
	if err := conn.Offload(name, run); err != nil {
		log.Warn().Msgf("builtin.offload conn=%q name=%s err=%v", conn.ID(), name, err)
		conn.Reply(protocol.ErrServerBusy, []string{name}, "Server busy, try again")
		return command.ResultFailed
	}
	return command.ResultDeferred
}

// backendError replies for a failed storage call. Bad input is Invalid,
// anything else Failed.
func backendError(conn Conn, name, key string, err error) command.Result {
	switch {
	case errors.Is(err, storage.ErrNotInteger):
		conn.Reply(protocol.ErrInvalidArgument, []string{name, key}, "Value is not an integer")
		return command.ResultInvalid
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrInvalidDatabase):
		conn.Reply(protocol.ErrInvalidArgument, []string{name, key}, "Invalid key")
		return command.ResultInvalid
	default:
		log.Error().Msgf("builtin.backend conn=%q name=%s key=%q err=%v", conn.ID(), name, key, err)
		conn.Reply(protocol.ErrBackend, []string{name}, "Storage error")
		return command.ResultFailed
	}
}
