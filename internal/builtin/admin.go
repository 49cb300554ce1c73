package builtin

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/queue"
)

func (h *handlers) multi(c command.Client, _ []string) command.Result {
	conn, ok := asConn(c, queue.CmdMulti)
	if !ok {
		return command.ResultFailed
	}
	if err := conn.Queue().Begin(); err != nil {
		conn.Reply(protocol.ErrMultiActive, []string{queue.CmdMulti}, "Transaction already active")
		return command.ResultInvalid
	}
	conn.Reply(protocol.RplMultiStarted, []string{queue.CmdMulti}, "OK")
	return command.ResultSuccess
}

func (h *handlers) multiRun(c command.Client, _ []string) command.Result {
	conn, ok := asConn(c, queue.CmdMultiRun)
	if !ok {
		return command.ResultFailed
	}
	n, err := conn.Queue().Run()
	if errors.Is(err, queue.ErrNoMulti) {
		conn.Reply(protocol.ErrNoMulti, []string{queue.CmdMultiRun}, "No transaction in progress")
		return command.ResultInvalid
	}
	conn.Reply(protocol.RplMultiRunning, []string{queue.CmdMultiRun, strconv.Itoa(n)}, "Running")
	return command.ResultSuccess
}

func (h *handlers) multiReset(c command.Client, _ []string) command.Result {
	conn, ok := asConn(c, queue.CmdMultiReset)
	if !ok {
		return command.ResultFailed
	}
	n := conn.Queue().Reset()
	conn.Reply(protocol.RplMultiReset, []string{queue.CmdMultiReset, strconv.Itoa(n)}, "Discarded")
	return command.ResultSuccess
}

func (h *handlers) monitor(c command.Client, _ []string) command.Result {
	conn, ok := asConn(c, "MONITOR")
	if !ok {
		return command.ResultFailed
	}
	if h.env.Monitor == nil {
		conn.Reply(protocol.ErrHandlerFailed, []string{"MONITOR"}, "Monitor disabled")
		return command.ResultFailed
	}
	h.env.Monitor.Add(conn)
	conn.Session().Monitor = true
	conn.Reply(protocol.RplMonitoring, []string{"MONITOR"}, "Monitoring")
	return command.ResultSuccess
}

func (h *handlers) flushdb(c command.Client, _ []string) command.Result {
	conn, ok := asConn(c, "FLUSHDB")
	if !ok {
		return command.ResultFailed
	}
	db, store := conn.Session().Database.Load(), h.env.Store
	return offload(conn, "FLUSHDB", func(ctx context.Context) func() command.Result {
		n, err := store.Flush(ctx, db)
		return func() command.Result {
			if err != nil {
				return backendError(conn, "FLUSHDB", db, err)
			}
			log.Warn().Msgf("builtin.flushdb conn=%q account=%q db=%q removed=%d", conn.ID(), conn.Target(), db, n)
			conn.Reply(protocol.RplValue, []string{"FLUSHDB", db}, strconv.Itoa(n))
			return command.ResultSuccess
		}
	})
}

func (h *handlers) stats(c command.Client, _ []string) command.Result {
	conn, ok := asConn(c, "STATS")
	if !ok {
		return command.ResultFailed
	}
	var stats []Stat
	if h.env.Stats != nil {
		stats = h.env.Stats()
	}
	for _, s := range stats {
		conn.Reply(protocol.RplStats, []string{s.Name}, s.Value)
	}
	conn.Reply(protocol.RplEnd, []string{"STATS", strconv.Itoa(len(stats))}, "End of STATS")
	return command.ResultSuccess
}
