package builtin

import (
	"context"
	"strconv"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/storage"
)

// Data commands read the selected database when they are dispatched, not when
// the worker runs, so a later USE cannot redirect them.

func (h *handlers) set(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "SET")
	if !ok {
		return command.ResultFailed
	}
	key, value := params[0], params[1]
	if err := storage.ValidateKey(key); err != nil {
		return backendError(conn, "SET", key, err)
	}
	db, store := conn.Session().Database.Load(), h.env.Store
	return offload(conn, "SET", func(ctx context.Context) func() command.Result {
		err := store.Set(ctx, db, key, value)
		return func() command.Result {
			if err != nil {
				return backendError(conn, "SET", key, err)
			}
			conn.Reply(protocol.RplOK, []string{"SET", key}, "OK")
			return command.ResultSuccess
		}
	})
}

func (h *handlers) get(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "GET")
	if !ok {
		return command.ResultFailed
	}
	key := params[0]
	if err := storage.ValidateKey(key); err != nil {
		return backendError(conn, "GET", key, err)
	}
	db, store := conn.Session().Database.Load(), h.env.Store
	return offload(conn, "GET", func(ctx context.Context) func() command.Result {
		v, found, err := store.Get(ctx, db, key)
		return func() command.Result {
			switch {
			case err != nil:
				return backendError(conn, "GET", key, err)
			case !found:
				conn.Reply(protocol.RplNil, []string{key}, "nil")
			default:
				conn.Reply(protocol.RplValue, []string{key}, v)
			}
			return command.ResultSuccess
		}
	})
}

func (h *handlers) del(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "DEL")
	if !ok {
		return command.ResultFailed
	}
	key := params[0]
	if err := storage.ValidateKey(key); err != nil {
		return backendError(conn, "DEL", key, err)
	}
	db, store := conn.Session().Database.Load(), h.env.Store
	return offload(conn, "DEL", func(ctx context.Context) func() command.Result {
		existed, err := store.Delete(ctx, db, key)
		return func() command.Result {
			if err != nil {
				return backendError(conn, "DEL", key, err)
			}
			conn.Reply(protocol.RplValue, []string{key}, boolCount(existed))
			return command.ResultSuccess
		}
	})
}

func (h *handlers) exists(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "EXISTS")
	if !ok {
		return command.ResultFailed
	}
	key := params[0]
	if err := storage.ValidateKey(key); err != nil {
		return backendError(conn, "EXISTS", key, err)
	}
	db, store := conn.Session().Database.Load(), h.env.Store
	return offload(conn, "EXISTS", func(ctx context.Context) func() command.Result {
		found, err := store.Exists(ctx, db, key)
		return func() command.Result {
			if err != nil {
				return backendError(conn, "EXISTS", key, err)
			}
			conn.Reply(protocol.RplValue, []string{key}, boolCount(found))
			return command.ResultSuccess
		}
	})
}

func (h *handlers) incr(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "INCR")
	if !ok {
		return command.ResultFailed
	}
	key := params[0]
	if err := storage.ValidateKey(key); err != nil {
		return backendError(conn, "INCR", key, err)
	}
	delta := int64(1)
	if len(params) > 1 {
		d, err := strconv.ParseInt(params[1], 10, 64)
		if err != nil {
			conn.Reply(protocol.ErrInvalidArgument, []string{"INCR", params[1]}, "Delta is not an integer")
			return command.ResultInvalid
		}
		delta = d
	}
	db, store := conn.Session().Database.Load(), h.env.Store
	return offload(conn, "INCR", func(ctx context.Context) func() command.Result {
		n, err := store.Incr(ctx, db, key, delta)
		return func() command.Result {
			if err != nil {
				return backendError(conn, "INCR", key, err)
			}
			conn.Reply(protocol.RplValue, []string{key}, strconv.FormatInt(n, 10))
			return command.ResultSuccess
		}
	})
}

func (h *handlers) keys(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "KEYS")
	if !ok {
		return command.ResultFailed
	}
	prefix := ""
	if len(params) > 0 {
		prefix = params[0]
	}
	db, store, limit := conn.Session().Database.Load(), h.env.Store, h.env.KeysLimit
	return offload(conn, "KEYS", func(ctx context.Context) func() command.Result {
		keys, err := store.Keys(ctx, db, prefix, limit)
		return func() command.Result {
			if err != nil {
				return backendError(conn, "KEYS", prefix, err)
			}
			for _, k := range keys {
				conn.Reply(protocol.RplItem, []string{db}, k)
			}
			conn.Reply(protocol.RplEnd, []string{"KEYS", strconv.Itoa(len(keys))}, "End of KEYS")
			return command.ResultSuccess
		}
	})
}

func boolCount(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
