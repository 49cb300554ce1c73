package builtin

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/storage"
)

func (h *handlers) login(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "LOGIN")
	if !ok {
		return command.ResultFailed
	}
	if conn.Registered() {
		conn.Reply(protocol.ErrAlreadyLoggedIn, []string{"LOGIN"}, "You are already logged in")
		return command.ResultInvalid
	}
	if h.env.Accounts == nil {
		conn.Reply(protocol.ErrLoginFailed, []string{"LOGIN"}, "Login disabled")
		return command.ResultFailed
	}
	name, password := params[0], params[1]
	accounts := h.env.Accounts
	return offload(conn, "LOGIN", func(context.Context) func() command.Result {
		acct, err := accounts.Verify(name, password)
		return func() command.Result {
			if err != nil {
				log.Info().Msgf("builtin.login failed conn=%q account=%q", conn.ID(), name)
				conn.Reply(protocol.ErrLoginFailed, []string{"LOGIN"}, "Login failed")
				return command.ResultFailed
			}
			if conn.Registered() {
				conn.Reply(protocol.ErrAlreadyLoggedIn, []string{"LOGIN"}, "You are already logged in")
				return command.ResultInvalid
			}
			id := acct.Identity()
			conn.Session().Register(id)
			log.Info().Msgf("builtin.login conn=%q account=%q admin=%t", conn.ID(), id.Account, id.Admin)
			caps := id.Capabilities
			if caps == "" {
				caps = "-"
			}
			conn.Reply(protocol.RplLoggedIn, []string{caps}, "Welcome "+id.Account)
			return command.ResultSuccess
		}
	})
}

func (h *handlers) ping(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "PING")
	if !ok {
		return command.ResultFailed
	}
	token := ""
	if len(params) > 0 {
		token = params[0]
	}
	conn.Send(protocol.Line("PONG", nil, token))
	return command.ResultSuccess
}

// pong only exists so the dispatcher touches the keep-alive deadline.
func (h *handlers) pong(command.Client, []string) command.Result {
	return command.ResultSuccess
}

func (h *handlers) quit(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "QUIT")
	if !ok {
		return command.ResultFailed
	}
	reason := "Client quit"
	if len(params) > 0 && strings.TrimSpace(params[0]) != "" {
		reason = "Quit: " + params[0]
	}
	conn.Send(protocol.Line("ERROR", nil, "Closing link: "+reason))
	conn.Quit(reason)
	return command.ResultSuccess
}

func (h *handlers) whoami(c command.Client, _ []string) command.Result {
	conn, ok := asConn(c, "WHOAMI")
	if !ok {
		return command.ResultFailed
	}
	sess := conn.Session()
	id := sess.Identity()
	caps := id.Capabilities
	if caps == "" {
		caps = "-"
	}
	role := "user"
	if id.Admin {
		role = "admin"
	}
	conn.Reply(protocol.RplWhoami, []string{caps, role, sess.Database.Load()}, sess.ID)
	return command.ResultSuccess
}

func (h *handlers) use(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "USE")
	if !ok {
		return command.ResultFailed
	}
	db := params[0]
	if err := storage.ValidateDatabase(db); err != nil {
		conn.Reply(protocol.ErrInvalidArgument, []string{"USE", db}, "Invalid database name")
		return command.ResultInvalid
	}
	prev := conn.Session().Database.Swap(db)
	log.Debug().Msgf("builtin.use conn=%q db=%q prev=%q", conn.ID(), db, prev)
	conn.Reply(protocol.RplOK, []string{"USE", db}, "OK")
	return command.ResultSuccess
}
