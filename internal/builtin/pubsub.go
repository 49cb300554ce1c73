package builtin

import (
	"errors"
	"strconv"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/pubsub"
)

// subscriber adapts a connection to the broker. Deliveries happen on the
// event loop because PUBLISH handlers run there.
type subscriber struct {
	conn Conn
}

func (s subscriber) ID() string { return s.conn.ID() }

func (s subscriber) Deliver(channel, pattern, message string) {
	if pattern == "" {
		s.conn.Send(protocol.Line("MESSAGE", []string{channel}, message))
		return
	}
	s.conn.Send(protocol.Line("PMESSAGE", []string{pattern, channel}, message))
}

func (h *handlers) publish(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "PUBLISH")
	if !ok {
		return command.ResultFailed
	}
	if h.env.Broker == nil {
		conn.Reply(protocol.ErrHandlerFailed, []string{"PUBLISH"}, "Pub/sub disabled")
		return command.ResultFailed
	}
	channel := params[0]
	n, err := h.env.Broker.Publish(channel, params[1])
	if err != nil {
		conn.Reply(protocol.ErrInvalidArgument, []string{"PUBLISH", channel}, "Invalid channel")
		return command.ResultInvalid
	}
	conn.Reply(protocol.RplPublished, []string{channel, strconv.Itoa(n)}, "Published")
	return command.ResultSuccess
}

func (h *handlers) subscribe(c command.Client, params []string) command.Result {
	return h.addSubscription(c, "SUBSCRIBE", params[0], false)
}

func (h *handlers) psubscribe(c command.Client, params []string) command.Result {
	return h.addSubscription(c, "PSUBSCRIBE", params[0], true)
}

func (h *handlers) addSubscription(c command.Client, name, target string, pattern bool) command.Result {
	conn, ok := asConn(c, name)
	if !ok {
		return command.ResultFailed
	}
	if h.env.Broker == nil {
		conn.Reply(protocol.ErrHandlerFailed, []string{name}, "Pub/sub disabled")
		return command.ResultFailed
	}
	var (
		n   int
		err error
	)
	if pattern {
		n, err = h.env.Broker.PSubscribe(subscriber{conn: conn}, target)
	} else {
		n, err = h.env.Broker.Subscribe(subscriber{conn: conn}, target)
	}
	switch {
	case errors.Is(err, pubsub.ErrTooMany):
		conn.Reply(protocol.ErrInvalidArgument, []string{name, target}, "Too many subscriptions")
		return command.ResultInvalid
	case err != nil:
		conn.Reply(protocol.ErrInvalidArgument, []string{name, target}, "Invalid channel")
		return command.ResultInvalid
	}
	conn.Reply(protocol.RplSubscribed, []string{target, strconv.Itoa(n)}, "Subscribed")
	return command.ResultSuccess
}

func (h *handlers) unsubscribe(c command.Client, params []string) command.Result {
	conn, ok := asConn(c, "UNSUBSCRIBE")
	if !ok {
		return command.ResultFailed
	}
	if h.env.Broker == nil {
		conn.Reply(protocol.ErrHandlerFailed, []string{"UNSUBSCRIBE"}, "Pub/sub disabled")
		return command.ResultFailed
	}
	target := ""
	if len(params) > 0 {
		target = params[0]
	}
	n := h.env.Broker.Unsubscribe(conn.ID(), target)
	conn.Reply(protocol.RplUnsubscribed, []string{target, strconv.Itoa(n)}, "Unsubscribed")
	return command.ResultSuccess
}
