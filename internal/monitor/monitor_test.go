package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/protocol"
)

type sink struct {
	id    string
	lines []string
}

func (s *sink) ID() string                            { return s.id }
func (s *sink) Send(line []byte)                      { s.lines = append(s.lines, string(line)) }
func (s *sink) Target() string                        { return s.id }
func (s *sink) Registered() bool                      { return true }
func (s *sink) Touch(time.Time, bool)                 {}
func (s *sink) Reply(protocol.Code, []string, string) {}

func event(c command.Client, name string, params ...string) command.Event {
	return command.Event{
		Client:   c,
		Name:     name,
		Params:   params,
		Result:   command.ResultSuccess,
		Started:  time.UnixMilli(1700000000123),
		Duration: 42 * time.Microsecond,
	}
}

func TestHubStreamsToOtherSinks(t *testing.T) {
	h := NewHub()
	watcher := &sink{id: "w"}
	actor := &sink{id: "alice"}
	if !h.Add(watcher) || h.Add(watcher) {
		t.Fatalf("add should be idempotent")
	}
	h.Add(actor)

	if err := h.PostCommand(event(actor, "SET", "k", "v w")); err != nil {
		t.Fatalf("post: %v", err)
	}
	want := "MONITOR 1700000000123 alice SET success 42 :k v w\r\n"
	if len(watcher.lines) != 1 || watcher.lines[0] != want {
		t.Fatalf("watcher lines=%q", watcher.lines)
	}
	if len(actor.lines) != 0 {
		t.Fatalf("actor saw its own command: %q", actor.lines)
	}

	h.Remove("w")
	h.PostCommand(event(actor, "GET", "k"))
	if len(watcher.lines) != 1 || h.Len() != 1 {
		t.Fatalf("removed sink still streamed")
	}
}

func TestHubRedactsLogin(t *testing.T) {
	h := NewHub()
	watcher := &sink{id: "w"}
	h.Add(watcher)
	h.PostCommand(event(&sink{id: "x"}, "LOGIN", "alice", "hunter2"))
	if len(watcher.lines) != 1 || strings.Contains(watcher.lines[0], "hunter2") {
		t.Fatalf("login params leaked: %q", watcher.lines)
	}
}
