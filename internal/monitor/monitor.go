// Package monitor streams dispatched commands to connections that asked for
// MONITOR.
package monitor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/protocol"
)

// Sink receives formatted monitor lines. Send is called on the event loop.
type Sink interface {
	ID() string
	Send(line []byte)
}

// Hub is a command.Observer fanning post-command events out to sinks.
type Hub struct {
	mu    sync.RWMutex
	sinks map[string]Sink
	// redact lists commands whose params never leave the server.
	redact map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		sinks:  make(map[string]Sink),
		redact: map[string]struct{}{"LOGIN": {}},
	}
}

var _ command.Observer = (*Hub)(nil)

// Add starts streaming to s. It returns false when s was already attached.
func (h *Hub) Add(s Sink) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sinks[s.ID()]; ok {
		return false
	}
	h.sinks[s.ID()] = s
	return true
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.sinks, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

func (h *Hub) PreCommand(command.Event) error { return nil }

func (h *Hub) PostCommand(ev command.Event) error {
	h.mu.RLock()
	if len(h.sinks) == 0 {
		h.mu.RUnlock()
		return nil
	}
	targets := make([]Sink, 0, len(h.sinks))
	for id, s := range h.sinks {
		if ev.Client != nil && id == ev.Client.ID() {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID() < targets[j].ID() })

	line := h.Format(ev)
	for _, s := range targets {
		s.Send(line)
	}
	return nil
}

// Format renders one event as
//
//	MONITOR <unix-millis> <target> <command> <result> <micros> :<params>
func (h *Hub) Format(ev command.Event) []byte {
	target := "*"
	if ev.Client != nil {
		target = ev.Client.Target()
	}
	text := strings.Join(ev.Params, " ")
	if _, hide := h.redact[ev.Name]; hide && len(ev.Params) > 0 {
		text = fmt.Sprintf("<%d params redacted>", len(ev.Params))
	}
	return protocol.Line("MONITOR", []string{
		strconv.FormatInt(ev.Started.UnixMilli(), 10),
		target,
		ev.Name,
		ev.Result.String(),
		strconv.FormatInt(ev.Duration.Microseconds(), 10),
	}, text)
}
