package server

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/edgekv/internal/builtin"
	"github.com/danmuck/edgekv/internal/worker"
)

// Stats is a point-in-time view of the loop.
type Stats struct {
	StartedAt   time.Time     `json:"started_at"`
	Uptime      string        `json:"uptime"`
	Connections int           `json:"connections"`
	Registered  int           `json:"registered"`
	Pending     int           `json:"pending"`
	Accepted    uint64        `json:"accepted"`
	Closed      uint64        `json:"closed"`
	Dispatched  uint64        `json:"dispatched"`
	Replayed    uint64        `json:"replayed"`
	KeepAlive   uint64        `json:"keepalive"`
	Queued      uint64        `json:"queued"`
	Rejected    uint64        `json:"rejected"`
	Ticks       uint64        `json:"ticks"`
	Workers     *worker.Stats `json:"workers,omitempty"`
}

// ConnInfo describes one connection for the admin API.
type ConnInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Listener    string    `json:"listener"`
	Account     string    `json:"account,omitempty"`
	Database    string    `json:"database"`
	ConnectedAt time.Time `json:"connected_at"`
	Idle        string    `json:"idle"`
	State       string    `json:"transaction"`
	Pending     int       `json:"pending"`
	Buffered    int       `json:"buffered"`
	SendQ       int       `json:"sendq"`
	Locked      bool      `json:"locked"`
	Monitor     bool      `json:"monitor"`
}

// Snapshot reads the loop counters. Loop-only.
func (s *Server) Snapshot() Stats {
	now := s.now()
	st := Stats{
		StartedAt:   s.started,
		Uptime:      now.Sub(s.started).Truncate(time.Second).String(),
		Connections: len(s.order),
		Accepted:    s.stats.accepted,
		Closed:      s.stats.closed,
		Dispatched:  s.stats.dispatched,
		Replayed:    s.stats.replayed,
		KeepAlive:   s.stats.keepAlive,
		Queued:      s.stats.queued,
		Rejected:    s.stats.rejected,
		Ticks:       s.stats.ticks,
	}
	for _, c := range s.order {
		if c.Registered() {
			st.Registered++
		}
		st.Pending += c.q.Len()
	}
	if s.pool != nil {
		ws := s.pool.Stats()
		st.Workers = &ws
	}
	return st
}

// ConnectionInfo lists live connections by connect time. Loop-only.
func (s *Server) ConnectionInfo() []ConnInfo {
	now := s.now()
	out := make([]ConnInfo, 0, len(s.order))
	for _, c := range s.order {
		if c.dead {
			continue
		}
		sess := c.sess
		info := ConnInfo{
			ID:          sess.ID,
			Remote:      sess.Remote,
			Listener:    sess.Listener,
			Database:    sess.Database.Load(),
			ConnectedAt: sess.ConnectedAt,
			Idle:        sess.Idle(now).Truncate(time.Millisecond).String(),
			State:       c.q.State().String(),
			Pending:     c.q.Len(),
			Buffered:    c.q.Buffered(),
			SendQ:       c.t.Pending(),
			Locked:      c.locked > 0,
			Monitor:     sess.Monitor,
		}
		if sess.Registered() {
			info.Account = sess.Identity().Account
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Stats takes a snapshot on the loop from any goroutine.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.Do(ctx, func() { st = s.Snapshot() })
	return st, err
}

// Connections lists connections on the loop from any goroutine.
func (s *Server) Connections(ctx context.Context) ([]ConnInfo, error) {
	var out []ConnInfo
	err := s.Do(ctx, func() { out = s.ConnectionInfo() })
	return out, err
}

// StatLines renders the snapshot for the STATS command. Loop-only.
func (s *Server) StatLines() []builtin.Stat {
	st := s.Snapshot()
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	lines := []builtin.Stat{
		{Name: "uptime", Value: st.Uptime},
		{Name: "connections", Value: strconv.Itoa(st.Connections)},
		{Name: "registered", Value: strconv.Itoa(st.Registered)},
		{Name: "pending", Value: strconv.Itoa(st.Pending)},
		{Name: "accepted", Value: u(st.Accepted)},
		{Name: "closed", Value: u(st.Closed)},
		{Name: "dispatched", Value: u(st.Dispatched)},
		{Name: "replayed", Value: u(st.Replayed)},
		{Name: "rejected", Value: u(st.Rejected)},
	}
	if st.Workers != nil {
		lines = append(lines,
			builtin.Stat{Name: "workers", Value: strconv.Itoa(st.Workers.Workers)},
			builtin.Stat{Name: "worker_queue", Value: strconv.Itoa(st.Workers.QueueDepth)},
			builtin.Stat{Name: "worker_failed", Value: strconv.FormatInt(st.Workers.Failed, 10)},
		)
	}
	return lines
}
