// Package session holds per-connection login and activity state.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDatabase is selected for every new session.
const DefaultDatabase = "0"

// Cell is a value shared between the event loop and background workers. The
// lock is held only for the read or swap.
type Cell[T any] struct {
	mu sync.RWMutex
	v  T
}

func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{v: v}
}

func (c *Cell[T]) Load() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

func (c *Cell[T]) Store(v T) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// Swap stores v and returns the previous value.
func (c *Cell[T]) Swap(v T) T {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.v
	c.v = v
	return old
}

// Identity is what a successful login establishes.
type Identity struct {
	Account      string
	Capabilities string
	Admin        bool
}

// Has reports whether the identity carries capability flag.
func (id Identity) Has(flag byte) bool {
	return strings.IndexByte(id.Capabilities, flag) >= 0
}

// Session is owned by the event loop apart from the Database cell.
type Session struct {
	ID          string
	Remote      string
	Listener    string
	ConnectedAt time.Time

	identity   Identity
	registered bool

	LastActivity time.Time
	// NextKeepAlive is when the server next pings an idle client.
	NextKeepAlive time.Time
	// PingToken is the outstanding server PING, empty when none is pending.
	PingToken string
	PingSent  time.Time

	Database *Cell[string]
	Monitor  bool
}

func New(remote, listener string, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Remote:       remote,
		Listener:     listener,
		ConnectedAt:  now,
		LastActivity: now,
		Database:     NewCell(DefaultDatabase),
	}
}

// Register records a successful login.
func (s *Session) Register(id Identity) {
	s.identity = id
	s.registered = true
}

func (s *Session) Registered() bool   { return s.registered }
func (s *Session) Identity() Identity { return s.identity }

// Target is the name used in replies.
func (s *Session) Target() string {
	if !s.registered || s.identity.Account == "" {
		return "*"
	}
	return s.identity.Account
}

// Touch records activity. Keep-alive traffic only clears the pending ping.
func (s *Session) Touch(now time.Time, keepAlive bool, interval time.Duration) {
	if !keepAlive {
		s.LastActivity = now
	}
	s.PingToken = ""
	if interval > 0 {
		s.NextKeepAlive = now.Add(interval)
	}
}

// Idle returns how long since the last non-keep-alive command.
func (s *Session) Idle(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
