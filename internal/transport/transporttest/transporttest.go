// Package transporttest drives transports from a test goroutine the way the
// server loop does.
package transporttest

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgekv/internal/transport"
)

// Signal is an Events sink that coalesces notifications into one wake channel.
type Signal struct {
	wake     chan struct{}
	readable atomic.Int64
	writable atomic.Int64
}

func NewSignal() *Signal {
	return &Signal{wake: make(chan struct{}, 1)}
}

func (s *Signal) Readable() {
	s.readable.Add(1)
	s.poke()
}

func (s *Signal) Writable() {
	s.writable.Add(1)
	s.poke()
}

func (s *Signal) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Counts returns how many readable and writable notifications arrived.
func (s *Signal) Counts() (int64, int64) {
	return s.readable.Load(), s.writable.Load()
}

// Wake is signalled whenever a notification arrives.
func (s *Signal) Wake() <-chan struct{} { return s.wake }

// TB is the subset of testing.TB the helpers need; GinkgoT satisfies it too.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// End is one side of a driven pair.
type End struct {
	T   *transport.Transport
	Sig *Signal
	Got bytes.Buffer
	Err error
}

// New builds a transport over layers with a fresh Signal.
func New(t TB, layers []transport.Middleware, limits transport.Limits) *End {
	t.Helper()
	sig := NewSignal()
	tr, err := transport.New(layers, sig, limits)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return &End{T: tr, Sig: sig}
}

// Step runs one read and one flush, collecting received bytes.
func (e *End) Step() {
	if e.T.Closed() {
		return
	}
	if err := e.T.HandleReadable(); err != nil && e.Err == nil {
		e.Err = err
	}
	if e.T.Recv().Len() > 0 {
		_, _ = e.T.Recv().WriteTo(&e.Got)
	}
	if e.T.Closed() {
		return
	}
	if err := e.T.Flush(); err != nil && e.Err == nil {
		e.Err = err
	}
}

// Drive steps every end until done reports true or timeout expires.
func Drive(t TB, timeout time.Duration, done func() bool, ends ...*End) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		for _, e := range ends {
			e.Step()
		}
		if done() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transporttest: condition not reached within %s", timeout)
		}
		wait := time.NewTimer(2 * time.Millisecond)
		select {
		case <-ends[0].Sig.Wake():
		case <-waitAny(ends[1:]):
		case <-wait.C:
		}
		wait.Stop()
	}
}

func waitAny(ends []*End) <-chan struct{} {
	if len(ends) == 0 {
		return nil
	}
	return ends[0].Sig.Wake()
}
