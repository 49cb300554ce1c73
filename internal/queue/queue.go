// Package queue holds each connection's pending commands and its deferred
// transaction buffer, and decides what one connection may run per loop tick.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/protocol"
)

// Transaction control commands. Their handlers drive the state machine.
const (
	CmdMulti      = "MULTI"
	CmdMultiRun   = "MRUN"
	CmdMultiReset = "MULTIRESET"
)

var (
	ErrMultiActive = errors.New("queue: transaction already active")
	ErrNoMulti     = errors.New("queue: no transaction collecting")
	ErrRecvQ       = errors.New("queue: RecvQ exceeded")
	ErrFlood       = errors.New("queue: excess flood")
)

// State is the per-connection transaction state.
type State int

const (
	Idle State = iota
	Collecting
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// PendingCommand is one accepted command awaiting execution. It is copied
// through the queue and never shared.
type PendingCommand struct {
	ConnID     string
	Name       string
	Params     []string
	EnqueuedAt time.Time
}

// Executor runs one command; *command.Dispatcher implements it.
type Executor interface {
	Execute(c command.Client, name string, params []string) (command.Result, error)
}

// Outcome reports what one Step did.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeKeepAlive
	OutcomeLocked
	OutcomeReplayed
	OutcomeQueued
	OutcomeDispatched
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeKeepAlive:
		return "keepalive"
	case OutcomeLocked:
		return "locked"
	case OutcomeReplayed:
		return "replayed"
	case OutcomeQueued:
		return "queued"
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config bounds one connection's queue.
type Config struct {
	MaxPending int
	// FloodRate is commands per second allowed at enqueue; zero disables
	// flood control.
	FloodRate  float64
	FloodBurst int
}

func DefaultConfig() Config {
	return Config{
		MaxPending: 256,
		FloodRate:  0,
		FloodBurst: 20,
	}
}

type entry struct {
	cmd       PendingCommand
	keepAlive bool
	// flooded entries only carry the rejection reply, in acceptance order.
	flooded bool
}

// Queue is owned by the event loop; it is not safe for concurrent use.
type Queue struct {
	connID  string
	cfg     Config
	pending []entry
	buffer  []PendingCommand
	state   State
	limiter *rate.Limiter
	now     func() time.Time
}

func New(connID string, cfg Config) *Queue {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	q := &Queue{connID: connID, cfg: cfg, now: time.Now}
	if cfg.FloodRate > 0 {
		burst := cfg.FloodBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.FloodRate), burst)
	}
	return q
}

// Enqueue accepts a decoded command. Keep-alive commands jump ahead of
// everything but earlier keep-alives and bypass flood control. ErrRecvQ is
// fatal for the connection. ErrFlood rejects only this command: its place in
// the queue is kept so the rejection is answered after earlier commands.
func (q *Queue) Enqueue(name string, params []string, keepAlive bool) error {
	if len(q.pending) >= q.cfg.MaxPending {
		return fmt.Errorf("%w: %d commands pending", ErrRecvQ, len(q.pending))
	}
	flooded := !keepAlive && q.limiter != nil && !q.limiter.Allow()
	e := entry{
		cmd: PendingCommand{
			ConnID:     q.connID,
			Name:       strings.ToUpper(name),
			EnqueuedAt: q.now(),
		},
		keepAlive: keepAlive,
		flooded:   flooded,
	}
	if flooded {
		q.pending = append(q.pending, e)
		return ErrFlood
	}
	e.cmd.Params = append([]string(nil), params...)
	if !keepAlive {
		q.pending = append(q.pending, e)
		return nil
	}
	at := 0
	for at < len(q.pending) && q.pending[at].keepAlive {
		at++
	}
	q.pending = append(q.pending, entry{})
	copy(q.pending[at+1:], q.pending[at:])
	q.pending[at] = e
	return nil
}

// Step performs at most one unit of work for the connection.
func (q *Queue) Step(c command.Client, exec Executor, locked bool) Outcome {
	replaying := q.state == Running && len(q.buffer) > 0
	if len(q.pending) == 0 && !replaying {
		if q.state == Running {
			q.state = Idle
		}
		return OutcomeIdle
	}

	if len(q.pending) > 0 && q.pending[0].keepAlive {
		e := q.popPending()
		_, _ = exec.Execute(c, e.cmd.Name, e.cmd.Params)
		return OutcomeKeepAlive
	}

	if locked {
		return OutcomeLocked
	}

	if replaying {
		cmd := q.buffer[0]
		q.buffer[0] = PendingCommand{}
		q.buffer = q.buffer[1:]
		if len(q.buffer) == 0 {
			q.buffer = nil
			q.state = Idle
		}
		_, _ = exec.Execute(c, cmd.Name, cmd.Params)
		return OutcomeReplayed
	}
	if q.state == Running {
		q.state = Idle
	}

	e := q.popPending()
	if e.flooded {
		c.Reply(protocol.ErrFlood, []string{e.cmd.Name}, "Excess flood")
		return OutcomeRejected
	}
	if q.state == Collecting && !IsControl(e.cmd.Name) {
		q.buffer = append(q.buffer, e.cmd)
		c.Reply(protocol.RplQueued, []string{e.cmd.Name}, "QUEUED")
		return OutcomeQueued
	}
	_, _ = exec.Execute(c, e.cmd.Name, e.cmd.Params)
	return OutcomeDispatched
}

func (q *Queue) popPending() entry {
	e := q.pending[0]
	q.pending[0] = entry{}
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return e
}

// Begin moves Idle to Collecting.
func (q *Queue) Begin() error {
	if q.state != Idle {
		return fmt.Errorf("%w: state %s", ErrMultiActive, q.state)
	}
	q.state = Collecting
	return nil
}

// Run moves Collecting to Running and returns how many commands will replay.
// Replay happens one command per Step.
func (q *Queue) Run() (int, error) {
	if q.state != Collecting {
		return 0, fmt.Errorf("%w: state %s", ErrNoMulti, q.state)
	}
	n := len(q.buffer)
	if n == 0 {
		q.state = Idle
		return 0, nil
	}
	q.state = Running
	return n, nil
}

// Reset discards the transaction buffer and returns to Idle from any state.
// It returns how many buffered commands were dropped.
func (q *Queue) Reset() int {
	n := len(q.buffer)
	q.buffer = nil
	q.state = Idle
	return n
}

// Discard drops everything; used at teardown.
func (q *Queue) Discard() {
	q.pending = nil
	q.Reset()
}

func (q *Queue) State() State  { return q.state }
func (q *Queue) Len() int      { return len(q.pending) }
func (q *Queue) Buffered() int { return len(q.buffer) }

// Snapshot copies the pending commands in execution order. Flood
// rejections waiting for their reply are left out.
func (q *Queue) Snapshot() []PendingCommand {
	out := make([]PendingCommand, 0, len(q.pending))
	for _, e := range q.pending {
		if !e.flooded {
			out = append(out, e.cmd)
		}
	}
	return out
}

// IsControl reports whether name is a transaction control command.
func IsControl(name string) bool {
	switch strings.ToUpper(name) {
	case CmdMulti, CmdMultiRun, CmdMultiReset:
		return true
	}
	return false
}
