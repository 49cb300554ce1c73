package command

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/edgekv/internal/protocol"
)

// Fallback is the extension hook consulted once for names missing from the
// table, e.g. configured aliases.
type Fallback func(name string) (Descriptor, bool)

// Event is what observers see for one dispatched command.
type Event struct {
	Client   Client
	Name     string
	Params   []string
	Result   Result
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Observer is notified before and after every command that passes
// validation. A deferred command gets its post event once Complete reports
// its final result. Errors and panics are logged and otherwise ignored.
type Observer interface {
	PreCommand(ev Event) error
	PostCommand(ev Event) error
}

type Option func(*Dispatcher)

func WithFallback(f Fallback) Option {
	return func(d *Dispatcher) { d.fallback = f }
}

func WithObservers(obs ...Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs...) }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher validates and runs commands against an immutable table.
type Dispatcher struct {
	table     *Table
	perms     PermissionProvider
	fallback  Fallback
	observers []Observer
	now       func() time.Time

	// deferred holds the event of each client's command awaiting Complete.
	mu       sync.Mutex
	deferred map[string]Event
}

func NewDispatcher(table *Table, perms PermissionProvider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:    table,
		perms:    perms,
		now:      time.Now,
		deferred: make(map[string]Event),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Lookup folds case and resolves name through the table, then the fallback.
func (d *Dispatcher) Lookup(name string) (Descriptor, bool) {
	name = strings.ToUpper(name)
	if desc, ok := d.table.Lookup(name); ok {
		return desc, true
	}
	if d.fallback != nil {
		if desc, ok := d.fallback(name); ok && desc.Handler != nil {
			return desc, true
		}
	}
	return Descriptor{}, false
}

// Execute validates and runs one command. Every rejection writes exactly one
// reply to c; the returned error classifies it and never needs handling
// beyond accounting.
func (d *Dispatcher) Execute(c Client, name string, params []string) (Result, error) {
	folded := strings.ToUpper(name)
	desc, ok := d.Lookup(folded)
	if !ok {
		c.Reply(protocol.ErrUnknownCommand, []string{folded}, "Unknown command")
		return ResultInvalid, fmt.Errorf("%w: %s", ErrUnknownCommand, folded)
	}

	args := normalizeParams(desc, params)
	if len(args) < desc.MinParams {
		c.Reply(protocol.ErrNeedMoreParams, []string{desc.Name}, "Not enough parameters")
		return ResultInvalid, fmt.Errorf("%w: %s wants %d, got %d", ErrMissingParameters, desc.Name, desc.MinParams, len(args))
	}

	if desc.Permission != CapNone && !d.permitted(c, desc.Permission) {
		c.Reply(protocol.ErrNoPrivileges, []string{desc.Name},
			fmt.Sprintf("Permission denied: requires capability %q", desc.Permission.String()))
		return ResultInvalid, fmt.Errorf("%w: %s needs %s", ErrAccessDenied, desc.Name, desc.Permission)
	}

	if !desc.AllowsPreRegistration && !c.Registered() {
		c.Reply(protocol.ErrNotRegistered, []string{desc.Name}, "You have not logged in")
		return ResultInvalid, fmt.Errorf("%w: %s", ErrNotRegistered, desc.Name)
	}

	started := d.now()
	c.Touch(started, desc.KeepAlive)

	ev := Event{Client: c, Name: desc.Name, Params: args, Started: started}
	d.notify(ev, true)

	// Parked before invoking: an inline completion can arrive before the
	// handler returns. A keep-alive serviced while an earlier command is still
	// deferred puts that command's event back afterwards.
	prev, hadPrev := d.park(c.ID(), ev)
	result, err := d.invoke(c, desc, args)
	if result == ResultDeferred {
		log.Debug().Msgf("command.Dispatcher.Execute conn=%q name=%s result=%s", c.ID(), desc.Name, result)
		return result, err
	}
	d.unpark(c.ID())
	if hadPrev {
		d.park(c.ID(), prev)
	}
	d.finish(ev, result, err)
	return result, err
}

// Complete reports the final result of c's deferred command to observers. A
// completion with nothing parked for c is ignored.
func (d *Dispatcher) Complete(c Client, result Result) {
	ev, ok := d.unpark(c.ID())
	if !ok {
		log.Debug().Msgf("command.Dispatcher.Complete conn=%q result=%s nothing deferred", c.ID(), result)
		return
	}
	var err error
	if result == ResultFailed {
		err = fmt.Errorf("%w: %s", ErrHandlerFailure, ev.Name)
	}
	d.finish(ev, result, err)
}

func (d *Dispatcher) park(id string, ev Event) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.deferred[id]
	d.deferred[id] = ev
	return prev, ok
}

func (d *Dispatcher) unpark(id string) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.deferred[id]
	if ok {
		delete(d.deferred, id)
	}
	return ev, ok
}

func (d *Dispatcher) finish(ev Event, result Result, err error) {
	ev.Result = result
	ev.Err = err
	ev.Duration = d.now().Sub(ev.Started)
	d.notify(ev, false)
	log.Debug().Msgf("command.Dispatcher.Execute conn=%q name=%s result=%s", ev.Client.ID(), ev.Name, result)
}

// normalizeParams applies the trailing-empty trim and merges overflow into the
// final parameter with single spaces.
func normalizeParams(desc Descriptor, params []string) []string {
	args := append([]string(nil), params...)
	if !desc.AllowsTrailingEmptyParam && len(args) > 0 && args[len(args)-1] == "" {
		args = args[:len(args)-1]
	}
	if desc.MaxParams != Unlimited && len(args) > desc.MaxParams {
		if desc.MaxParams == 0 {
			return args[:0]
		}
		last := desc.MaxParams - 1
		args[last] = strings.Join(args[last:], " ")
		args = args[:desc.MaxParams]
	}
	return args
}

func (d *Dispatcher) permitted(c Client, flag Capability) bool {
	if d.perms == nil {
		return false
	}
	return d.perms.HasCapability(c, flag) || d.perms.IsAdmin(c)
}

func (d *Dispatcher) invoke(c Client, desc Descriptor, args []string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("command.Dispatcher.invoke panic conn=%q name=%s recovered=%v", c.ID(), desc.Name, r)
			c.Reply(protocol.ErrHandlerFailed, []string{desc.Name}, "Internal error")
			result = ResultFailed
			err = fmt.Errorf("%w: %s: panic: %v", ErrHandlerFailure, desc.Name, r)
		}
	}()
	result = desc.Handler(c, args)
	if result == ResultFailed {
		err = fmt.Errorf("%w: %s", ErrHandlerFailure, desc.Name)
	}
	return result, err
}

func (d *Dispatcher) notify(ev Event, pre bool) {
	for _, obs := range d.observers {
		d.notifyOne(obs, ev, pre)
	}
}

func (d *Dispatcher) notifyOne(obs Observer, ev Event, pre bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Msgf("command.Dispatcher.notify observer panic name=%s pre=%t recovered=%v", ev.Name, pre, r)
		}
	}()
	var err error
	if pre {
		err = obs.PreCommand(ev)
	} else {
		err = obs.PostCommand(ev)
	}
	if err != nil {
		log.Warn().Msgf("command.Dispatcher.notify observer err name=%s pre=%t err=%v", ev.Name, pre, err)
	}
}
