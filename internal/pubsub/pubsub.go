// Package pubsub fans published messages out to channel and pattern
// subscribers.
package pubsub

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidChannel = errors.New("pubsub: invalid channel")
	ErrInvalidPattern = errors.New("pubsub: invalid pattern")
	ErrTooMany        = errors.New("pubsub: too many subscriptions")
)

// Subscriber receives deliveries. Deliver is called with the broker lock
// released and must not block.
type Subscriber interface {
	ID() string
	// pattern is empty for exact-channel deliveries.
	Deliver(channel, pattern, message string)
}

type subscriptions struct {
	sub      Subscriber
	channels map[string]struct{}
	patterns map[string]struct{}
}

func (s *subscriptions) count() int { return len(s.channels) + len(s.patterns) }

// Broker is safe for concurrent use.
type Broker struct {
	mu       sync.RWMutex
	exact    map[string]map[string]Subscriber
	patterns map[string]map[string]Subscriber
	bySub    map[string]*subscriptions
	// MaxPerSubscriber caps channels plus patterns; zero is unlimited.
	MaxPerSubscriber int
}

func NewBroker() *Broker {
	return &Broker{
		exact:    make(map[string]map[string]Subscriber),
		patterns: make(map[string]map[string]Subscriber),
		bySub:    make(map[string]*subscriptions),
	}
}

func validChannel(ch string) error {
	if ch == "" || strings.ContainsAny(ch, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
	}
	return nil
}

// Subscribe adds an exact-channel subscription and returns the subscriber's
// total subscription count.
func (b *Broker) Subscribe(sub Subscriber, channel string) (int, error) {
	if err := validChannel(channel); err != nil {
		return 0, err
	}
	return b.add(sub, channel, false)
}

// PSubscribe adds a glob subscription using path.Match syntax.
func (b *Broker) PSubscribe(sub Subscriber, pattern string) (int, error) {
	if err := validChannel(pattern); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return b.add(sub, pattern, true)
}

func (b *Broker) add(sub Subscriber, name string, pattern bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.bySub[sub.ID()]
	if !ok {
		s = &subscriptions{sub: sub, channels: map[string]struct{}{}, patterns: map[string]struct{}{}}
		b.bySub[sub.ID()] = s
	}
	set, index := s.channels, b.exact
	if pattern {
		set, index = s.patterns, b.patterns
	}
	if _, dup := set[name]; dup {
		return s.count(), nil
	}
	if b.MaxPerSubscriber > 0 && s.count() >= b.MaxPerSubscriber {
		return s.count(), ErrTooMany
	}
	set[name] = struct{}{}
	subs, ok := index[name]
	if !ok {
		subs = make(map[string]Subscriber)
		index[name] = subs
	}
	subs[sub.ID()] = sub
	return s.count(), nil
}

// Unsubscribe removes a channel or pattern by name, or everything when name
// is empty. It returns the remaining subscription count.
func (b *Broker) Unsubscribe(subID, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.bySub[subID]
	if !ok {
		return 0
	}
	if name == "" {
		for ch := range s.channels {
			b.drop(b.exact, ch, subID)
		}
		for p := range s.patterns {
			b.drop(b.patterns, p, subID)
		}
		delete(b.bySub, subID)
		return 0
	}
	if _, ok := s.channels[name]; ok {
		delete(s.channels, name)
		b.drop(b.exact, name, subID)
	}
	if _, ok := s.patterns[name]; ok {
		delete(s.patterns, name)
		b.drop(b.patterns, name, subID)
	}
	n := s.count()
	if n == 0 {
		delete(b.bySub, subID)
	}
	return n
}

func (b *Broker) drop(index map[string]map[string]Subscriber, name, subID string) {
	subs := index[name]
	delete(subs, subID)
	if len(subs) == 0 {
		delete(index, name)
	}
}

type delivery struct {
	sub     Subscriber
	pattern string
}

// Publish delivers message to every matching subscriber and returns the
// number of deliveries. A subscriber matching both exactly and by pattern
// receives one delivery per match.
func (b *Broker) Publish(channel, message string) (int, error) {
	if err := validChannel(channel); err != nil {
		return 0, err
	}
	b.mu.RLock()
	out := make([]delivery, 0, len(b.exact[channel]))
	for _, sub := range b.exact[channel] {
		out = append(out, delivery{sub: sub})
	}
	for p, subs := range b.patterns {
		if ok, _ := path.Match(p, channel); !ok {
			continue
		}
		for _, sub := range subs {
			out = append(out, delivery{sub: sub, pattern: p})
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].sub.ID() != out[j].sub.ID() {
			return out[i].sub.ID() < out[j].sub.ID()
		}
		return out[i].pattern < out[j].pattern
	})
	for _, d := range out {
		d.sub.Deliver(channel, d.pattern, message)
	}
	return len(out), nil
}

// Count returns how many channels plus patterns subID holds.
func (b *Broker) Count(subID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.bySub[subID]; ok {
		return s.count()
	}
	return 0
}

// Stats is a point-in-time summary.
type Stats struct {
	Channels    int `json:"channels"`
	Patterns    int `json:"patterns"`
	Subscribers int `json:"subscribers"`
}

func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Channels: len(b.exact), Patterns: len(b.patterns), Subscribers: len(b.bySub)}
}
