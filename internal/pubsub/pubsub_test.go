package pubsub

import (
	"errors"
	"fmt"
	"testing"
)

type recorder struct {
	id  string
	got []string
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(channel, pattern, message string) {
	r.got = append(r.got, fmt.Sprintf("%s|%s|%s", channel, pattern, message))
}

func TestPublishExactAndPattern(t *testing.T) {
	b := NewBroker()
	a := &recorder{id: "a"}
	c := &recorder{id: "c"}

	if n, err := b.Subscribe(a, "news.sport"); err != nil || n != 1 {
		t.Fatalf("subscribe n=%d err=%v", n, err)
	}
	if n, err := b.PSubscribe(a, "news.*"); err != nil || n != 2 {
		t.Fatalf("psubscribe n=%d err=%v", n, err)
	}
	if _, err := b.PSubscribe(c, "news.?eather"); err != nil {
		t.Fatalf("psubscribe: %v", err)
	}

	n, err := b.Publish("news.sport", "goal")
	if err != nil || n != 2 {
		t.Fatalf("publish n=%d err=%v", n, err)
	}
	if len(a.got) != 2 || a.got[0] != "news.sport||goal" || a.got[1] != "news.sport|news.*|goal" {
		t.Fatalf("a got %v", a.got)
	}

	if n, _ := b.Publish("news.weather", "rain"); n != 2 {
		t.Fatalf("weather deliveries=%d", n)
	}
	if len(c.got) != 1 || c.got[0] != "news.weather|news.?eather|rain" {
		t.Fatalf("c got %v", c.got)
	}
	if n, _ := b.Publish("other", "x"); n != 0 {
		t.Fatalf("unexpected deliveries=%d", n)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := NewBroker()
	a := &recorder{id: "a"}
	b.Subscribe(a, "x")
	if n, _ := b.Subscribe(a, "x"); n != 1 {
		t.Fatalf("count=%d", n)
	}
	if n, _ := b.Publish("x", "m"); n != 1 {
		t.Fatalf("duplicate delivery n=%d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	a := &recorder{id: "a"}
	b.Subscribe(a, "x")
	b.Subscribe(a, "y")
	b.PSubscribe(a, "z*")

	if n := b.Unsubscribe("a", "x"); n != 2 {
		t.Fatalf("remaining=%d", n)
	}
	if n, _ := b.Publish("x", "m"); n != 0 {
		t.Fatalf("delivered after unsubscribe")
	}
	if n := b.Unsubscribe("a", ""); n != 0 {
		t.Fatalf("remaining after unsubscribe all=%d", n)
	}
	if st := b.Stats(); st != (Stats{}) {
		t.Fatalf("index not cleaned up: %+v", st)
	}
	if n := b.Unsubscribe("nobody", ""); n != 0 {
		t.Fatalf("unknown subscriber count=%d", n)
	}
}

func TestRejectsBadNames(t *testing.T) {
	b := NewBroker()
	a := &recorder{id: "a"}
	if _, err := b.Subscribe(a, "has space"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("err=%v", err)
	}
	if _, err := b.PSubscribe(a, "bad[pattern"); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("err=%v", err)
	}
	b.MaxPerSubscriber = 1
	b.Subscribe(a, "one")
	if _, err := b.Subscribe(a, "two"); !errors.Is(err, ErrTooMany) {
		t.Fatalf("err=%v", err)
	}
}
