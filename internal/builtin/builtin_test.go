package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/danmuck/edgekv/internal/auth"
	"github.com/danmuck/edgekv/internal/command"
	"github.com/danmuck/edgekv/internal/monitor"
	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/pubsub"
	"github.com/danmuck/edgekv/internal/queue"
	"github.com/danmuck/edgekv/internal/session"
	"github.com/danmuck/edgekv/internal/storage"
	"github.com/danmuck/edgekv/internal/testutil/testlog"
)

type testConn struct {
	sess     *session.Session
	q        *queue.Queue
	out      []string
	quit     string
	busy     bool
	locked   int
	complete func(command.Client, command.Result)
}

func newTestConn() *testConn {
	sess := session.New("127.0.0.1:1", "test", time.Now())
	return &testConn{sess: sess, q: queue.New(sess.ID, queue.DefaultConfig())}
}

func (c *testConn) ID() string                   { return c.sess.ID }
func (c *testConn) Target() string               { return c.sess.Target() }
func (c *testConn) Registered() bool             { return c.sess.Registered() }
func (c *testConn) Identity() session.Identity   { return c.sess.Identity() }
func (c *testConn) Session() *session.Session    { return c.sess }
func (c *testConn) Queue() *queue.Queue          { return c.q }
func (c *testConn) Send(line []byte)             { c.out = append(c.out, strings.TrimRight(string(line), "\r\n")) }
func (c *testConn) Quit(reason string)           { c.quit = reason }
func (c *testConn) Touch(now time.Time, ka bool) { c.sess.Touch(now, ka, 0) }

func (c *testConn) Reply(code protocol.Code, params []string, text string) {
	c.Send(protocol.Reply(code, c.Target(), params, text))
}

// Offload runs inline; the real server runs it on the worker pool.
func (c *testConn) Offload(_ string, run func(ctx context.Context) func() command.Result) error {
	if c.busy {
		return errors.New("queue full")
	}
	c.locked++
	apply := run(context.Background())
	c.locked--
	result := command.ResultSuccess
	if apply != nil {
		result = apply()
	}
	if c.complete != nil {
		c.complete(c, result)
	}
	return nil
}

func (c *testConn) take() []string {
	out := c.out
	c.out = nil
	return out
}

type fixture struct {
	disp *command.Dispatcher
	env  Env
}

// recorder keeps "NAME=result" for every post event.
type recorder struct {
	seen []string
}

func (r *recorder) PreCommand(command.Event) error { return nil }

func (r *recorder) PostCommand(ev command.Event) error {
	r.seen = append(r.seen, ev.Name+"="+ev.Result.String())
	return nil
}

func newFixture(t *testing.T, observers ...command.Observer) *fixture {
	t.Helper()
	testlog.Start(t)
	hash, err := auth.HashPassword("pw", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	accts, err := auth.ParseAccounts(fmt.Sprintf(`
[[account]]
name = "alice"
password_hash = %q
capabilities = "rwp"

[[account]]
name = "reader"
password_hash = %q
capabilities = "r"

[[account]]
name = "root"
password_hash = %q
capabilities = ""
admin = true
`, hash, hash, hash))
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	store := auth.NewStore(accts)
	env := Env{
		Store:    storage.NewMemory(),
		Broker:   pubsub.NewBroker(),
		Accounts: store,
		Monitor:  monitor.NewHub(),
		Stats: func() []Stat {
			return []Stat{{Name: "connections", Value: "1"}}
		},
	}
	b := command.NewBuilder()
	if err := Register(b, env); err != nil {
		t.Fatalf("register: %v", err)
	}
	table := b.Build()
	fb, err := Aliases(map[string]string{"rm": "del"}, table)
	if err != nil {
		t.Fatalf("aliases: %v", err)
	}
	disp := command.NewDispatcher(table, auth.NewProvider(store),
		command.WithFallback(fb), command.WithObservers(env.Monitor), command.WithObservers(observers...))
	return &fixture{disp: disp, env: env}
}

func (f *fixture) run(c *testConn, line string) []string {
	msg, err := protocol.LineParser{}.Decode(line)
	if err != nil {
		panic(err)
	}
	c.complete = f.disp.Complete
	f.disp.Execute(c, msg.Command, msg.Params)
	return c.take()
}

func (f *fixture) login(t *testing.T, name string) *testConn {
	t.Helper()
	c := newTestConn()
	out := f.run(c, "LOGIN "+name+" pw")
	if len(out) != 1 || !strings.HasPrefix(out[0], "220 "+name) {
		t.Fatalf("login %s: %q", name, out)
	}
	return c
}

func expect(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d lines %q, want %q", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()

	expect(t, f.run(c, "GET k"), "503 * GET :Permission denied: requires capability \"r\"")
	expect(t, f.run(c, "WHOAMI"), "504 * WHOAMI :You have not logged in")
	expect(t, f.run(c, "LOGIN alice nope"), "509 * LOGIN :Login failed")
	expect(t, f.run(c, "LOGIN alice pw"), "220 alice rwp :Welcome alice")
	expect(t, f.run(c, "LOGIN alice pw"), "511 alice LOGIN :You are already logged in")

	out := f.run(c, "WHOAMI")
	expect(t, out, "221 alice rwp user 0 :"+c.sess.ID)
	if c.locked != 0 {
		t.Fatalf("connection left locked")
	}
}

func TestKeyValueCommands(t *testing.T) {
	f := newFixture(t)
	c := f.login(t, "alice")

	expect(t, f.run(c, "SET greeting :hello there"), "200 alice SET greeting :OK")
	expect(t, f.run(c, "GET greeting"), "201 alice greeting :hello there")
	expect(t, f.run(c, "GET missing"), "202 alice missing :nil")
	expect(t, f.run(c, "EXISTS greeting"), "201 alice greeting :1")
	expect(t, f.run(c, "INCR hits"), "201 alice hits :1")
	expect(t, f.run(c, "INCR hits 41"), "201 alice hits :42")
	expect(t, f.run(c, "INCR hits x"), "513 alice INCR x :Delta is not an integer")
	expect(t, f.run(c, "INCR greeting"), "513 alice INCR greeting :Value is not an integer")
	expect(t, f.run(c, "KEYS"),
		"203 alice 0 :greeting",
		"203 alice 0 :hits",
		"204 alice KEYS 2 :End of KEYS")
	expect(t, f.run(c, "RM greeting"), "201 alice greeting :1")
	expect(t, f.run(c, "DEL greeting"), "201 alice greeting :0")

	expect(t, f.run(c, "USE other"), "200 alice USE other :OK")
	expect(t, f.run(c, "GET hits"), "202 alice hits :nil")
	expect(t, f.run(c, "USE bad/db"), "513 alice USE bad/db :Invalid database name")
}

func TestCapabilitiesAndAdmin(t *testing.T) {
	f := newFixture(t)
	reader := f.login(t, "reader")
	expect(t, f.run(reader, "GET k"), "202 reader k :nil")
	expect(t, f.run(reader, "SET k v"), "503 reader SET :Permission denied: requires capability \"w\"")
	expect(t, f.run(reader, "FLUSHDB"), "503 reader FLUSHDB :Permission denied: requires capability \"e\"")

	root := f.login(t, "root")
	expect(t, f.run(root, "SET k v"), "200 root SET k :OK")
	expect(t, f.run(root, "FLUSHDB"), "201 root FLUSHDB 0 :1")
}

func TestPubSub(t *testing.T) {
	f := newFixture(t)
	pub := f.login(t, "alice")
	sub := f.login(t, "alice")
	psub := f.login(t, "alice")

	expect(t, f.run(sub, "SUBSCRIBE news"), "240 alice news 1 :Subscribed")
	expect(t, f.run(psub, "PSUBSCRIBE n*"), "240 alice n* 1 :Subscribed")
	expect(t, f.run(pub, "PUBLISH news :big story"), "242 alice news 2 :Published")
	expect(t, sub.take(), "MESSAGE news :big story")
	expect(t, psub.take(), "PMESSAGE n* news :big story")

	expect(t, f.run(sub, "UNSUBSCRIBE"), "241 alice * 0 :Unsubscribed")
	Cleanup(f.env, psub.ID())
	expect(t, f.run(pub, "PUBLISH news x"), "242 alice news 0 :Published")
}

func TestTransactionControl(t *testing.T) {
	f := newFixture(t)
	c := f.login(t, "alice")
	expect(t, f.run(c, "MRUN"), "507 alice MRUN :No transaction in progress")
	expect(t, f.run(c, "MULTI"), "211 alice MULTI :OK")
	expect(t, f.run(c, "MULTI"), "506 alice MULTI :Transaction already active")
	expect(t, f.run(c, "MULTIRESET"), "213 alice MULTIRESET 0 :Discarded")
	if c.q.State() != queue.Idle {
		t.Fatalf("state=%s", c.q.State())
	}
}

func TestSessionCommands(t *testing.T) {
	f := newFixture(t)
	c := newTestConn()
	expect(t, f.run(c, "PING abc"), "PONG :abc")
	expect(t, f.run(c, "PONG"))
	expect(t, f.run(c, "QUIT :gone fishing"), "ERROR :Closing link: Quit: gone fishing")
	if c.quit != "Quit: gone fishing" {
		t.Fatalf("quit reason=%q", c.quit)
	}
}

func TestMonitorAndStats(t *testing.T) {
	f := newFixture(t)
	root := f.login(t, "root")
	expect(t, f.run(root, "MONITOR"), "250 root MONITOR :Monitoring")
	alice := f.login(t, "alice")
	root.take()
	f.run(alice, "SET k v")
	out := root.take()
	if len(out) != 1 || !strings.Contains(out[0], " alice SET success ") || !strings.HasSuffix(out[0], ":k v") {
		t.Fatalf("monitor lines=%q", out)
	}
	expect(t, f.run(alice, "STATS"), "230 alice connections :1", "204 alice STATS 1 :End of STATS")
}

func TestOffloadBusy(t *testing.T) {
	f := newFixture(t)
	c := f.login(t, "alice")
	c.busy = true
	expect(t, f.run(c, "GET k"), "512 alice GET :Server busy, try again")
}

func TestObserversSeeFinalResultOfOffloadedCommands(t *testing.T) {
	rec := &recorder{}
	f := newFixture(t, rec)
	c := newTestConn()

	expect(t, f.run(c, "LOGIN alice wrong"), "509 * LOGIN :Login failed")
	f.run(c, "LOGIN alice pw")
	expect(t, f.run(c, "INCR k"), "201 alice k :1")
	f.run(c, "SET k v")
	expect(t, f.run(c, "INCR k"), "513 alice INCR k :Value is not an integer")
	c.busy = true
	f.run(c, "GET k")

	want := "LOGIN=failed,LOGIN=success,INCR=success,SET=success,INCR=invalid,GET=failed"
	if got := strings.Join(rec.seen, ","); got != want {
		t.Fatalf("observed %s, want %s", got, want)
	}
}

func TestAliasesRejectBadTargets(t *testing.T) {
	b := command.NewBuilder()
	if err := Register(b, Env{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	table := b.Build()
	if _, err := Aliases(map[string]string{"X": "NOPE"}, table); !errors.Is(err, command.ErrUnknownCommand) {
		t.Fatalf("err=%v", err)
	}
	if _, err := Aliases(map[string]string{"get": "DEL"}, table); !errors.Is(err, command.ErrDescriptorExists) {
		t.Fatalf("err=%v", err)
	}
}
