package command

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/danmuck/edgekv/internal/protocol"
	"github.com/danmuck/edgekv/internal/testutil/testlog"
)

type fakeClient struct {
	id         string
	registered bool
	replies    []string
	touches    []bool
}

func (c *fakeClient) ID() string       { return c.id }
func (c *fakeClient) Target() string   { return c.id }
func (c *fakeClient) Registered() bool { return c.registered }

func (c *fakeClient) Reply(code protocol.Code, params []string, text string) {
	c.replies = append(c.replies, strings.TrimSpace(string(protocol.Reply(code, c.id, params, text))))
}

func (c *fakeClient) Touch(_ time.Time, keepAlive bool) {
	c.touches = append(c.touches, keepAlive)
}

type allowAll struct{ admin bool }

func (a allowAll) HasCapability(Client, Capability) bool { return !a.admin }
func (a allowAll) IsAdmin(Client) bool                   { return a.admin }

func recordHandler(seen *[][]string) Handler {
	return func(c Client, params []string) Result {
		*seen = append(*seen, params)
		c.Reply(protocol.RplOK, nil, "ok")
		return ResultSuccess
	}
}

func newTable(t *testing.T, ds ...Descriptor) *Table {
	t.Helper()
	b := NewBuilder()
	for _, d := range ds {
		if err := b.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return b.Build()
}

func TestExecuteMergesOverflowIntoFinalParam(t *testing.T) {
	testlog.Start(t)

	var seen [][]string
	table := newTable(t, Descriptor{Name: "set", MinParams: 1, MaxParams: 2, Handler: recordHandler(&seen)})
	d := NewDispatcher(table, allowAll{})
	c := &fakeClient{id: "alice", registered: true}

	res, err := d.Execute(c, "SET", []string{"a", "b", "c", "d"})
	if err != nil || res != ResultSuccess {
		t.Fatalf("execute: res=%s err=%v", res, err)
	}
	if want := [][]string{{"a", "b c d"}}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("handler params=%q want=%q", seen, want)
	}
}

func TestExecuteFoldsCaseAndTrimsTrailingEmpty(t *testing.T) {
	testlog.Start(t)

	var seen [][]string
	table := newTable(t,
		Descriptor{Name: "GET", MinParams: 1, MaxParams: 1, Handler: recordHandler(&seen)},
		Descriptor{Name: "PUBLISH", MinParams: 2, MaxParams: 2, AllowsTrailingEmptyParam: true, Handler: recordHandler(&seen)},
	)
	d := NewDispatcher(table, allowAll{})
	c := &fakeClient{id: "alice", registered: true}

	if _, err := d.Execute(c, "get", []string{"k", ""}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := d.Execute(c, "publish", []string{"news", ""}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := [][]string{{"k"}, {"news", ""}}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("params=%q want=%q", seen, want)
	}
}

func TestExecuteRejectionsWriteOneReply(t *testing.T) {
	testlog.Start(t)

	var seen [][]string
	table := newTable(t,
		Descriptor{Name: "SET", MinParams: 2, MaxParams: 2, Permission: CapWrite, Handler: recordHandler(&seen)},
		Descriptor{Name: "WHOAMI", MaxParams: 0, Handler: recordHandler(&seen)},
	)

	cases := []struct {
		name   string
		client *fakeClient
		perms  PermissionProvider
		cmd    string
		params []string
		want   error
		code   string
	}{
		{"unknown", &fakeClient{id: "a", registered: true}, allowAll{}, "NOPE", nil, ErrUnknownCommand, "501 a NOPE"},
		{"missing", &fakeClient{id: "a", registered: true}, allowAll{}, "SET", []string{"k"}, ErrMissingParameters, "502 a SET"},
		{"denied", &fakeClient{id: "a", registered: true}, nil, "SET", []string{"k", "v"}, ErrAccessDenied, "503 a SET"},
		{"unregistered", &fakeClient{id: "*"}, allowAll{}, "WHOAMI", nil, ErrNotRegistered, "504 * WHOAMI"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(table, tc.perms)
			res, err := d.Execute(tc.client, tc.cmd, tc.params)
			if !errors.Is(err, tc.want) || res != ResultInvalid {
				t.Fatalf("res=%s err=%v, want invalid %v", res, err, tc.want)
			}
			if len(tc.client.replies) != 1 || !strings.HasPrefix(tc.client.replies[0], tc.code) {
				t.Fatalf("replies=%q want one starting %q", tc.client.replies, tc.code)
			}
			if len(tc.client.touches) != 0 {
				t.Fatalf("rejected command touched activity")
			}
		})
	}
	if len(seen) != 0 {
		t.Fatalf("handler ran for rejected commands: %q", seen)
	}
}

func TestExecuteCapabilityRead(t *testing.T) {
	testlog.Start(t)
	ctrl := gomock.NewController(t)

	var seen [][]string
	table := newTable(t, Descriptor{Name: "GET", MinParams: 1, MaxParams: 1, Permission: CapRead, Handler: recordHandler(&seen)})
	without := &fakeClient{id: "nobody", registered: true}
	reader := &fakeClient{id: "reader", registered: true}
	admin := &fakeClient{id: "root", registered: true}

	perms := NewMockPermissionProvider(ctrl)
	perms.EXPECT().HasCapability(without, CapRead).Return(false)
	perms.EXPECT().IsAdmin(without).Return(false)
	perms.EXPECT().HasCapability(reader, CapRead).Return(true)
	perms.EXPECT().HasCapability(admin, CapRead).Return(false)
	perms.EXPECT().IsAdmin(admin).Return(true)

	d := NewDispatcher(table, perms)
	if _, err := d.Execute(without, "GET", []string{"k"}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("without capability: err=%v", err)
	}
	if _, err := d.Execute(reader, "GET", []string{"k"}); err != nil {
		t.Fatalf("with capability: err=%v", err)
	}
	if _, err := d.Execute(admin, "GET", []string{"k"}); err != nil {
		t.Fatalf("admin override: err=%v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("handler runs=%d want 2", len(seen))
	}
}

func TestExecuteNotifiesObserversAndSurvivesTheirFailures(t *testing.T) {
	testlog.Start(t)
	ctrl := gomock.NewController(t)

	var seen [][]string
	table := newTable(t, Descriptor{Name: "PING", MaxParams: 1, AllowsPreRegistration: true, Handler: recordHandler(&seen)})

	failing := NewMockObserver(ctrl)
	panicking := NewMockObserver(ctrl)
	gomock.InOrder(
		failing.EXPECT().PreCommand(gomock.Any()).Return(errors.New("sink down")),
		failing.EXPECT().PostCommand(gomock.Any()).DoAndReturn(func(ev Event) error {
			if ev.Name != "PING" || ev.Result != ResultSuccess || !reflect.DeepEqual(ev.Params, []string{"tok"}) {
				t.Errorf("post event=%+v", ev)
			}
			return nil
		}),
	)
	panicking.EXPECT().PreCommand(gomock.Any()).DoAndReturn(func(Event) error { panic("observer bug") })
	panicking.EXPECT().PostCommand(gomock.Any()).Return(nil)

	d := NewDispatcher(table, allowAll{}, WithObservers(failing, panicking))
	c := &fakeClient{id: "*"}
	res, err := d.Execute(c, "ping", []string{"tok"})
	if err != nil || res != ResultSuccess {
		t.Fatalf("res=%s err=%v", res, err)
	}
	if len(seen) != 1 {
		t.Fatalf("handler not run")
	}
}

func TestCompleteReportsDeferredResultOnce(t *testing.T) {
	testlog.Start(t)
	ctrl := gomock.NewController(t)

	var d *Dispatcher
	deferred := func(Client, []string) Result { return ResultDeferred }
	inline := func(c Client, _ []string) Result {
		d.Complete(c, ResultSuccess)
		return ResultDeferred
	}
	pong := Descriptor{Name: "PONG", MaxParams: 1, KeepAlive: true, Handler: func(Client, []string) Result { return ResultSuccess }}
	table := newTable(t,
		Descriptor{Name: "GET", MinParams: 1, MaxParams: 1, Handler: deferred},
		Descriptor{Name: "SET", MinParams: 2, MaxParams: 2, Handler: inline},
		pong,
	)

	obs := NewMockObserver(ctrl)
	obs.EXPECT().PreCommand(gomock.Any()).Return(nil).Times(3)
	gomock.InOrder(
		obs.EXPECT().PostCommand(gomock.Any()).DoAndReturn(func(ev Event) error {
			if ev.Name != "PONG" || ev.Result != ResultSuccess {
				t.Errorf("keep-alive event=%+v", ev)
			}
			return nil
		}),
		obs.EXPECT().PostCommand(gomock.Any()).DoAndReturn(func(ev Event) error {
			if ev.Name != "GET" || ev.Result != ResultFailed || !errors.Is(ev.Err, ErrHandlerFailure) {
				t.Errorf("deferred event=%+v", ev)
			}
			if !reflect.DeepEqual(ev.Params, []string{"k"}) {
				t.Errorf("params=%v", ev.Params)
			}
			return nil
		}),
		obs.EXPECT().PostCommand(gomock.Any()).DoAndReturn(func(ev Event) error {
			if ev.Name != "SET" || ev.Result != ResultSuccess {
				t.Errorf("inline event=%+v", ev)
			}
			return nil
		}),
	)

	d = NewDispatcher(table, allowAll{}, WithObservers(obs))
	c := &fakeClient{id: "a", registered: true}

	if res, _ := d.Execute(c, "GET", []string{"k"}); res != ResultDeferred {
		t.Fatalf("GET res=%s", res)
	}
	// A keep-alive serviced while GET is outstanding reports on its own.
	if _, err := d.Execute(c, "PONG", nil); err != nil {
		t.Fatalf("pong: %v", err)
	}
	d.Complete(c, ResultFailed)
	d.Complete(c, ResultSuccess)

	if res, _ := d.Execute(c, "SET", []string{"k", "v"}); res != ResultDeferred {
		t.Fatalf("SET res=%s", res)
	}
}

func TestExecuteRecoversHandlerPanic(t *testing.T) {
	testlog.Start(t)

	table := newTable(t, Descriptor{Name: "BOOM", Handler: func(Client, []string) Result { panic("bad") }, MaxParams: Unlimited})
	d := NewDispatcher(table, allowAll{})
	c := &fakeClient{id: "a", registered: true}

	res, err := d.Execute(c, "BOOM", nil)
	if res != ResultFailed || !errors.Is(err, ErrHandlerFailure) {
		t.Fatalf("res=%s err=%v", res, err)
	}
	if len(c.replies) != 1 || !strings.HasPrefix(c.replies[0], "505 a BOOM") {
		t.Fatalf("replies=%q", c.replies)
	}
}

func TestExecuteFallbackAndKeepAliveTouch(t *testing.T) {
	testlog.Start(t)

	var seen [][]string
	del := Descriptor{Name: "DEL", MinParams: 1, MaxParams: 1, Handler: recordHandler(&seen)}
	pong := Descriptor{Name: "PONG", MaxParams: 1, AllowsPreRegistration: true, KeepAlive: true, Handler: recordHandler(&seen)}
	table := newTable(t, del, pong)
	aliases := map[string]string{"RM": "DEL"}

	d := NewDispatcher(table, allowAll{}, WithFallback(func(name string) (Descriptor, bool) {
		target, ok := aliases[name]
		if !ok {
			return Descriptor{}, false
		}
		return table.Lookup(target)
	}))
	c := &fakeClient{id: "a", registered: true}

	if _, err := d.Execute(c, "rm", []string{"k"}); err != nil {
		t.Fatalf("alias: %v", err)
	}
	if _, err := d.Execute(c, "PONG", []string{"x"}); err != nil {
		t.Fatalf("pong: %v", err)
	}
	if !reflect.DeepEqual(c.touches, []bool{false, true}) {
		t.Fatalf("touches=%v", c.touches)
	}
	if desc, ok := d.Lookup("pong"); !ok || !desc.KeepAlive {
		t.Fatalf("lookup pong=%+v ok=%v", desc, ok)
	}
}

func TestBuilderRejectsDuplicatesAndSeals(t *testing.T) {
	noop := func(Client, []string) Result { return ResultSuccess }
	b := NewBuilder()
	if err := b.Register(Descriptor{Name: "get", MaxParams: 1, Handler: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Register(Descriptor{Name: "GET", MaxParams: 1, Handler: noop}); !errors.Is(err, ErrDescriptorExists) {
		t.Fatalf("duplicate: err=%v", err)
	}
	if err := b.Register(Descriptor{Name: "BAD NAME", Handler: noop}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("bad name: err=%v", err)
	}
	if err := b.Register(Descriptor{Name: "X", MinParams: 2, MaxParams: 1, Handler: noop}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("bad bounds: err=%v", err)
	}
	table := b.Build()
	if err := b.Register(Descriptor{Name: "SET", Handler: noop}); !errors.Is(err, ErrTableSealed) {
		t.Fatalf("sealed: err=%v", err)
	}
	if got := table.Names(); !reflect.DeepEqual(got, []string{"GET"}) {
		t.Fatalf("names=%v", got)
	}
}
