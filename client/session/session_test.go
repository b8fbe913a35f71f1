package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/channel"
	"github.com/adwski/webrtc-rooms/client/chat"
	"github.com/adwski/webrtc-rooms/client/handshake"
	"github.com/adwski/webrtc-rooms/client/presence"
	"github.com/adwski/webrtc-rooms/client/transport/memory"
)

type recorder struct {
	mx     sync.Mutex
	events []Event
}

func (r *recorder) Render(ev Event) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(match func(Event) bool) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	var n int
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func logged(entry string) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == KindLog && ev.Log.Entry == entry
	}
}

// dialer hands out broker connections and keeps them for fault injection.
type dialer struct {
	b     *memory.Broker
	mx    sync.Mutex
	conns map[string]*memory.Conn
	fail  map[string]error
}

func newDialer(b *memory.Broker) *dialer {
	return &dialer{
		b:     b,
		conns: make(map[string]*memory.Conn),
		fail:  make(map[string]error),
	}
}

func (d *dialer) Dial(_ context.Context, name, clientID string) (channel.Transport, error) {
	c := d.b.Conn(name, clientID)
	d.mx.Lock()
	defer d.mx.Unlock()
	if err, ok := d.fail[clientID]; ok {
		c.FailAttaches(1, err)
		delete(d.fail, clientID)
	}
	d.conns[clientID] = c
	return c, nil
}

func (d *dialer) conn(clientID string) *memory.Conn {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.conns[clientID]
}

func newManager(d Dialer, role model.Role, actorID string, r Renderer) *Manager {
	return New(Config{
		Dialer:      d,
		Role:        role,
		ActorID:     actorID,
		DisplayName: "pilot " + string(role),
		ChannelConfig: channel.Config{
			RetryLimit:    3,
			RetryBackoff:  5 * time.Millisecond,
			OpTimeout:     time.Second,
			GuardInterval: 20 * time.Millisecond,
		},
		Renderer:    r,
		TokenSource: func() string { return "Bravo 4821" },
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPairedSession(t *testing.T) {
	broker := memory.NewBroker()
	broker.SetDuplicateDelivery(true)
	d := newDialer(broker)
	ctx := context.Background()

	recA, recB := &recorder{}, &recorder{}
	a := newManager(d, model.RoleA, "actor-a", recA)
	b := newManager(d, model.RoleB, "actor-b", recB)
	defer a.Close(ctx)
	defer b.Close(ctx)

	if err := a.Open(ctx, "MD7X2A"); err != nil {
		t.Fatal(err)
	}
	if err := b.Open(ctx, " md7x2a"); err != nil {
		t.Fatal(err)
	}
	if b.Code() != "MD7X2A" {
		t.Errorf("unexpected code %q", b.Code())
	}

	for _, m := range []*Manager{a, b} {
		waitFor(t, "membership {A, B}", func() bool {
			members, err := m.Members(ctx)
			return err == nil && len(members) == 2
		})
	}
	waitFor(t, "room ready", func() bool {
		return recA.count(logged("room ready")) > 0 && recB.count(logged("room ready")) > 0
	})

	if err := a.RequestConnection(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending request", func() bool { return b.HandshakeState() == handshake.StatePending })
	if b.HandshakeToken() != "Bravo 4821" {
		t.Errorf("unexpected token %q", b.HandshakeToken())
	}

	if err := b.AcceptConnection(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool {
		return a.HandshakeState() == handshake.StateConnected && b.HandshakeState() == handshake.StateConnected
	})

	if _, err := a.SendChat(ctx, "turn left heading 270"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "chat delivery", func() bool { return len(b.Messages()) > 0 })
	time.Sleep(50 * time.Millisecond)

	got := b.Messages()
	if len(got) != 1 || got[0].Text != "turn left heading 270" || got[0].Sender != model.RoleA {
		t.Errorf("receiver expected one message from A, got %+v", got)
	}
	if len(a.Messages()) != 1 {
		t.Errorf("sender expected one rendered message, got %+v", a.Messages())
	}
	if n := recB.count(func(ev Event) bool { return ev.Kind == KindChat && ev.Chat.Kind == chat.EventRendered }); n != 1 {
		t.Errorf("receiver rendered %d times", n)
	}

	// readiness is reported once per side
	if n := recA.count(logged("room ready")); n != 1 {
		t.Errorf("A reported ready %d times", n)
	}
	if n := recB.count(logged("room ready")); n != 1 {
		t.Errorf("B reported ready %d times", n)
	}

	if st, err := a.Start(ctx); err != nil || st.Signaled != 1 || st.Quorum {
		t.Fatalf("unexpected start status %+v (%v)", st, err)
	}
	if st, err := b.Start(ctx); err != nil || st.Signaled < 1 {
		t.Fatalf("unexpected start status %+v (%v)", st, err)
	}
	for _, r := range []*recorder{recA, recB} {
		waitFor(t, "start quorum", func() bool {
			return r.count(func(ev Event) bool { return ev.Kind == KindStart && ev.Start.Quorum }) > 0
		})
	}

	if st, _ := a.Status(); st != StatusConnected {
		t.Errorf("unexpected status %s", st)
	}
}

func TestThirdParticipantRejected(t *testing.T) {
	broker := memory.NewBroker()
	d := newDialer(broker)
	ctx := context.Background()

	a := newManager(d, model.RoleA, "actor-a", nil)
	b := newManager(d, model.RoleB, "actor-b", nil)
	c := newManager(d, model.RoleA, "actor-c", nil)
	defer a.Close(ctx)
	defer b.Close(ctx)

	if err := a.Open(ctx, "FULL22"); err != nil {
		t.Fatal(err)
	}
	if err := b.Open(ctx, "FULL22"); err != nil {
		t.Fatal(err)
	}

	err := c.Open(ctx, "FULL22")
	if !errors.Is(err, presence.ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if st, serr := c.Status(); st != StatusError || !errors.Is(serr, presence.ErrRoomFull) {
		t.Errorf("unexpected status %s (%v)", st, serr)
	}
	if c.Code() != "" {
		t.Error("rejected session must be torn down")
	}

	waitFor(t, "intruder left", func() bool {
		members, _ := a.Members(ctx)
		return len(members) == 2
	})
	time.Sleep(50 * time.Millisecond)
	for _, m := range []*Manager{a, b} {
		if st, serr := m.Status(); st != StatusConnected {
			t.Errorf("occupant must stay connected, got %s (%v)", st, serr)
		}
	}
}

func TestOpenFailsOnRejectedAttach(t *testing.T) {
	d := newDialer(memory.NewBroker())
	errDenied := errors.New("credential rejected")
	d.fail["actor-a"] = errors.Join(channel.ErrNonRetryable, errDenied)

	a := newManager(d, model.RoleA, "actor-a", nil)
	err := a.Open(context.Background(), "DENY22")
	if !errors.Is(err, ErrOpenFailed) || !errors.Is(err, errDenied) {
		t.Fatalf("unexpected error %v", err)
	}
	if st, _ := a.Status(); st != StatusError {
		t.Errorf("unexpected status %s", st)
	}

	// a new open recovers
	if err = a.Open(context.Background(), "DENY22"); err != nil {
		t.Fatal(err)
	}
	a.Close(context.Background())
	if st, _ := a.Status(); st != StatusIdle {
		t.Errorf("unexpected status %s", st)
	}
}

func TestOpenRequiresCode(t *testing.T) {
	a := newManager(newDialer(memory.NewBroker()), model.RoleA, "actor-a", nil)
	if err := a.Open(context.Background(), "  "); !errors.Is(err, model.ErrMissingRoomCode) {
		t.Errorf("expected ErrMissingRoomCode, got %v", err)
	}
	if err := a.RequestConnection(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestReleaseDeferredDuringHandshake(t *testing.T) {
	broker := memory.NewBroker()
	d := newDialer(broker)
	ctx := context.Background()

	a := newManager(d, model.RoleA, "actor-a", nil)
	b := newManager(d, model.RoleB, "actor-b", nil)
	defer b.Close(ctx)

	_ = a.Open(ctx, "HOLD22")
	_ = b.Open(ctx, "HOLD22")
	if err := a.RequestConnection(ctx); err != nil {
		t.Fatal(err)
	}

	released, err := a.Release(ctx)
	if err != nil || released {
		t.Fatalf("release must be deferred, got %v (%v)", released, err)
	}
	if a.Code() != "HOLD22" || a.ChannelState() != channel.StateAttached {
		t.Error("channel must stay attached while the request is in flight")
	}

	a.Close(ctx)
	if a.Code() != "" {
		t.Error("close must always release")
	}

	idle := newManager(d, model.RoleB, "actor-c", nil)
	_ = idle.Open(ctx, "FREE22")
	if released, _ = idle.Release(ctx); !released {
		t.Error("idle handshake must not defer release")
	}
}

func TestGuardRecoversDropDuringHandshake(t *testing.T) {
	broker := memory.NewBroker()
	d := newDialer(broker)
	ctx := context.Background()

	recA := &recorder{}
	a := newManager(d, model.RoleA, "actor-a", recA)
	b := newManager(d, model.RoleB, "actor-b", nil)
	defer a.Close(ctx)
	defer b.Close(ctx)

	_ = a.Open(ctx, "GUARD2")
	_ = b.Open(ctx, "GUARD2")
	_ = a.RequestConnection(ctx)
	waitFor(t, "pending request", func() bool { return b.HandshakeState() == handshake.StatePending })

	d.conn("actor-a").Drop(channel.StateSuspended, errors.New("connection lost"))
	waitFor(t, "suspended", func() bool { return recA.count(logged("channel suspended")) > 0 })
	waitFor(t, "reattached with presence", func() bool {
		members, _ := b.Members(ctx)
		return a.ChannelState() == channel.StateAttached && len(members) == 2
	})

	if err := b.AcceptConnection(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return a.HandshakeState() == handshake.StateConnected })
}

func TestRecordStartSignal(t *testing.T) {
	rec := &recorder{}
	m := New(Config{Role: model.RoleA, Renderer: rec})

	steps := []struct {
		actor    string
		signaled int
	}{
		{"actor-a", 1},
		{"actor-a", 1},
		{"actor-b", 2},
		{"actor-b", 2},
		{"actor-c", 2},
	}
	for _, s := range steps {
		st := m.RecordStartSignal(s.actor, 2)
		if st.Signaled != s.signaled || st.Expected != 2 {
			t.Errorf("%s: unexpected status %+v", s.actor, st)
		}
		if st.Quorum {
			t.Error("quorum requires a complete roster")
		}
	}
	if n := rec.count(func(ev Event) bool { return ev.Kind == KindStart }); n != len(steps) {
		t.Errorf("expected one report per call, got %d", n)
	}
	if n := rec.count(logged("start: 2 out of 2")); n != 3 {
		t.Errorf("expected 3 reports of 2 out of 2, got %d", n)
	}
}

func TestStartQuorumForgetsLeftParticipant(t *testing.T) {
	broker := memory.NewBroker()
	d := newDialer(broker)
	ctx := context.Background()

	recA := &recorder{}
	a := newManager(d, model.RoleA, "actor-a", recA)
	b := newManager(d, model.RoleB, "actor-b", nil)
	defer a.Close(ctx)

	_ = a.Open(ctx, "QRM222")
	_ = b.Open(ctx, "QRM222")
	waitFor(t, "ready", func() bool { return recA.count(logged("room ready")) == 1 })

	if _, err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "start from b", func() bool { return recA.count(logged("start: 1 out of 2")) == 1 })

	b.Close(ctx)
	waitFor(t, "b left", func() bool { return recA.count(logged("presence leave: pilot B (B)")) == 1 })

	b2 := newManager(d, model.RoleB, "actor-b2", nil)
	defer b2.Close(ctx)
	if err := b2.Open(ctx, "QRM222"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ready again", func() bool { return recA.count(logged("room ready")) == 2 })

	st, err := a.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Signaled != 1 || st.Quorum {
		t.Errorf("quorum needs the new participant to signal, got %+v", st)
	}

	if _, err = b2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "quorum", func() bool {
		return recA.count(func(ev Event) bool { return ev.Kind == KindStart && ev.Start.Quorum }) == 1
	})
}

func TestReleaseCompletesWhenCounterpartLeaves(t *testing.T) {
	broker := memory.NewBroker()
	d := newDialer(broker)
	ctx := context.Background()

	recA := &recorder{}
	a := newManager(d, model.RoleA, "actor-a", recA)
	b := newManager(d, model.RoleB, "actor-b", nil)
	defer a.Close(ctx)
	defer b.Close(ctx)

	_ = a.Open(ctx, "DONE22")
	_ = b.Open(ctx, "DONE22")
	if err := a.RequestConnection(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending", func() bool { return b.HandshakeState() == handshake.StatePending })
	if err := b.AcceptConnection(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return a.HandshakeState() == handshake.StateConnected })

	if released, _ := a.Release(ctx); released {
		t.Fatal("release must be deferred while connected")
	}
	if a.Code() != "DONE22" {
		t.Fatal("room must stay open")
	}

	b.Close(ctx)
	waitFor(t, "deferred release", func() bool {
		st, _ := a.Status()
		return a.Code() == "" && st == StatusIdle
	})
	if recA.count(logged("counterpart left, handshake ended")) != 1 {
		t.Error("handshake end must be logged once")
	}
}
