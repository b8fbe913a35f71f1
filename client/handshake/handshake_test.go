package handshake

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
)

type published struct {
	name string
	req  model.ConnectionRequest
}

// pipe delivers everything published by one protocol to another.
type pipe struct {
	mx   sync.Mutex
	peer *Protocol
	log  []published
	err  error
}

func (p *pipe) Publish(_ context.Context, name string, data any) error {
	p.mx.Lock()
	if p.err != nil {
		err := p.err
		p.mx.Unlock()
		return err
	}
	req := *(data.(*model.ConnectionRequest))
	p.log = append(p.log, published{name: name, req: req})
	peer := p.peer
	p.mx.Unlock()

	if peer != nil {
		peer.Handle(req)
	}
	return nil
}

func (p *pipe) last() model.ConnectionRequest {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.log[len(p.log)-1].req
}

func clock() func() time.Time {
	var (
		mx sync.Mutex
		ts = time.UnixMilli(1700000000000)
	)
	return func() time.Time {
		mx.Lock()
		defer mx.Unlock()
		ts = ts.Add(time.Millisecond)
		return ts
	}
}

func pair(t *testing.T) (a, b *Protocol, toB, toA *pipe) {
	t.Helper()
	toB, toA = &pipe{}, &pipe{}
	a = New(Config{
		Role:        model.RoleA,
		Publisher:   toB,
		TokenSource: func() string { return "Bravo 4821" },
		Now:         clock(),
	})
	b = New(Config{
		Role:      model.RoleB,
		Publisher: toA,
		Now:       clock(),
	})
	toB.peer, toA.peer = b, a
	return a, b, toB, toA
}

func TestHandshake(t *testing.T) {
	a, b, toB, _ := pair(t)
	ctx := context.Background()

	var changes []State
	a.OnChange(func(c Change) { changes = append(changes, c.Current) })

	if err := a.Request(ctx); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateRequested {
		t.Fatalf("expected requested, got %s", a.State())
	}
	if toB.last().Action != "" || toB.last().Token != "Bravo 4821" {
		t.Errorf("unexpected request envelope %+v", toB.last())
	}
	if b.State() != StatePending || b.Token() != "Bravo 4821" {
		t.Fatalf("expected pending B with token, got %s %q", b.State(), b.Token())
	}
	if !a.HoldsChannel() || b.HoldsChannel() {
		t.Error("unexpected channel hold")
	}

	if err := b.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateConnected || b.State() != StateConnected {
		t.Fatalf("expected both connected, got %s %s", a.State(), b.State())
	}
	want := []State{StateRequesting, StateRequested, StateConnected}
	if len(changes) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("expected transitions %v, got %v", want, changes)
		}
	}
}

func TestIllegalActionsAreNoops(t *testing.T) {
	a, b, toB, toA := pair(t)
	ctx := context.Background()

	if err := b.Request(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Accept(ctx); err != nil {
		t.Fatal(err)
	}
	if len(toA.log) != 0 || len(toB.log) != 0 {
		t.Fatal("illegal actions must not publish")
	}
	if a.State() != StateIdle || b.State() != StateIdle {
		t.Errorf("states changed: %s %s", a.State(), b.State())
	}

	_ = a.Request(ctx)
	_ = a.Request(ctx)
	if len(toB.log) != 1 {
		t.Errorf("second request must be ignored, got %d publishes", len(toB.log))
	}
}

func TestAcceptRequiresMatchingToken(t *testing.T) {
	a := New(Config{
		Role:        model.RoleA,
		Publisher:   &pipe{},
		TokenSource: func() string { return "Echo 1111" },
	})
	_ = a.Request(context.Background())

	a.Handle(model.ConnectionRequest{From: model.RoleB, Action: model.ActionAccept, Token: "Echo 2222", Timestamp: 1})
	if a.State() != StateRequested {
		t.Fatalf("accept with foreign token must be ignored, got %s", a.State())
	}
	a.Handle(model.ConnectionRequest{From: model.RoleB, Action: model.ActionAccept, Token: "Echo 1111", Timestamp: 2})
	if a.State() != StateConnected {
		t.Fatalf("expected connected, got %s", a.State())
	}
}

func TestAcceptWithoutRequestIgnored(t *testing.T) {
	a := New(Config{Role: model.RoleA, Publisher: &pipe{}})
	a.Handle(model.ConnectionRequest{From: model.RoleB, Action: model.ActionAccept, Token: "", Timestamp: 1})
	if a.State() != StateIdle {
		t.Errorf("unsolicited accept must be ignored, got %s", a.State())
	}
}

func TestRedeliveryIsDropped(t *testing.T) {
	b := New(Config{Role: model.RoleB, Publisher: &pipe{}})
	req := model.ConnectionRequest{From: model.RoleA, Token: "Kilo 1234", Timestamp: 42}

	var changes int
	b.OnChange(func(Change) { changes++ })

	b.Handle(req)
	b.Reset()
	b.Handle(req)
	b.Handle(req)
	if b.State() != StateIdle {
		t.Errorf("redelivered request re-drove the state machine: %s", b.State())
	}
	if changes != 2 {
		t.Errorf("expected pending and reset transitions only, got %d", changes)
	}

	req.Timestamp = 43
	b.Handle(req)
	if b.State() != StatePending {
		t.Errorf("new request must be accepted, got %s", b.State())
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	b := New(Config{Role: model.RoleB, Publisher: &pipe{}})
	b.Handle(model.ConnectionRequest{From: model.RoleB, Token: "x", Timestamp: 1})
	b.Handle(model.ConnectionRequest{From: "C", Token: "x", Timestamp: 1})
	if b.State() != StateIdle {
		t.Errorf("unexpected state %s", b.State())
	}
}

func TestRequestPublishFailure(t *testing.T) {
	errDown := errors.New("down")
	a := New(Config{Role: model.RoleA, Publisher: &pipe{err: errDown}})

	err := a.Request(context.Background())
	if !errors.Is(err, ErrPublishFailed) || !errors.Is(err, errDown) {
		t.Fatalf("unexpected error %v", err)
	}
	if a.State() != StateIdle || a.Token() != "" {
		t.Errorf("failed request must revert to idle, got %s %q", a.State(), a.Token())
	}
}

func TestCallSign(t *testing.T) {
	re := regexp.MustCompile(`^[A-Z][a-z]+ [1-9][0-9]{3}$`)
	for i := 0; i < 100; i++ {
		if cs := CallSign(); !re.MatchString(cs) {
			t.Fatalf("malformed call sign %q", cs)
		}
	}
}
