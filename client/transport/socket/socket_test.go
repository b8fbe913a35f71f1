package socket

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/webrtc-rooms/backend/credential"
	"github.com/adwski/webrtc-rooms/backend/hub"
	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/backend/registry"
	apiserver "github.com/adwski/webrtc-rooms/backend/server/http"
	wsserver "github.com/adwski/webrtc-rooms/backend/server/websocket"
	"github.com/adwski/webrtc-rooms/backend/service"
	"github.com/adwski/webrtc-rooms/backend/storage/memory"
	"github.com/adwski/webrtc-rooms/client/channel"
	"github.com/adwski/webrtc-rooms/client/handshake"
	"github.com/adwski/webrtc-rooms/client/session"
	"github.com/rs/zerolog"
)

type testBroker struct {
	api *httptest.Server
	ws  *httptest.Server
	reg *registry.Registry
}

func newTestBroker(t *testing.T, requireCredential bool) *testBroker {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(registry.Config{Logger: &logger, Store: memory.NewMemStore()})
	svc := service.NewService(service.Config{
		Registry:          reg,
		Hub:               hub.New(hub.Config{Logger: &logger, Registry: reg}),
		Issuer:            credential.NewIssuer(credential.Config{Secret: []byte("test")}),
		RequireCredential: requireCredential,
		Logger:            &logger,
	})
	api := httptest.NewServer(apiserver.NewServer(apiserver.Config{Logger: &logger, RoomService: svc}).Handler)
	ws := httptest.NewServer(wsserver.NewServer(wsserver.Config{Logger: &logger, SignalingService: svc}).Handler)
	t.Cleanup(ws.Close)
	t.Cleanup(api.Close)
	return &testBroker{api: api, ws: ws, reg: reg}
}

func (b *testBroker) dialer(withTokens bool) *Dialer {
	cfg := Config{URL: "ws" + strings.TrimPrefix(b.ws.URL, "http")}
	if withTokens {
		cfg.Tokens = &HTTPTokenSource{BaseURL: b.api.URL}
	}
	return NewDialer(cfg)
}

func testChannelConfig() channel.Config {
	return channel.Config{
		RetryLimit:    3,
		RetryBackoff:  10 * time.Millisecond,
		OpTimeout:     2 * time.Second,
		GuardInterval: 50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func openChannel(t *testing.T, d *Dialer, code, clientID string) *channel.Channel {
	t.Helper()
	name := model.ChannelName(code)
	tr, err := d.Dial(context.Background(), name, clientID)
	if err != nil {
		t.Fatal(err)
	}
	ch := channel.New(name, tr, testChannelConfig())
	if err = ch.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ch.Detach(context.Background()) })
	return ch
}

func TestPresenceEmulation(t *testing.T) {
	b := newTestBroker(t, false)
	d := b.dialer(false)
	ctx := context.Background()
	now := time.Now()

	chA := openChannel(t, d, "PRES22", "actor-a")
	memberA := model.PresenceMember{ActorID: "actor-a", Role: model.RoleA, JoinedAt: now}
	if err := chA.Presence().Enter(ctx, memberA); err != nil {
		t.Fatal(err)
	}

	chB := openChannel(t, d, "PRES22", "actor-b")
	memberB := model.PresenceMember{ActorID: "actor-b", Role: model.RoleB, JoinedAt: now.Add(time.Second)}
	if err := chB.Presence().Enter(ctx, memberB); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []*channel.Channel{chA, chB} {
		waitFor(t, "both members", func() bool {
			members, err := ch.Presence().Get(ctx)
			return err == nil && len(members) == 2 &&
				members[0].ActorID == "actor-a" && members[1].ActorID == "actor-b"
		})
	}

	if err := chB.Detach(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B removed", func() bool {
		members, _ := chA.Presence().Get(ctx)
		return len(members) == 1 && members[0].ActorID == "actor-a"
	})
}

func TestRelayMessages(t *testing.T) {
	b := newTestBroker(t, true)
	d := b.dialer(true)
	ctx := context.Background()

	chA := openChannel(t, d, "RELAY2", "actor-a")
	chB := openChannel(t, d, "RELAY2", "actor-b")

	got := make(chan channel.Message, 1)
	chB.Subscribe(model.EventChat, func(msg channel.Message) { got <- msg })

	if err := chA.Publish(ctx, model.EventChat, &model.ChatMessage{Text: "hello", Sender: model.RoleA}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-got:
		var cm model.ChatMessage
		if err := msg.Decode(&cm); err != nil || cm.Text != "hello" || msg.ClientID != "actor-a" {
			t.Errorf("unexpected message %+v (%v)", msg, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not relayed")
	}
}

func TestAttachWithoutCredentialFails(t *testing.T) {
	b := newTestBroker(t, true)
	name := model.ChannelName("AUTH22")
	tr, err := b.dialer(false).Dial(context.Background(), name, "actor-a")
	if err != nil {
		t.Fatal(err)
	}
	ch := channel.New(name, tr, testChannelConfig())

	err = ch.Attach(context.Background())
	if !errors.Is(err, channel.ErrNonRetryable) || !errors.Is(err, ErrRejected) {
		t.Fatalf("expected non-retryable rejection, got %v", err)
	}
	if ch.State() != channel.StateFailed {
		t.Errorf("unexpected state %s", ch.State())
	}
}

func TestTokenSourceRejectsBadRequest(t *testing.T) {
	b := newTestBroker(t, true)
	src := &HTTPTokenSource{BaseURL: b.api.URL}

	if _, err := src.Token(context.Background(), ""); !errors.Is(err, channel.ErrNonRetryable) {
		t.Errorf("expected non-retryable error, got %v", err)
	}
	token, err := src.Token(context.Background(), "actor-a")
	if err != nil || token == "" {
		t.Errorf("expected token, got %q (%v)", token, err)
	}
}

func TestDialRequiresRoomCode(t *testing.T) {
	if _, err := NewDialer(Config{}).Dial(context.Background(), "rooms:", "a"); !errors.Is(err, model.ErrMissingRoomCode) {
		t.Errorf("expected ErrMissingRoomCode, got %v", err)
	}
}

func TestSessionsOverSockets(t *testing.T) {
	b := newTestBroker(t, true)
	ctx := context.Background()

	newManager := func(role model.Role, actorID string) *session.Manager {
		return session.New(session.Config{
			Dialer:        b.dialer(true),
			Role:          role,
			ActorID:       actorID,
			ChannelConfig: testChannelConfig(),
			TokenSource:   func() string { return "Bravo 4821" },
		})
	}
	a, bb := newManager(model.RoleA, "actor-a"), newManager(model.RoleB, "actor-b")
	defer a.Close(ctx)
	defer bb.Close(ctx)

	if err := a.Open(ctx, "MD7X2A"); err != nil {
		t.Fatal(err)
	}
	if err := bb.Open(ctx, "MD7X2A"); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*session.Manager{a, bb} {
		waitFor(t, "full roster", func() bool {
			members, err := m.Members(ctx)
			return err == nil && len(members) == 2
		})
	}

	if err := a.RequestConnection(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pending", func() bool { return bb.HandshakeState() == handshake.StatePending })
	if err := bb.AcceptConnection(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return a.HandshakeState() == handshake.StateConnected })

	if _, err := a.SendChat(ctx, "turn left heading 270"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "chat", func() bool { return len(bb.Messages()) == 1 })
	if msg := bb.Messages()[0]; msg.Text != "turn left heading 270" || msg.Sender != model.RoleA {
		t.Errorf("unexpected message %+v", msg)
	}
	if len(a.Messages()) != 1 {
		t.Errorf("sender expected one message, got %d", len(a.Messages()))
	}
}
