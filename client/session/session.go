// Package session drives one participant through a paired room:
// it opens the room channel, validates membership, runs the handshake
// and chat on top of it and tracks the start quorum.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/channel"
	"github.com/adwski/webrtc-rooms/client/chat"
	"github.com/adwski/webrtc-rooms/client/handshake"
	"github.com/adwski/webrtc-rooms/client/presence"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

const (
	defaultExpectedCount = 2
	defaultTeardownTime  = 5 * time.Second
)

var (
	ErrOpenFailed = errors.New("cannot open room")
	ErrNotOpen    = errors.New("room is not open")
)

type (
	// Dialer creates the transport of a room channel for a client.
	Dialer interface {
		Dial(ctx context.Context, name, clientID string) (channel.Transport, error)
	}

	Config struct {
		Logger        *zerolog.Logger
		Dialer        Dialer
		Role          model.Role
		ActorID       string
		DisplayName   string
		ChannelConfig channel.Config
		ExpectedCount int
		Renderer      Renderer
		LogSize       int

		// TokenSource generates handshake tokens, call signs by default.
		TokenSource func() string
		Now         func() time.Time
	}

	StartStatus struct {
		Signaled int
		Expected int
		// Quorum is set once every expected participant signaled
		// and the roster is complete.
		Quorum bool
	}

	// Manager owns at most one open room at a time.
	Manager struct {
		logger      zerolog.Logger
		dialer      Dialer
		role        model.Role
		actorID     string
		displayName string
		chCfg       channel.Config
		expected    int
		renderer    Renderer
		tokens      func() string
		now         func() time.Time
		log         *Log

		// serializes Open, Close, Release and rejections
		op sync.Mutex

		mx             sync.Mutex
		status         Status
		err            error
		sess           *room
		starts         map[string]struct{}
		releasePending bool
	}

	room struct {
		code      string
		ch        *channel.Channel
		hs        *handshake.Protocol
		chat      *chat.Relay
		validator *presence.Validator
		member    model.PresenceMember
		subs      []*channel.Subscription
		guard     func()
	}
)

func New(cfg Config) *Manager {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.ActorID == "" {
		cfg.ActorID = uuid.NewString()
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = string(cfg.Role)
	}
	if cfg.ExpectedCount <= 0 {
		cfg.ExpectedCount = defaultExpectedCount
	}
	if cfg.Renderer == nil {
		cfg.Renderer = RendererFunc(func(Event) {})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger = logger.With().
		Str("component", "session").
		Str("actor", cfg.ActorID).
		Str("role", string(cfg.Role)).
		Logger()
	if cfg.ChannelConfig.Logger == nil {
		cfg.ChannelConfig.Logger = &logger
	}
	return &Manager{
		logger:      logger,
		dialer:      cfg.Dialer,
		role:        cfg.Role,
		actorID:     cfg.ActorID,
		displayName: cfg.DisplayName,
		chCfg:       cfg.ChannelConfig,
		expected:    cfg.ExpectedCount,
		renderer:    cfg.Renderer,
		tokens:      cfg.TokenSource,
		now:         cfg.Now,
		log:         NewLog(cfg.LogSize),
		status:      StatusIdle,
		starts:      make(map[string]struct{}),
	}
}

func (m *Manager) ActorID() string {
	return m.actorID
}

func (m *Manager) Role() model.Role {
	return m.role
}

// Status returns the current status and the error that caused StatusError.
func (m *Manager) Status() (Status, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.status, m.err
}

// Code returns the code of the open room, if any.
func (m *Manager) Code() string {
	if s := m.current(); s != nil {
		return s.code
	}
	return ""
}

func (m *Manager) Log() []LogEntry {
	return m.log.Entries()
}

func (m *Manager) current() *room {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.sess
}

// Open leaves the current room, if any, and joins the room with code.
// Any failing step tears the room down and leaves the manager in
// StatusError.
func (m *Manager) Open(ctx context.Context, code string) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.teardown(ctx)

	code = model.NormalizeCode(code)
	if code == "" {
		m.setStatus(StatusError, model.ErrMissingRoomCode)
		return model.ErrMissingRoomCode
	}
	m.setStatus(StatusConnecting, nil)
	m.appendLog(fmt.Sprintf("opening room %s", code))

	if err := m.open(ctx, code); err != nil {
		m.teardown(ctx)
		m.setStatus(StatusError, err)
		return err
	}
	m.setStatus(StatusConnected, nil)
	return nil
}

func (m *Manager) open(ctx context.Context, code string) error {
	name := model.ChannelName(code)
	tr, err := m.dialer.Dial(ctx, name, m.actorID)
	if err != nil {
		return errors.Join(ErrOpenFailed, err)
	}
	ch := channel.New(name, tr, m.chCfg)
	s := &room{
		code: code,
		ch:   ch,
		hs: handshake.New(handshake.Config{
			Logger:      &m.logger,
			Role:        m.role,
			Publisher:   ch,
			TokenSource: m.tokens,
			Now:         m.now,
		}),
		chat: chat.New(chat.Config{
			Logger:    &m.logger,
			Publisher: ch,
			Role:      m.role,
			ActorID:   m.actorID,
			Now:       m.now,
		}),
		validator: presence.NewValidator(m.role),
		member: model.PresenceMember{
			ActorID:     m.actorID,
			Role:        m.role,
			DisplayName: m.displayName,
			JoinedAt:    m.now(),
		},
	}

	m.mx.Lock()
	m.sess = s
	m.starts = make(map[string]struct{})
	m.releasePending = false
	m.mx.Unlock()

	m.subscribe(s)

	if err = ch.Attach(ctx); err != nil {
		return errors.Join(ErrOpenFailed, err)
	}
	if err = ch.Presence().Enter(ctx, s.member); err != nil {
		return errors.Join(ErrOpenFailed, fmt.Errorf("cannot enter presence: %w", err))
	}
	if err = ch.Publish(ctx, model.EventJoin, &model.JoinAnnouncement{
		ActorID:     m.actorID,
		Role:        m.role,
		DisplayName: m.displayName,
		Timestamp:   model.Millis(m.now()),
	}); err != nil {
		return errors.Join(ErrOpenFailed, err)
	}
	return m.validate(ctx, s)
}

func (m *Manager) subscribe(s *room) {
	s.subs = append(s.subs,
		s.ch.Subscribe(model.EventChat, func(msg channel.Message) {
			var cm model.ChatMessage
			if m.decode(msg, &cm) {
				s.chat.Receive(cm)
			}
		}),
		s.ch.Subscribe(model.EventConnectionRequest, func(msg channel.Message) {
			var req model.ConnectionRequest
			if m.decode(msg, &req) {
				s.hs.Handle(req)
			}
		}),
		s.ch.Subscribe(model.EventJoin, func(msg channel.Message) {
			var ann model.JoinAnnouncement
			if m.decode(msg, &ann) && ann.ActorID != m.actorID {
				m.appendLog(fmt.Sprintf("%s joined as %s", ann.DisplayName, ann.Role))
			}
		}),
		s.ch.Subscribe(model.EventStart, func(msg channel.Message) {
			var sig model.StartSignal
			if m.decode(msg, &sig) && sig.ActorID != m.actorID {
				m.RecordStartSignal(sig.ActorID, m.expected)
			}
		}),
		s.ch.Presence().Subscribe(func(ev channel.PresenceEvent) {
			m.onPresence(s, ev)
		}),
		s.ch.OnStateChange(func(change channel.StateChange) {
			m.onChannelState(s, change)
		}),
	)
	s.hs.OnChange(func(change handshake.Change) {
		m.onHandshake(s, change)
	})
	s.chat.OnEvent(func(ev chat.Event) {
		m.renderer.Render(Event{Kind: KindChat, Chat: ev})
	})
}

func (m *Manager) decode(msg channel.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		m.logger.Warn().Err(err).Str("event", msg.Name).Msg("malformed envelope dropped")
		return false
	}
	return true
}

func (m *Manager) onPresence(s *room, ev channel.PresenceEvent) {
	left := ev.Action == channel.PresenceLeave && ev.Member.ActorID != m.actorID
	if left {
		// a participant that left has to signal start again
		m.mx.Lock()
		if m.sess == s {
			delete(m.starts, ev.Member.ActorID)
		}
		m.mx.Unlock()
	}
	if ev.Member.ActorID != m.actorID {
		m.appendLog(fmt.Sprintf("presence %s: %s (%s)", ev.Action, ev.Member.DisplayName, ev.Member.Role))
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTeardownTime)
	defer cancel()
	if err := m.validate(ctx, s); err != nil {
		go m.reject(s, err)
		return
	}
	if left && ev.Member.Role == m.role.Counterpart() {
		m.endExchange(ctx, s)
	}
}

// endExchange returns a connected handshake to idle once the counterpart
// is gone from the room. Exchanges still in flight are kept: their
// counterpart may be reattaching.
func (m *Manager) endExchange(ctx context.Context, s *room) {
	if s.hs.State() != handshake.StateConnected {
		return
	}
	members, err := s.ch.Presence().Get(ctx)
	if err != nil {
		return
	}
	for _, member := range members {
		if member.Role == m.role.Counterpart() {
			return
		}
	}
	m.appendLog("counterpart left, handshake ended")
	s.hs.Reset()
}

// validate checks the live membership of s. Only validation failures are
// returned; a membership that cannot be read is skipped.
func (m *Manager) validate(ctx context.Context, s *room) error {
	members, err := s.ch.Presence().Get(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("membership is not available")
		return nil
	}
	check, err := s.validator.CheckAs(members, m.actorID)
	m.renderer.Render(Event{
		Kind:    KindPresence,
		Members: members,
		Ready:   check.Ready,
		Missing: check.Missing,
		Err:     err,
	})
	if err != nil {
		return err
	}
	if check.BecameReady {
		m.appendLog("room ready")
	}
	return nil
}

// reject tears s down after a failed membership validation.
// Rejections are final until the next Open.
func (m *Manager) reject(s *room, err error) {
	m.op.Lock()
	defer m.op.Unlock()

	if m.current() != s {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTeardownTime)
	defer cancel()

	m.logger.Warn().Err(err).Str("room", s.code).Msg("leaving room")
	m.teardown(ctx)
	m.setStatus(StatusError, err)
}

func (m *Manager) onChannelState(s *room, change channel.StateChange) {
	m.appendLog(fmt.Sprintf("channel %s", change.Current))

	switch change.Current {
	case channel.StateFailed:
		if errors.Is(change.Reason, channel.ErrNonRetryable) {
			go m.reject(s, change.Reason)
		}
	case channel.StateDetached:
		m.mx.Lock()
		if m.sess == s && s.guard == nil && m.status == StatusConnected {
			m.mx.Unlock()
			m.setStatus(StatusClosed, nil)
			return
		}
		m.mx.Unlock()
	case channel.StateAttached:
		m.mx.Lock()
		reopened := m.sess == s && m.status == StatusClosed
		m.mx.Unlock()
		if reopened {
			m.setStatus(StatusConnected, nil)
		}
	}
}

func (m *Manager) onHandshake(s *room, change handshake.Change) {
	m.renderer.Render(Event{Kind: KindHandshake, Handshake: change})
	m.appendLog(fmt.Sprintf("handshake %s", change.Current))

	var release bool
	m.mx.Lock()
	if m.sess == s {
		switch change.Current {
		case handshake.StateIdle:
			if s.guard != nil {
				s.guard()
				s.guard = nil
			}
			release = m.releasePending
		default:
			// channel must survive silent drops while the exchange is live
			if s.guard == nil {
				s.guard = s.ch.Guard()
			}
		}
	}
	m.mx.Unlock()

	if release {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTeardownTime)
			defer cancel()
			_, _ = m.Release(ctx)
		}()
	}
}

// Close leaves the open room and resets the manager to idle.
func (m *Manager) Close(ctx context.Context) {
	m.op.Lock()
	defer m.op.Unlock()

	m.teardown(ctx)
	m.setStatus(StatusIdle, nil)
}

// Release leaves the open room unless the handshake still depends on
// the channel. In that case the release is deferred until the handshake
// returns to idle, and false is returned.
func (m *Manager) Release(ctx context.Context) (bool, error) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mx.Lock()
	s := m.sess
	if s != nil && s.hs.HoldsChannel() {
		m.releasePending = true
		m.mx.Unlock()
		m.appendLog("release deferred, handshake in progress")
		return false, nil
	}
	m.mx.Unlock()

	m.teardown(ctx)
	m.setStatus(StatusIdle, nil)
	return true, nil
}

// teardown must be called with op held.
func (m *Manager) teardown(ctx context.Context) {
	m.mx.Lock()
	s := m.sess
	m.sess = nil
	m.releasePending = false
	var guard func()
	if s != nil {
		guard, s.guard = s.guard, nil
	}
	m.mx.Unlock()

	if s == nil {
		return
	}
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if guard != nil {
		guard()
	}
	if s.ch.State() == channel.StateAttached {
		if err := s.ch.Presence().Leave(ctx, s.member); err != nil {
			m.logger.Debug().Err(err).Msg("cannot leave presence")
		}
	}
	if err := s.ch.Detach(ctx); err != nil {
		m.logger.Error().Err(err).Str("room", s.code).Msg("cannot detach channel")
	}
	m.appendLog(fmt.Sprintf("left room %s", s.code))
}

// RequestConnection starts the handshake. Only role A may request.
func (m *Manager) RequestConnection(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return ErrNotOpen
	}
	return s.hs.Request(ctx)
}

// AcceptConnection accepts a pending request. Only role B may accept.
func (m *Manager) AcceptConnection(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return ErrNotOpen
	}
	return s.hs.Accept(ctx)
}

func (m *Manager) HandshakeState() handshake.State {
	if s := m.current(); s != nil {
		return s.hs.State()
	}
	return handshake.StateIdle
}

// HandshakeToken returns the token of the current exchange.
func (m *Manager) HandshakeToken() string {
	if s := m.current(); s != nil {
		return s.hs.Token()
	}
	return ""
}

func (m *Manager) SendChat(ctx context.Context, text string) (model.ChatMessage, error) {
	s := m.current()
	if s == nil {
		return model.ChatMessage{}, ErrNotOpen
	}
	return s.chat.Publish(ctx, text)
}

// Messages returns the rendered chat of the open room.
func (m *Manager) Messages() []model.ChatMessage {
	if s := m.current(); s != nil {
		return s.chat.Messages()
	}
	return nil
}

func (m *Manager) Members(ctx context.Context) ([]model.PresenceMember, error) {
	s := m.current()
	if s == nil {
		return nil, ErrNotOpen
	}
	return s.ch.Presence().Get(ctx)
}

func (m *Manager) ChannelState() channel.State {
	if s := m.current(); s != nil {
		return s.ch.State()
	}
	return channel.StateInitialized
}

// Start signals local readiness to the room.
func (m *Manager) Start(ctx context.Context) (StartStatus, error) {
	s := m.current()
	if s == nil {
		return StartStatus{}, ErrNotOpen
	}
	if err := s.ch.Publish(ctx, model.EventStart, &model.StartSignal{
		ActorID:   m.actorID,
		Timestamp: model.Millis(m.now()),
	}); err != nil {
		return StartStatus{}, err
	}
	return m.RecordStartSignal(m.actorID, m.expected), nil
}

// RecordStartSignal records readiness of actorID. Repeated signals of
// the same actor are counted once. Signals of participants that left the
// room are forgotten.
func (m *Manager) RecordStartSignal(actorID string, expected int) StartStatus {
	m.mx.Lock()
	m.starts[actorID] = struct{}{}
	signaled := min(len(m.starts), expected)
	rosterReady := m.sess != nil && m.sess.validator.Ready()
	m.mx.Unlock()

	st := StartStatus{
		Signaled: signaled,
		Expected: expected,
		Quorum:   signaled == expected && rosterReady,
	}
	m.appendLog(fmt.Sprintf("start: %d out of %d", st.Signaled, st.Expected))
	m.renderer.Render(Event{Kind: KindStart, Start: st})
	return st
}

func (m *Manager) setStatus(status Status, err error) {
	m.mx.Lock()
	prev := m.status
	m.status = status
	m.err = err
	m.mx.Unlock()

	if prev == status && err == nil {
		return
	}
	ev := m.logger.Debug()
	if err != nil {
		ev = m.logger.Error().Err(err)
	}
	ev.Str("status", string(status)).Msg("session status changed")

	entry := fmt.Sprintf("status %s", status)
	if err != nil {
		entry += ": " + err.Error()
	}
	m.appendLog(entry)
	m.renderer.Render(Event{Kind: KindStatus, Status: status, Err: err})
}

func (m *Manager) appendLog(entry string) {
	e := m.log.Append(m.now(), entry)
	m.renderer.Render(Event{Kind: KindLog, Log: e})
}
