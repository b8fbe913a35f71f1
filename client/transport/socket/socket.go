// Package socket is a channel transport over a raw websocket to the
// room broker. The broker only fans frames out, so presence is
// emulated by the clients themselves over relayed envelopes.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/channel"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWriteDeadline = 5 * time.Second
	defaultCloseDeadline = 2 * time.Second

	// broker pings every 5s
	defaultPingWait = 12 * time.Second

	wsPath = "/ws"
)

var (
	ErrNotAttached = errors.New("socket is not attached")
	ErrRejected    = errors.New("socket rejected by broker")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// URL of the broker socket server, e.g. ws://localhost:8889
		URL    string
		Tokens TokenSource
		Dialer *websocket.Dialer
	}

	// Dialer creates socket transports for room channels.
	Dialer struct {
		logger zerolog.Logger
		url    string
		tokens TokenSource
		ws     *websocket.Dialer
	}

	// Conn is one client's transport for one room.
	// Every attach opens a new socket with its own broker client id.
	Conn struct {
		d        *Dialer
		code     string
		clientID string
		logger   zerolog.Logger

		mx      sync.Mutex
		ws      *websocket.Conn
		l       channel.Listener
		seq     int
		sockID  string
		self    *model.PresenceMember
		members map[string]model.PresenceMember

		wmx sync.Mutex
	}
)

func NewDialer(cfg Config) *Dialer {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	ws := cfg.Dialer
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	return &Dialer{
		logger: logger.With().Str("component", "socket-transport").Logger(),
		url:    strings.TrimSuffix(cfg.URL, "/"),
		tokens: cfg.Tokens,
		ws:     ws,
	}
}

func (d *Dialer) Dial(_ context.Context, name, clientID string) (channel.Transport, error) {
	code := model.CodeFromChannel(name)
	if code == "" {
		return nil, model.ErrMissingRoomCode
	}
	return &Conn{
		d:        d,
		code:     code,
		clientID: clientID,
		logger:   d.logger.With().Str("room", code).Str("client", clientID).Logger(),
	}, nil
}

func (c *Conn) Attach(ctx context.Context, l channel.Listener) error {
	c.mx.Lock()
	c.seq++
	sockID := fmt.Sprintf("%s~%d", c.clientID, c.seq)
	old := c.ws
	c.ws = nil
	c.mx.Unlock()
	if old != nil {
		closeSocket(old, &c.logger)
	}

	q := url.Values{}
	q.Set("room", c.code)
	q.Set("client", sockID)
	if c.d.tokens != nil {
		token, err := c.d.tokens.Token(ctx, sockID)
		if err != nil {
			return err
		}
		q.Set("token", token)
	}

	ws, _, err := c.d.ws.DialContext(ctx, c.d.url+wsPath+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("cannot dial broker: %w", err)
	}
	if err = awaitWelcome(ctx, ws); err != nil {
		_ = ws.Close()
		return err
	}

	ws.SetPingHandler(func(data string) error {
		if err := ws.SetReadDeadline(time.Now().Add(defaultPingWait)); err != nil {
			return err
		}
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
	})
	_ = ws.SetReadDeadline(time.Now().Add(defaultPingWait))

	c.mx.Lock()
	c.ws = ws
	c.l = l
	c.sockID = sockID
	c.members = make(map[string]model.PresenceMember)
	c.mx.Unlock()

	c.logger.Debug().Str("socket", sockID).Msg("socket attached")
	go c.readLoop(ws, l)
	return nil
}

// awaitWelcome waits for the broker to accept the socket.
func awaitWelcome(ctx context.Context, ws *websocket.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteDeadline)
	}
	_ = ws.SetReadDeadline(deadline)

	_, b, err := ws.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			return errors.Join(ErrRejected, channel.ErrNonRetryable, errors.New(closeErr.Text))
		}
		return fmt.Errorf("no welcome from broker: %w", err)
	}
	var msg model.SystemMessage
	if err = json.Unmarshal(b, &msg); err != nil || msg.Event != model.SystemEventWelcome {
		return fmt.Errorf("unexpected first frame: %s", string(b))
	}
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn, l channel.Listener) {
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			c.dropped(ws, l, err)
			return
		}
		var head struct {
			Type string `json:"type"`
		}
		if err = json.Unmarshal(b, &head); err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		switch head.Type {
		case model.EnvelopeTypeSystem:
			var msg model.SystemMessage
			if err = json.Unmarshal(b, &msg); err == nil {
				c.onSystem(ws, l, msg)
			}
		case model.EnvelopeTypeRelay:
			var msg model.RelayMessage
			if err = json.Unmarshal(b, &msg); err == nil {
				c.onRelay(ws, l, msg)
			}
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed frame dropped")
		}
	}
}

func (c *Conn) dropped(ws *websocket.Conn, l channel.Listener, err error) {
	c.mx.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
		c.members = nil
	}
	c.mx.Unlock()
	if !current {
		// detached on purpose
		return
	}
	_ = ws.Close()

	state := channel.StateSuspended
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
		state = channel.StateFailed
		err = errors.Join(ErrRejected, channel.ErrNonRetryable, err)
	}
	c.logger.Warn().Err(err).Str("state", string(state)).Msg("socket dropped")
	l.OnDrop(state, err)
}

func (c *Conn) onSystem(ws *websocket.Conn, l channel.Listener, msg model.SystemMessage) {
	if msg.Event != model.SystemEventLeft {
		return
	}
	if member, ok := c.removeMember(ws, msg.Client); ok {
		l.OnPresence(channel.PresenceEvent{Action: channel.PresenceLeave, Member: member})
	}
}

func (c *Conn) onRelay(ws *websocket.Conn, l channel.Listener, msg model.RelayMessage) {
	var env model.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		c.logger.Warn().Err(err).Str("from", msg.From).Msg("malformed envelope dropped")
		return
	}
	if env.Type != model.EventPresence {
		l.OnMessage(channel.Message{Name: env.Type, ClientID: env.ClientID, Data: env.Data})
		return
	}

	var ann model.PresenceAnnouncement
	if err := json.Unmarshal(env.Data, &ann); err != nil {
		c.logger.Warn().Err(err).Str("from", msg.From).Msg("malformed presence dropped")
		return
	}
	switch ann.Action {
	case model.PresenceEnter, model.PresencePresent:
		if !c.addMember(ws, msg.From, ann.Member) {
			return
		}
		l.OnPresence(channel.PresenceEvent{Action: channel.PresenceEnter, Member: ann.Member})
		if ann.Action == model.PresenceEnter {
			c.replyPresent(ws)
		}
	case model.PresenceLeave:
		if member, ok := c.removeMember(ws, msg.From); ok {
			l.OnPresence(channel.PresenceEvent{Action: channel.PresenceLeave, Member: member})
		}
	}
}

// replyPresent tells a newcomer about the local member.
func (c *Conn) replyPresent(ws *websocket.Conn) {
	c.mx.Lock()
	self := c.self
	c.mx.Unlock()
	if self == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteDeadline)
	defer cancel()
	if err := c.writePresence(ctx, ws, model.PresencePresent, *self); err != nil {
		c.logger.Error().Err(err).Msg("cannot reply presence")
	}
}

func (c *Conn) addMember(ws *websocket.Conn, sockID string, member model.PresenceMember) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.ws != ws {
		return false
	}
	if _, ok := c.members[sockID]; ok {
		c.members[sockID] = member
		return false
	}
	c.members[sockID] = member
	return true
}

func (c *Conn) removeMember(ws *websocket.Conn, sockID string) (model.PresenceMember, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.ws != ws {
		return model.PresenceMember{}, false
	}
	member, ok := c.members[sockID]
	delete(c.members, sockID)
	return member, ok
}

func (c *Conn) Detach(_ context.Context) error {
	c.mx.Lock()
	ws := c.ws
	c.ws = nil
	c.members = nil
	c.mx.Unlock()

	if ws != nil {
		closeSocket(ws, &c.logger)
	}
	return nil
}

func closeSocket(ws *websocket.Conn, logger *zerolog.Logger) {
	err := ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detached"),
		time.Now().Add(defaultCloseDeadline))
	if err != nil {
		logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = ws.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close socket")
	}
}

func (c *Conn) attached() (*websocket.Conn, channel.Listener, string, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.ws == nil {
		return nil, nil, "", ErrNotAttached
	}
	return c.ws, c.l, c.sockID, nil
}

func (c *Conn) Publish(ctx context.Context, msg channel.Message) error {
	ws, _, _, err := c.attached()
	if err != nil {
		return err
	}
	return c.write(ctx, ws, &model.Envelope{Type: msg.Name, ClientID: c.clientID, Data: msg.Data})
}

func (c *Conn) write(ctx context.Context, ws *websocket.Conn, env *model.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cannot encode envelope: %w", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteDeadline)
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err = ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("cannot set write deadline: %w", err)
	}
	if err = ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("cannot write envelope: %w", err)
	}
	return nil
}

func (c *Conn) writePresence(ctx context.Context, ws *websocket.Conn, action string, member model.PresenceMember) error {
	data, err := json.Marshal(&model.PresenceAnnouncement{Action: action, Member: member})
	if err != nil {
		return fmt.Errorf("cannot encode presence: %w", err)
	}
	return c.write(ctx, ws, &model.Envelope{Type: model.EventPresence, ClientID: c.clientID, Data: data})
}

func (c *Conn) EnterPresence(ctx context.Context, member model.PresenceMember) error {
	ws, l, sockID, err := c.attached()
	if err != nil {
		return err
	}
	if err = c.writePresence(ctx, ws, model.PresenceEnter, member); err != nil {
		return err
	}

	c.mx.Lock()
	c.self = &member
	_, known := c.members[sockID]
	if c.ws == ws {
		c.members[sockID] = member
	}
	c.mx.Unlock()

	if !known {
		l.OnPresence(channel.PresenceEvent{Action: channel.PresenceEnter, Member: member})
	}
	return nil
}

func (c *Conn) LeavePresence(ctx context.Context, member model.PresenceMember) error {
	ws, l, sockID, err := c.attached()
	if err != nil {
		return err
	}

	c.mx.Lock()
	c.self = nil
	_, known := c.members[sockID]
	delete(c.members, sockID)
	c.mx.Unlock()

	if err = c.writePresence(ctx, ws, model.PresenceLeave, member); err != nil {
		return err
	}
	if known {
		l.OnPresence(channel.PresenceEvent{Action: channel.PresenceLeave, Member: member})
	}
	return nil
}

// Members returns the emulated membership, one entry per actor.
func (c *Conn) Members(_ context.Context) ([]model.PresenceMember, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.ws == nil {
		return nil, ErrNotAttached
	}

	byActor := make(map[string]model.PresenceMember, len(c.members))
	for _, m := range c.members {
		if prev, ok := byActor[m.ActorID]; !ok || m.JoinedAt.After(prev.JoinedAt) {
			byActor[m.ActorID] = m
		}
	}
	members := make([]model.PresenceMember, 0, len(byActor))
	for _, m := range byActor {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ActorID < members[j].ActorID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}
