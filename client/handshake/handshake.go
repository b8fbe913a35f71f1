// Package handshake implements the request/accept exchange that pairs
// the two participants of a room.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/seen"
	"github.com/rs/zerolog"
)

type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateRequested  State = "requested"
	StatePending    State = "pending"
	StateConnected  State = "connected"
)

const (
	// recent envelopes remembered for redelivery detection
	dedupSize = 10

	actionRequest = "request"
)

var (
	ErrPublishFailed = errors.New("handshake publish failed")
)

type (
	// Publisher sends an event on the shared room channel.
	Publisher interface {
		Publish(ctx context.Context, name string, data any) error
	}

	Config struct {
		Logger    *zerolog.Logger
		Role      model.Role
		Publisher Publisher

		// TokenSource generates session tokens, CallSign by default.
		TokenSource func() string
		Now         func() time.Time
	}

	Change struct {
		Previous State
		Current  State
		Token    string
	}

	// Protocol is the handshake state machine of one participant.
	// Role A requests, role B accepts.
	Protocol struct {
		logger zerolog.Logger
		role   model.Role
		pub    Publisher
		token  func() string
		now    func() time.Time
		seen   *seen.Set

		mx       sync.Mutex
		state    State
		current  string
		handlers []func(Change)
	}
)

func New(cfg Config) *Protocol {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	p := &Protocol{
		logger: logger.With().Str("component", "handshake").Str("role", string(cfg.Role)).Logger(),
		role:   cfg.Role,
		pub:    cfg.Publisher,
		token:  cfg.TokenSource,
		now:    cfg.Now,
		seen:   seen.New(dedupSize),
		state:  StateIdle,
	}
	if p.token == nil {
		p.token = CallSign
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Protocol) State() State {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.state
}

// Token returns the token of the current exchange, if any.
func (p *Protocol) Token() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.current
}

// HoldsChannel reports whether an exchange is in flight or complete,
// in which case the room channel must not be released.
func (p *Protocol) HoldsChannel() bool {
	switch p.State() {
	case StateRequesting, StateRequested, StateConnected:
		return true
	}
	return false
}

// OnChange registers h for every state transition.
func (p *Protocol) OnChange(h func(Change)) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.handlers = append(p.handlers, h)
}

// Request starts an exchange. It is only legal for role A in idle state,
// otherwise it does nothing.
func (p *Protocol) Request(ctx context.Context) error {
	p.mx.Lock()
	if p.role != model.RoleA || p.state != StateIdle {
		st := p.state
		p.mx.Unlock()
		p.logger.Warn().Str("state", string(st)).Msg("ignoring request")
		return nil
	}
	token := p.token()
	p.current = token
	change := p.setLocked(StateRequesting)
	p.mx.Unlock()
	p.notify(change)

	err := p.pub.Publish(ctx, model.EventConnectionRequest, &model.ConnectionRequest{
		From:      p.role,
		Token:     token,
		Timestamp: model.Millis(p.now()),
	})

	p.mx.Lock()
	if p.state != StateRequesting {
		// accept already arrived
		p.mx.Unlock()
		return nil
	}
	if err != nil {
		p.current = ""
		change = p.setLocked(StateIdle)
	} else {
		change = p.setLocked(StateRequested)
	}
	p.mx.Unlock()
	p.notify(change)

	if err != nil {
		return errors.Join(ErrPublishFailed, err)
	}
	p.logger.Debug().Str("token", token).Msg("connection requested")
	return nil
}

// Accept answers a pending request. It is only legal for role B in
// pending state, otherwise it does nothing.
func (p *Protocol) Accept(ctx context.Context) error {
	p.mx.Lock()
	if p.role != model.RoleB || p.state != StatePending {
		st := p.state
		p.mx.Unlock()
		p.logger.Warn().Str("state", string(st)).Msg("ignoring accept")
		return nil
	}
	token := p.current
	p.mx.Unlock()

	if err := p.pub.Publish(ctx, model.EventConnectionRequest, &model.ConnectionRequest{
		From:      p.role,
		Token:     token,
		Action:    model.ActionAccept,
		Timestamp: model.Millis(p.now()),
	}); err != nil {
		return errors.Join(ErrPublishFailed, err)
	}

	p.mx.Lock()
	if p.state != StatePending || p.current != token {
		p.mx.Unlock()
		return nil
	}
	change := p.setLocked(StateConnected)
	p.mx.Unlock()
	p.notify(change)

	p.logger.Debug().Str("token", token).Msg("connection accepted")
	return nil
}

// Handle drives the state machine with an envelope received on the channel.
// Own echoes and redelivered envelopes are dropped.
func (p *Protocol) Handle(req model.ConnectionRequest) {
	if req.From == p.role {
		return
	}
	logger := p.logger.With().
		Str("from", string(req.From)).
		Str("action", req.Action).
		Int64("timestamp", req.Timestamp).
		Logger()
	if !req.From.Valid() {
		logger.Warn().Msg("ignoring envelope from unknown role")
		return
	}
	if p.seen.Seen(dedupKey(req)) {
		logger.Debug().Msg("duplicate envelope dropped")
		return
	}

	p.mx.Lock()
	var change *Change
	switch {
	case p.role == model.RoleB && req.Action == "" && p.state == StateIdle:
		p.current = req.Token
		change = p.setLocked(StatePending)

	case p.role == model.RoleA && req.Action == model.ActionAccept &&
		(p.state == StateRequested || p.state == StateRequesting):
		if req.Token != p.current {
			p.mx.Unlock()
			logger.Warn().Str("token", req.Token).Msg("ignoring accept with foreign token")
			return
		}
		change = p.setLocked(StateConnected)
	}
	st := p.state
	p.mx.Unlock()

	if change == nil {
		logger.Warn().Str("state", string(st)).Msg("unexpected envelope ignored")
		return
	}
	p.notify(change)
}

// Reset returns the protocol to idle. Dedup history is kept.
func (p *Protocol) Reset() {
	p.mx.Lock()
	p.current = ""
	change := p.setLocked(StateIdle)
	p.mx.Unlock()
	p.notify(change)
}

func (p *Protocol) setLocked(to State) *Change {
	if p.state == to {
		return nil
	}
	change := &Change{Previous: p.state, Current: to, Token: p.current}
	p.state = to
	return change
}

func (p *Protocol) notify(change *Change) {
	if change == nil {
		return
	}
	p.logger.Debug().
		Str("from", string(change.Previous)).
		Str("to", string(change.Current)).
		Msg("handshake state changed")

	p.mx.Lock()
	handlers := append(([]func(Change))(nil), p.handlers...)
	p.mx.Unlock()
	for _, h := range handlers {
		h(*change)
	}
}

func dedupKey(req model.ConnectionRequest) string {
	action := req.Action
	if action == "" {
		action = actionRequest
	}
	return fmt.Sprintf("%s|%s|%d", req.From, action, req.Timestamp)
}
