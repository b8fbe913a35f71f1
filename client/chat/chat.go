// Package chat relays text messages between the participants of a room
// with optimistic local rendering.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/seen"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	defaultSentSize = 256
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrPublishFailed = errors.New("chat publish failed")
)

type EventKind string

const (
	EventRendered  EventKind = "rendered"
	EventRetracted EventKind = "retracted"
)

type (
	Publisher interface {
		Publish(ctx context.Context, name string, data any) error
	}

	Config struct {
		Logger    *zerolog.Logger
		Publisher Publisher
		Role      model.Role
		ActorID   string
		Now       func() time.Time

		// SentSize bounds the set of own messages awaiting their echo.
		SentSize int
	}

	Event struct {
		Kind    EventKind
		Message model.ChatMessage
	}

	// Relay keeps the rendered conversation of one participant.
	Relay struct {
		logger  zerolog.Logger
		pub     Publisher
		role    model.Role
		actorID string
		now     func() time.Time
		sent    *seen.Set

		mx       sync.Mutex
		messages []model.ChatMessage
		handlers []func(Event)
	}
)

func New(cfg Config) *Relay {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.SentSize <= 0 {
		cfg.SentSize = defaultSentSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{
		logger:  logger.With().Str("component", "chat").Logger(),
		pub:     cfg.Publisher,
		role:    cfg.Role,
		actorID: cfg.ActorID,
		now:     cfg.Now,
		sent:    seen.New(cfg.SentSize),
	}
}

// OnEvent registers h for rendered and retracted messages.
func (r *Relay) OnEvent(h func(Event)) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.handlers = append(r.handlers, h)
}

// Messages returns the rendered conversation.
func (r *Relay) Messages() []model.ChatMessage {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.ChatMessage(nil), r.messages...)
}

// Publish renders text locally and sends it to the room.
// The local render is retracted if the send fails.
func (r *Relay) Publish(ctx context.Context, text string) (model.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}
	now := r.now()
	msg := model.ChatMessage{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Text:      text,
		Sender:    r.role,
		ActorID:   r.actorID,
		Timestamp: model.Millis(now),
	}
	key := sentKey(msg)

	// must be marked before publishing, the echo may arrive first
	r.sent.Add(key)
	r.render(msg)

	if err := r.pub.Publish(ctx, model.EventChat, &msg); err != nil {
		r.sent.Remove(key)
		r.retract(msg)
		return model.ChatMessage{}, errors.Join(ErrPublishFailed, err)
	}
	r.logger.Trace().Str("id", msg.ID).Msg("chat message published")
	return msg, nil
}

// Receive renders a message delivered by the channel. Own echoes and
// redelivered messages are dropped. It reports whether msg was rendered.
func (r *Relay) Receive(msg model.ChatMessage) bool {
	if r.sent.Contains(sentKey(msg)) {
		r.logger.Trace().Str("id", msg.ID).Msg("own echo dropped")
		return false
	}
	if !r.render(msg) {
		r.logger.Debug().Str("id", msg.ID).Msg("redelivered message dropped")
		return false
	}
	return true
}

func (r *Relay) render(msg model.ChatMessage) bool {
	r.mx.Lock()
	for _, m := range r.messages {
		if m.Timestamp == msg.Timestamp && m.Sender == msg.Sender && m.Text == msg.Text {
			r.mx.Unlock()
			return false
		}
	}
	r.messages = append(r.messages, msg)
	r.mx.Unlock()

	r.emit(Event{Kind: EventRendered, Message: msg})
	return true
}

func (r *Relay) retract(msg model.ChatMessage) {
	r.mx.Lock()
	for i, m := range r.messages {
		if m.ID == msg.ID {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			break
		}
	}
	r.mx.Unlock()

	r.emit(Event{Kind: EventRetracted, Message: msg})
}

func (r *Relay) emit(ev Event) {
	r.mx.Lock()
	handlers := append(([]func(Event))(nil), r.handlers...)
	r.mx.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func sentKey(msg model.ChatMessage) string {
	return fmt.Sprintf("%d|%s|%s", msg.Timestamp, msg.ActorID, msg.Text)
}
