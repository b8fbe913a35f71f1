package session

import (
	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/adwski/webrtc-rooms/client/chat"
	"github.com/adwski/webrtc-rooms/client/handshake"
)

type EventKind string

const (
	KindStatus    EventKind = "status"
	KindHandshake EventKind = "handshake"
	KindChat      EventKind = "chat"
	KindPresence  EventKind = "presence"
	KindStart     EventKind = "start"
	KindLog       EventKind = "log"
)

// Event is everything a user interface needs to render a session.
// Only the fields of its Kind are set.
type Event struct {
	Kind EventKind

	Status Status
	Err    error

	Handshake handshake.Change
	Chat      chat.Event

	Members []model.PresenceMember
	Ready   bool
	Missing model.Role

	Start StartStatus
	Log   LogEntry
}

// Renderer receives session events. It is called from transport
// goroutines and must not block.
type Renderer interface {
	Render(ev Event)
}

type RendererFunc func(ev Event)

func (f RendererFunc) Render(ev Event) {
	f(ev)
}
