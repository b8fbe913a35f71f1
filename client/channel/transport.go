package channel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/webrtc-rooms/backend/model"
)

// ErrNonRetryable marks transport errors that must not be retried,
// e.g. a rejected credential.
var ErrNonRetryable = errors.New("non-retryable transport error")

// Message is one event delivered on a channel.
type Message struct {
	Name     string
	ClientID string
	Data     json.RawMessage
}

// Decode unmarshals message data into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

type PresenceAction string

const (
	PresenceEnter PresenceAction = "enter"
	PresenceLeave PresenceAction = "leave"
)

type PresenceEvent struct {
	Action PresenceAction
	Member model.PresenceMember
}

// Listener receives events from a transport while it is attached.
type Listener interface {
	OnMessage(msg Message)
	OnPresence(ev PresenceEvent)
	// OnDrop reports that the transport lost its attachment on its own.
	OnDrop(state State, err error)
}

// Transport is the wire layer beneath a channel. It may be a managed
// pub/sub service or a socket to the broker hub.
//
// Attach must deliver events to l until Detach is called or the
// attachment drops. Every Attach gets a fresh listener.
type Transport interface {
	Attach(ctx context.Context, l Listener) error
	Detach(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	EnterPresence(ctx context.Context, member model.PresenceMember) error
	LeavePresence(ctx context.Context, member model.PresenceMember) error
	Members(ctx context.Context) ([]model.PresenceMember, error)
}
