package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	// CodeLength is the length of generated room codes.
	CodeLength = 6

	// CodeAlphabet excludes glyphs that are easy to confuse (I, O, 0, 1).
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	channelPrefix = "rooms:"

	defaultWireBuffer = 64
)

var (
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrMissingRoomCode = errors.New("room code is missing")
	ErrClientExists    = errors.New("client is already connected to room")
)

// NormalizeCode trims and uppercases a user supplied room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ChannelName returns the pub/sub topic bound to the room.
func ChannelName(code string) string {
	return channelPrefix + NormalizeCode(code)
}

// CodeFromChannel is the reverse of ChannelName.
func CodeFromChannel(name string) string {
	return NormalizeCode(strings.TrimPrefix(name, channelPrefix))
}

type Room struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	Explicit  bool      `json:"explicit"`
	Size      int       `json:"size"`
}

type RoomMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	Explicit  bool      `json:"explicit"`
}

type RoomInfo struct {
	Code     string       `json:"code"`
	Size     int          `json:"size"`
	Metadata RoomMetadata `json:"metadata"`
}

func (r Room) Info() RoomInfo {
	return RoomInfo{
		Code: r.Code,
		Size: r.Size,
		Metadata: RoomMetadata{
			CreatedAt: r.CreatedAt,
			Explicit:  r.Explicit,
		},
	}
}

// Role of a participant inside a room.
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

func (r Role) Valid() bool {
	return r == RoleA || r == RoleB
}

// Counterpart returns the role a participant pairs with.
func (r Role) Counterpart() Role {
	switch r {
	case RoleA:
		return RoleB
	case RoleB:
		return RoleA
	}
	return ""
}

type PresenceMember struct {
	ActorID     string    `json:"actorId"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Event names published on a room channel.
const (
	EventChat              = "chat"
	EventConnectionRequest = "connection-request"
	EventJoin              = "join"
	EventStart             = "start"
	EventPresence          = "presence"
)

// Envelope types sent by the broker over raw sockets.
const (
	EnvelopeTypeSystem = "system"
	EnvelopeTypeRelay  = "relay"
)

// System events reported by the broker.
const (
	SystemEventWelcome = "welcome"
	SystemEventJoined  = "joined"
	SystemEventLeft    = "left"
)

type SystemMessage struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Message string `json:"message"`
	Peers   int    `json:"peers"`
	Client  string `json:"client,omitempty"`
}

type RelayMessage struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope is the frame every client publishes on a channel.
// It is relayed verbatim by the broker.
type Envelope struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type ChatMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    Role   `json:"sender"`
	ActorID   string `json:"actorId"`
	Timestamp int64  `json:"timestamp"`
}

// Handshake actions.
const (
	ActionAccept = "accept"
)

type ConnectionRequest struct {
	From      Role   `json:"from"`
	Token     string `json:"token,omitempty"`
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type JoinAnnouncement struct {
	ActorID     string `json:"actorId"`
	Role        Role   `json:"role"`
	DisplayName string `json:"displayName"`
	Timestamp   int64  `json:"timestamp"`
}

type StartSignal struct {
	ActorID   string `json:"actorId"`
	Timestamp int64  `json:"timestamp"`
}

// Presence actions exchanged when the broker does not track membership.
const (
	PresenceEnter   = "enter"
	PresencePresent = "present"
	PresenceLeave   = "leave"
)

type PresenceAnnouncement struct {
	Action string         `json:"action"`
	Member PresenceMember `json:"member"`
}

// Wire connects a socket session with the hub.
// RX carries raw inbound frames, TX carries encoded outbound frames.
type Wire struct {
	RX chan []byte
	TX chan []byte
}

func NewWire() Wire {
	return Wire{
		RX: make(chan []byte),
		TX: make(chan []byte, defaultWireBuffer),
	}
}

// Millis converts a time to a unix millisecond timestamp.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
