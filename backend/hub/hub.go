package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
)

type (
	// Registry tracks which clients are connected to which room.
	Registry interface {
		Join(ctx context.Context, code, clientID string, wire model.Wire) (int, error)
		Leave(ctx context.Context, code, clientID string) (int, error)
		Peers(code, except string) map[string]model.Wire
	}

	Config struct {
		Logger     *zerolog.Logger
		Registry   Registry
		FwdTimeout time.Duration
	}

	// Hub fans out frames to every socket in a room.
	// It does not interpret relayed payloads.
	Hub struct {
		logger     zerolog.Logger
		reg        Registry
		fwdTimeout time.Duration
	}
)

func New(cfg Config) *Hub {
	h := &Hub{
		logger:     cfg.Logger.With().Str("component", "hub").Logger(),
		reg:        cfg.Registry,
		fwdTimeout: cfg.FwdTimeout,
	}
	if h.fwdTimeout == 0 {
		h.fwdTimeout = defaultFwdTimeout
	}
	return h
}

// Connect adds the client to the room and starts relaying its inbound frames.
// Relaying stops when ctx is done.
func (h *Hub) Connect(ctx context.Context, code, clientID string, wire model.Wire) error {
	code = model.NormalizeCode(code)
	if code == "" {
		return model.ErrMissingRoomCode
	}
	peers, err := h.reg.Join(ctx, code, clientID, wire)
	if err != nil {
		return fmt.Errorf("cannot join room: %w", err)
	}

	logger := h.logger.With().
		Str("room", code).
		Str("client", clientID).
		Logger()
	logger.Debug().Int("peers", peers).Msg("client connected")

	welcome, err := json.Marshal(&model.SystemMessage{
		Type:    model.EnvelopeTypeSystem,
		Event:   model.SystemEventWelcome,
		Message: fmt.Sprintf("connected to room %s", code),
		Peers:   peers,
		Client:  clientID,
	})
	if err != nil {
		return fmt.Errorf("cannot encode welcome: %w", err)
	}
	if sent, _ := send(ctx, welcome, wire.TX, h.fwdTimeout); !sent {
		logger.Warn().Msg("welcome was not delivered")
	}

	h.broadcastSystem(ctx, code, clientID, model.SystemEventJoined, "participant joined", peers)

	go h.forwardFrames(ctx, code, clientID, wire.RX, &logger)
	return nil
}

// Disconnect removes the client and notifies remaining peers.
func (h *Hub) Disconnect(ctx context.Context, code, clientID, reason string) error {
	code = model.NormalizeCode(code)
	remaining, err := h.reg.Leave(ctx, code, clientID)
	if err != nil {
		return fmt.Errorf("cannot leave room: %w", err)
	}
	h.logger.Debug().
		Str("room", code).
		Str("client", clientID).
		Int("remaining", remaining).
		Msg("client disconnected")

	if remaining > 0 {
		msg := "participant left"
		if reason != "" {
			msg += ": " + reason
		}
		h.broadcastSystem(ctx, code, clientID, model.SystemEventLeft, msg, remaining)
	}
	return nil
}

func (h *Hub) forwardFrames(ctx context.Context, code, clientID string, rx <-chan []byte, logger *zerolog.Logger) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case frame, ok := <-rx:
			if !ok {
				break fwdLoop
			}
			if !json.Valid(frame) {
				logger.Warn().Msg("dropping non-json frame")
				continue
			}
			b, err := json.Marshal(&model.RelayMessage{
				Type:    model.EnvelopeTypeRelay,
				From:    clientID,
				Payload: frame,
			})
			if err != nil {
				logger.Error().Err(err).Msg("failed to encode relay envelope")
				continue
			}
			if n := h.broadcast(ctx, code, clientID, b); n == 0 {
				logger.Trace().Msg("frame was dropped, nowhere to forward")
			}
		}
	}
}

func (h *Hub) broadcastSystem(ctx context.Context, code, src, event, message string, peers int) {
	b, err := json.Marshal(&model.SystemMessage{
		Type:    model.EnvelopeTypeSystem,
		Event:   event,
		Message: message,
		Peers:   peers,
		Client:  src,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode system envelope")
		return
	}
	h.broadcast(ctx, code, src, b)
}

// broadcast sends b to every peer except src and returns how many received it.
// A failing peer does not abort delivery to the others.
func (h *Hub) broadcast(ctx context.Context, code, src string, b []byte) int {
	var delivered int
	for dst, wire := range h.reg.Peers(code, src) {
		sent, canceled := send(ctx, b, wire.TX, h.fwdTimeout)
		if canceled {
			break
		}
		if !sent {
			h.logger.Error().
				Str("room", code).
				Str("dst", dst).
				Msg("dead endpoint")
			continue
		}
		delivered++
	}
	return delivered
}

func send(ctx context.Context, b []byte, tx chan<- []byte, timeout time.Duration) (sent, canceled bool) {
	tCh := time.NewTimer(timeout)
	defer tCh.Stop()

	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
	case tx <- b:
		sent = true
	}
	return sent, canceled
}
