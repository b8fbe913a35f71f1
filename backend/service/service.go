package service

import (
	"context"
	"errors"

	"github.com/adwski/webrtc-rooms/backend/credential"
	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrCreate       = errors.New("unable to create room")
	ErrList         = errors.New("unable to list rooms")
	ErrConnect      = errors.New("unable to connect")
	ErrDisconnect   = errors.New("unable to disconnect")
	ErrIssue        = errors.New("unable to issue credential")
	ErrUnauthorized = errors.New("unauthorized")
)

type (
	RoomRegistry interface {
		CreateRoom(ctx context.Context, requestedCode string) (model.Room, error)
		ListRooms(ctx context.Context) ([]model.RoomInfo, error)
	}

	Hub interface {
		Connect(ctx context.Context, code, clientID string, wire model.Wire) error
		Disconnect(ctx context.Context, code, clientID, reason string) error
	}

	CredentialIssuer interface {
		Issue(clientID string) (credential.Token, error)
		Verify(token, clientID string) error
	}

	Service struct {
		registry          RoomRegistry
		hub               Hub
		issuer            CredentialIssuer
		requireCredential bool
		logger            zerolog.Logger
	}

	Config struct {
		Registry          RoomRegistry
		Hub               Hub
		Issuer            CredentialIssuer
		RequireCredential bool
		Logger            *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		registry:          cfg.Registry,
		hub:               cfg.Hub,
		issuer:            cfg.Issuer,
		requireCredential: cfg.RequireCredential,
		logger:            cfg.Logger.With().Str("component", "service").Logger(),
	}
}

func (svc *Service) CreateRoom(ctx context.Context, code string) (model.Room, error) {
	room, err := svc.registry.CreateRoom(ctx, code)
	if err != nil {
		return model.Room{}, errors.Join(ErrCreate, err)
	}
	svc.logger.Debug().
		Str("room", room.Code).
		Bool("explicit", room.Explicit).
		Msg("room created via api")
	return room, nil
}

func (svc *Service) ListRooms(ctx context.Context) ([]model.RoomInfo, error) {
	rooms, err := svc.registry.ListRooms(ctx)
	if err != nil {
		return nil, errors.Join(ErrList, err)
	}
	return rooms, nil
}

func (svc *Service) IssueCredential(clientID string) (credential.Token, error) {
	tok, err := svc.issuer.Issue(clientID)
	if err != nil {
		return credential.Token{}, errors.Join(ErrIssue, err)
	}
	svc.logger.Debug().
		Str("client", clientID).
		Time("expires", tok.ExpiresAt).
		Msg("credential issued")
	return tok, nil
}

func (svc *Service) CreateSignalingSession(ctx context.Context, code, clientID, token string, wire model.Wire) error {
	if model.NormalizeCode(code) == "" {
		return model.ErrMissingRoomCode
	}
	if svc.requireCredential {
		if err := svc.issuer.Verify(token, clientID); err != nil {
			return errors.Join(ErrUnauthorized, err)
		}
	}
	if err := svc.hub.Connect(ctx, code, clientID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("client", clientID).
		Str("room", code).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(ctx context.Context, code, clientID, reason string) error {
	if err := svc.hub.Disconnect(ctx, code, clientID, reason); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("client", clientID).
		Str("room", code).
		Msg("signaling session deleted")
	return nil
}
