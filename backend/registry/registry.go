package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	defaultMaxCodeAttempts = 64
)

var (
	ErrCodeSpaceExhausted = errors.New("unable to generate free room code")
)

type (
	// Store is the backing storage of room metadata.
	// It may be shared between several broker instances.
	Store interface {
		Create(ctx context.Context, room model.Room) error
		Get(ctx context.Context, code string) (model.Room, error)
		Delete(ctx context.Context, code string) error
		Resize(ctx context.Context, code string, delta int) (int, error)
		List(ctx context.Context) ([]model.Room, error)
	}

	Config struct {
		Logger *zerolog.Logger
		Store  Store

		// CodeSource overrides random code generation. Used by tests.
		CodeSource func() (string, error)
	}

	// Registry owns rooms and their local client sets.
	// All mutations of a room's clients go through Join and Leave.
	Registry struct {
		logger  zerolog.Logger
		store   Store
		newCode func() (string, error)
		now     func() time.Time

		mx      *sync.Mutex
		clients map[string]map[string]model.Wire
	}
)

func New(cfg Config) *Registry {
	r := &Registry{
		logger:  cfg.Logger.With().Str("component", "registry").Logger(),
		store:   cfg.Store,
		newCode: cfg.CodeSource,
		now:     time.Now,
		mx:      &sync.Mutex{},
		clients: make(map[string]map[string]model.Wire),
	}
	if r.newCode == nil {
		r.newCode = RandomCode
	}
	return r
}

// RandomCode samples CodeLength glyphs from CodeAlphabet.
func RandomCode() (string, error) {
	var (
		buf = make([]byte, model.CodeLength)
		max = big.NewInt(int64(len(model.CodeAlphabet)))
	)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = model.CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// CreateRoom registers a new room. If requestedCode is empty
// a free random code is generated.
func (r *Registry) CreateRoom(ctx context.Context, requestedCode string) (model.Room, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	code := model.NormalizeCode(requestedCode)
	if code != "" {
		return r.createLocked(ctx, code, true)
	}

	for i := 0; i < defaultMaxCodeAttempts; i++ {
		code, err := r.newCode()
		if err != nil {
			return model.Room{}, fmt.Errorf("cannot generate room code: %w", err)
		}
		room, err := r.createLocked(ctx, code, false)
		if errors.Is(err, model.ErrRoomExists) {
			r.logger.Trace().Str("room", code).Msg("generated code is taken")
			continue
		}
		return room, err
	}
	return model.Room{}, ErrCodeSpaceExhausted
}

func (r *Registry) createLocked(ctx context.Context, code string, explicit bool) (model.Room, error) {
	room := model.Room{
		Code:      code,
		CreatedAt: r.now().UTC(),
		Explicit:  explicit,
	}
	if err := r.store.Create(ctx, room); err != nil {
		return model.Room{}, err
	}
	r.logger.Debug().
		Str("room", code).
		Bool("explicit", explicit).
		Msg("room created")
	return room, nil
}

// EnsureRoom returns the existing room or creates it with the given code.
func (r *Registry) EnsureRoom(ctx context.Context, code string) (model.Room, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	return r.ensureLocked(ctx, code)
}

func (r *Registry) ensureLocked(ctx context.Context, code string) (model.Room, error) {
	code = model.NormalizeCode(code)
	if code == "" {
		return model.Room{}, model.ErrMissingRoomCode
	}
	room, err := r.store.Get(ctx, code)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, model.ErrRoomNotFound) {
		return model.Room{}, err
	}
	room, err = r.createLocked(ctx, code, true)
	if errors.Is(err, model.ErrRoomExists) {
		// created concurrently by another instance
		return r.store.Get(ctx, code)
	}
	return room, err
}

// DeleteRoom removes the room. Deleting an absent room is not an error.
func (r *Registry) DeleteRoom(ctx context.Context, code string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	return r.deleteLocked(ctx, model.NormalizeCode(code))
}

func (r *Registry) deleteLocked(ctx context.Context, code string) error {
	delete(r.clients, code)
	if err := r.store.Delete(ctx, code); err != nil {
		return err
	}
	r.logger.Debug().Str("room", code).Msg("room deleted")
	return nil
}

func (r *Registry) ListRooms(ctx context.Context) ([]model.RoomInfo, error) {
	rooms, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]model.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	if r.logger.GetLevel() <= zerolog.TraceLevel {
		r.logger.Trace().Msg("room listing\n" + spew.Sdump(infos))
	}
	return infos, nil
}

// Join adds a client to the room, creating the room when needed.
// It returns the room size after the client was added. A client id
// already connected to the room is rejected with model.ErrClientExists.
func (r *Registry) Join(ctx context.Context, code, clientID string, wire model.Wire) (int, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	room, err := r.ensureLocked(ctx, code)
	if err != nil {
		return 0, err
	}
	clients, ok := r.clients[room.Code]
	if !ok {
		clients = make(map[string]model.Wire)
		r.clients[room.Code] = clients
	}
	if _, ok = clients[clientID]; ok {
		// the connected wire owns the id until it leaves
		return 0, model.ErrClientExists
	}
	clients[clientID] = wire

	size, err := r.store.Resize(ctx, room.Code, 1)
	if err != nil {
		delete(clients, clientID)
		return 0, err
	}
	return size, nil
}

// Leave removes a client from the room. The room is deleted as soon
// as its client set becomes empty. It returns the remaining size.
func (r *Registry) Leave(ctx context.Context, code, clientID string) (int, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	code = model.NormalizeCode(code)
	clients, ok := r.clients[code]
	if !ok {
		return 0, nil
	}
	if _, ok = clients[clientID]; !ok {
		return len(clients), nil
	}
	delete(clients, clientID)

	size, err := r.store.Resize(ctx, code, -1)
	if errors.Is(err, model.ErrRoomNotFound) {
		size, err = 0, nil
	}
	if err != nil {
		return len(clients), err
	}
	if len(clients) == 0 && size == 0 {
		return 0, r.deleteLocked(ctx, code)
	}
	if len(clients) == 0 {
		// other instances still hold clients of this room
		delete(r.clients, code)
	}
	return size, nil
}

// Peers returns a snapshot of the room's local clients except the given one.
func (r *Registry) Peers(code, except string) map[string]model.Wire {
	r.mx.Lock()
	defer r.mx.Unlock()

	peers := make(map[string]model.Wire)
	for id, wire := range r.clients[model.NormalizeCode(code)] {
		if id != except {
			peers[id] = wire
		}
	}
	return peers
}
