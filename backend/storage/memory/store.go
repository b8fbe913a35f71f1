package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/adwski/webrtc-rooms/backend/model"
)

// MemStore keeps room metadata in process memory.
// It is suitable for single instance deployments only.
type MemStore struct {
	mx *sync.Mutex
	db map[string]*model.Room
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]*model.Room),
	}
}

func (ms *MemStore) Create(_ context.Context, room model.Room) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.db[room.Code]; ok {
		return model.ErrRoomExists
	}
	ms.db[room.Code] = &room
	return nil
}

func (ms *MemStore) Get(_ context.Context, code string) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[code]
	if !ok {
		return model.Room{}, model.ErrRoomNotFound
	}
	return *room, nil
}

func (ms *MemStore) Delete(_ context.Context, code string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	delete(ms.db, code)
	return nil
}

func (ms *MemStore) Resize(_ context.Context, code string, delta int) (int, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[code]
	if !ok {
		return 0, model.ErrRoomNotFound
	}
	room.Size += delta
	if room.Size < 0 {
		room.Size = 0
	}
	return room.Size, nil
}

func (ms *MemStore) List(_ context.Context) ([]model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]model.Room, 0, len(ms.db))
	for _, room := range ms.db {
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Code < rooms[j].Code
	})
	return rooms, nil
}
