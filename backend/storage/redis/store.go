package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/adwski/webrtc-rooms/backend/model"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "webrtc-rooms:"

	fieldCode      = "code"
	fieldCreatedAt = "created_at"
	fieldExplicit  = "explicit"
	fieldSize      = "size"
)

// Store keeps room metadata in redis so that every broker instance
// sharing the same redis sees the same set of rooms.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

type Config struct {
	Client redis.UniversalClient
	Prefix string
}

func NewStore(cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		rdb:    cfg.Client,
		prefix: prefix,
	}
}

func (s *Store) roomKey(code string) string {
	return s.prefix + "room:" + code
}

func (s *Store) indexKey() string {
	return s.prefix + "rooms"
}

func (s *Store) Create(ctx context.Context, room model.Room) error {
	key := s.roomKey(room.Code)
	created, err := s.rdb.HSetNX(ctx, key, fieldCode, room.Code).Result()
	if err != nil {
		return fmt.Errorf("cannot reserve room code: %w", err)
	}
	if !created {
		return model.ErrRoomExists
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldCreatedAt, room.CreatedAt.UTC().Format(time.RFC3339Nano),
			fieldExplicit, strconv.FormatBool(room.Explicit),
			fieldSize, room.Size)
		pipe.SAdd(ctx, s.indexKey(), room.Code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot store room: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, code string) (model.Room, error) {
	fields, err := s.rdb.HGetAll(ctx, s.roomKey(code)).Result()
	if err != nil {
		return model.Room{}, fmt.Errorf("cannot read room: %w", err)
	}
	if len(fields) == 0 {
		return model.Room{}, model.ErrRoomNotFound
	}
	return decodeRoom(fields)
}

func (s *Store) Delete(ctx context.Context, code string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.roomKey(code))
		pipe.SRem(ctx, s.indexKey(), code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot delete room: %w", err)
	}
	return nil
}

func (s *Store) Resize(ctx context.Context, code string, delta int) (int, error) {
	key := s.roomKey(code)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot check room: %w", err)
	}
	if exists == 0 {
		return 0, model.ErrRoomNotFound
	}
	size, err := s.rdb.HIncrBy(ctx, key, fieldSize, int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot resize room: %w", err)
	}
	if size < 0 {
		if err = s.rdb.HSet(ctx, key, fieldSize, 0).Err(); err != nil {
			return 0, fmt.Errorf("cannot resize room: %w", err)
		}
		size = 0
	}
	return int(size), nil
}

func (s *Store) List(ctx context.Context) ([]model.Room, error) {
	codes, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot list rooms: %w", err)
	}
	sort.Strings(codes)

	rooms := make([]model.Room, 0, len(codes))
	for _, code := range codes {
		room, errG := s.Get(ctx, code)
		if errors.Is(errG, model.ErrRoomNotFound) {
			// index entry outlived the room hash
			continue
		}
		if errG != nil {
			return nil, errG
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func decodeRoom(fields map[string]string) (model.Room, error) {
	room := model.Room{Code: fields[fieldCode]}

	var err error
	if v, ok := fields[fieldCreatedAt]; ok {
		if room.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return model.Room{}, fmt.Errorf("malformed %s: %w", fieldCreatedAt, err)
		}
	}
	if v, ok := fields[fieldExplicit]; ok {
		if room.Explicit, err = strconv.ParseBool(v); err != nil {
			return model.Room{}, fmt.Errorf("malformed %s: %w", fieldExplicit, err)
		}
	}
	if v, ok := fields[fieldSize]; ok {
		if room.Size, err = strconv.Atoi(v); err != nil {
			return model.Room{}, fmt.Errorf("malformed %s: %w", fieldSize, err)
		}
	}
	return room, nil
}
