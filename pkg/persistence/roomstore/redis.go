package roomstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
)

const defaultKeyPrefix = "chatrelay:"

// RedisStore keeps each room as a JSON string under <prefix>room:<id> and
// indexes rooms by last update in the sorted set <prefix>rooms.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = &RedisStore{}

func NewRedisStore(ctx context.Context, s RedisSettings) (*RedisStore, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis room store: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis room store: ping %s", s.Addr)
	}
	return NewRedisStoreFromClient(client, s.KeyPrefix, s.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client. The store owns the client
// and closes it on Close.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) roomKey(roomID string) string { return s.prefix + "room:" + roomID }
func (s *RedisStore) indexKey() string             { return s.prefix + "rooms" }

func (s *RedisStore) Load(ctx context.Context, roomID string) (*conversation.RoomState, error) {
	roomID, err := validRoomID(roomID)
	if err != nil {
		return nil, errors.Wrap(err, "redis room store")
	}
	raw, err := s.client.Get(ctx, s.roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return conversation.NewRoomState(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis room store: load")
	}
	st := conversation.NewRoomState()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, errors.Wrapf(err, "redis room store: decode room %s", roomID)
	}
	return st, nil
}

func (s *RedisStore) Save(ctx context.Context, roomID string, state *conversation.RoomState) error {
	roomID, err := validRoomID(roomID)
	if err != nil {
		return errors.Wrap(err, "redis room store")
	}
	if state == nil {
		return errors.New("redis room store: state is nil")
	}
	b, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "redis room store: encode")
	}
	updated := state.LastUpdate
	if updated.IsZero() {
		updated = time.Now()
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.roomKey(roomID), b, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(updated.UnixMilli()), Member: roomID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis room store: save")
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]RoomRecord, error) {
	ids, err := s.client.ZRevRangeWithScores(ctx, s.indexKey(), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis room store: list")
	}
	out := make([]RoomRecord, 0, len(ids))
	for _, z := range ids {
		roomID, _ := z.Member.(string)
		st, err := s.Load(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if st.Len() == 0 {
			// expired through the TTL; drop the stale index entry
			_ = s.client.ZRem(ctx, s.indexKey(), roomID).Err()
			continue
		}
		out = append(out, RoomRecord{RoomID: roomID, Turns: st.Len(), LastUpdate: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
