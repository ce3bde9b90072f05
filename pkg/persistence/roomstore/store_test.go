package roomstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(dsn)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(context.Background(), RedisSettings{Addr: mr.Addr()})
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"redis":  rs,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			st, err := s.Load(ctx, "room-1")
			require.NoError(t, err)
			require.Equal(t, 0, st.Len())

			now := time.UnixMilli(1_700_000_000_000).UTC()
			st.Append(conversation.UserTurn("hi"), conversation.AssistantTurn("hello"))
			st.Touch(now)
			require.NoError(t, s.Save(ctx, "room-1", st))

			// later mutation of the caller's copy must not leak into the store
			st.Append(conversation.UserTurn("unsaved"))

			got, err := s.Load(ctx, "room-1")
			require.NoError(t, err)
			require.Equal(t, []conversation.Turn{
				conversation.UserTurn("hi"),
				conversation.AssistantTurn("hello"),
			}, got.Turns)
			require.True(t, now.Equal(got.LastUpdate))

			other, err := s.Load(ctx, "room-2")
			require.NoError(t, err)
			require.Equal(t, 0, other.Len())
		})
	}
}

func TestStoreList(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"a", "b", "c"} {
				st := conversation.NewRoomState()
				for j := 0; j <= i; j++ {
					st.Append(conversation.UserTurn("x"))
				}
				st.Touch(time.UnixMilli(int64(1000 * (i + 1))))
				require.NoError(t, s.Save(ctx, id, st))
			}

			recs, err := s.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			require.Equal(t, "c", recs[0].RoomID)
			require.Equal(t, 3, recs[0].Turns)
			require.Equal(t, "b", recs[1].RoomID)
		})
	}
}

func TestStoreRejectsEmptyRoomID(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), " ")
			require.Error(t, err)
			require.Error(t, s.Save(context.Background(), "", conversation.NewRoomState()))
			require.Error(t, s.Save(context.Background(), "r", nil))
		})
	}
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "test:", time.Minute)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	st := conversation.NewRoomState()
	st.Append(conversation.UserTurn("hi"))
	require.NoError(t, s.Save(ctx, "r", st))
	require.True(t, mr.Exists("test:room:r"))
	require.Equal(t, time.Minute, mr.TTL("test:room:r"))

	mr.FastForward(2 * time.Minute)
	got, err := s.Load(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, 0, got.Len())

	recs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	ctx := context.Background()

	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	st := conversation.NewRoomState()
	st.Append(conversation.UserTurn("persisted"))
	require.NoError(t, s.Save(ctx, "r", st))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Load(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, "persisted", got.Turns[0].Content)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Settings{})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	_, err = Open(ctx, Settings{Driver: DriverSQLite})
	require.Error(t, err)

	s, err = Open(ctx, Settings{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Settings{Driver: "etcd"})
	require.Error(t, err)
}
