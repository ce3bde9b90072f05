package roomstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
)

// RoomRecord summarizes a stored room for listings.
type RoomRecord struct {
	RoomID     string    `json:"room_id"`
	Turns      int       `json:"turns"`
	LastUpdate time.Time `json:"last_update"`
}

// Store is the durable home of per-room conversation state. The relay loads
// the state before each job and saves it after every mutation.
//
// Load returns an empty state (and no error) for a room that was never saved.
type Store interface {
	Load(ctx context.Context, roomID string) (*conversation.RoomState, error)
	Save(ctx context.Context, roomID string, state *conversation.RoomState) error
	List(ctx context.Context, limit int) ([]RoomRecord, error)
	Close() error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Settings struct {
	Driver string
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string
	Redis      RedisSettings
}

type RedisSettings struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Open builds the store selected by s.Driver.
func Open(ctx context.Context, s Settings) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		dsn, err := SQLiteDSNForFile(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case DriverRedis:
		return NewRedisStore(ctx, s.Redis)
	default:
		return nil, errors.Errorf("unknown storage driver %q", s.Driver)
	}
}

func validRoomID(roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", errors.New("room id is empty")
	}
	return roomID, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
