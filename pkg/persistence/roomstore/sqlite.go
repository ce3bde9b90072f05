package roomstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
)

// SQLiteStore keeps one row per room holding the JSON-encoded state.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite room store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout for path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite room store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
		  room_id TEXT PRIMARY KEY,
		  turn_count INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  state_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS rooms_by_updated ON rooms(updated_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite room store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, roomID string) (*conversation.RoomState, error) {
	roomID, err := validRoomID(roomID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite room store")
	}
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT state_json FROM rooms WHERE room_id = ?`, roomID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.NewRoomState(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite room store: load")
	}
	st := conversation.NewRoomState()
	if err := json.Unmarshal([]byte(raw), st); err != nil {
		return nil, errors.Wrapf(err, "sqlite room store: decode room %s", roomID)
	}
	return st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, roomID string, state *conversation.RoomState) error {
	roomID, err := validRoomID(roomID)
	if err != nil {
		return errors.Wrap(err, "sqlite room store")
	}
	if state == nil {
		return errors.New("sqlite room store: state is nil")
	}
	b, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "sqlite room store: encode")
	}
	updated := state.LastUpdate
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, turn_count, updated_at_ms, state_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			turn_count = excluded.turn_count,
			updated_at_ms = excluded.updated_at_ms,
			state_json = excluded.state_json
	`, roomID, state.Len(), updated.UnixMilli(), string(b))
	if err != nil {
		return errors.Wrap(err, "sqlite room store: save")
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]RoomRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, turn_count, updated_at_ms
		FROM rooms
		ORDER BY updated_at_ms DESC, room_id ASC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite room store: list")
	}
	defer func() { _ = rows.Close() }()

	var out []RoomRecord
	for rows.Next() {
		var (
			rec RoomRecord
			ms  int64
		)
		if err := rows.Scan(&rec.RoomID, &rec.Turns, &ms); err != nil {
			return nil, errors.Wrap(err, "sqlite room store: scan")
		}
		rec.LastUpdate = time.UnixMilli(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}
