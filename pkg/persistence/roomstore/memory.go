package roomstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
)

// MemoryStore keeps rooms in process memory. State is copied on the way in
// and out so callers never share slices with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*conversation.RoomState
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: map[string]*conversation.RoomState{}}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (*conversation.RoomState, error) {
	roomID, err := validRoomID(roomID)
	if err != nil {
		return nil, errors.Wrap(err, "memory room store")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.rooms[roomID]; ok {
		return st.Clone(), nil
	}
	return conversation.NewRoomState(), nil
}

func (s *MemoryStore) Save(_ context.Context, roomID string, state *conversation.RoomState) error {
	roomID, err := validRoomID(roomID)
	if err != nil {
		return errors.Wrap(err, "memory room store")
	}
	if state == nil {
		return errors.New("memory room store: state is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = state.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]RoomRecord, error) {
	s.mu.RLock()
	out := make([]RoomRecord, 0, len(s.rooms))
	for id, st := range s.rooms {
		out = append(out, RoomRecord{RoomID: id, Turns: st.Len(), LastUpdate: st.LastUpdate})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
