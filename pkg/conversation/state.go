package conversation

import "time"

// RoomState is the ordered transcript of one room. Turns are only ever
// appended (or the last one replaced); they are never reordered.
//
// A RoomState has a single owner, the room's relay, so it carries no lock.
type RoomState struct {
	Turns      []Turn    `json:"turns"`
	LastUpdate time.Time `json:"last_update"`
}

func NewRoomState() *RoomState {
	return &RoomState{Turns: []Turn{}}
}

// Append adds turns at the end, in argument order.
func (s *RoomState) Append(turns ...Turn) {
	s.Turns = append(s.Turns, turns...)
}

// ReplaceLast overwrites the most recent turn, or appends when the state is empty.
// Used for placeholder turns that are later filled in.
func (s *RoomState) ReplaceLast(t Turn) {
	if len(s.Turns) == 0 {
		s.Turns = append(s.Turns, t)
		return
	}
	s.Turns[len(s.Turns)-1] = t
}

// Snapshot returns a copy of the transcript that later appends do not affect.
func (s *RoomState) Snapshot() []Turn {
	out := make([]Turn, len(s.Turns))
	copy(out, s.Turns)
	return out
}

func (s *RoomState) Len() int { return len(s.Turns) }

func (s *RoomState) Touch(now time.Time) { s.LastUpdate = now }

// Clone deep-copies the state so stores can hand out values without aliasing.
func (s *RoomState) Clone() *RoomState {
	if s == nil {
		return nil
	}
	return &RoomState{Turns: s.Snapshot(), LastUpdate: s.LastUpdate}
}
