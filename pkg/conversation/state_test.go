package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoomStateAppendKeepsOrder(t *testing.T) {
	s := NewRoomState()
	s.Append(UserTurn("a"))
	s.Append(AssistantTurn("b"), AssistantTurn("c"))

	require.Equal(t, []Turn{UserTurn("a"), AssistantTurn("b"), AssistantTurn("c")}, s.Snapshot())
	require.Equal(t, 3, s.Len())
}

func TestRoomStateSnapshotIsStable(t *testing.T) {
	s := NewRoomState()
	s.Append(UserTurn("a"))
	snap := s.Snapshot()
	s.Append(AssistantTurn("b"))
	s.ReplaceLast(AssistantTurn("c"))

	require.Len(t, snap, 1)
	require.Equal(t, UserTurn("a"), snap[0])
}

func TestRoomStateReplaceLast(t *testing.T) {
	s := NewRoomState()
	s.ReplaceLast(AssistantTurn("thinking…"))
	require.Equal(t, 1, s.Len())

	s.ReplaceLast(AssistantTurn("done"))
	require.Equal(t, []Turn{AssistantTurn("done")}, s.Turns)
}

func TestRoomStateCloneDoesNotAlias(t *testing.T) {
	s := NewRoomState()
	s.Append(UserTurn("a"))
	now := time.Now()
	s.Touch(now)

	c := s.Clone()
	c.Append(UserTurn("b"))
	require.Equal(t, 1, s.Len())
	require.Equal(t, now, c.LastUpdate)
}
