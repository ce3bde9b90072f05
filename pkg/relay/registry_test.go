package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/inference"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
	"github.com/go-go-golems/chatrelay/pkg/tools/fetch"
)

type recordingLifecycle struct {
	mu      sync.Mutex
	opened  []string
	closed  []string
	openErr error
}

func (l *recordingLifecycle) RoomOpened(_ context.Context, roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return l.openErr
	}
	l.opened = append(l.opened, roomID)
	return nil
}

func (l *recordingLifecycle) RoomClosed(roomID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, roomID)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, clock *manualClock) *Registry {
	t.Helper()
	reg, err := NewRegistry(context.Background(), Options{
		Store:  roomstore.NewMemoryStore(),
		LLM:    inference.Unavailable{},
		Sink:   &recordingSink{},
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	require.NoError(t, err)
	return reg
}

func TestRegistryGetOrCreate(t *testing.T) {
	reg := newTestRegistry(t, &manualClock{now: time.Unix(1000, 0)})
	lc := &recordingLifecycle{}
	reg.SetLifecycle(lc)

	a, err := reg.GetOrCreate("a")
	require.NoError(t, err)
	a2, err := reg.GetOrCreate("a")
	require.NoError(t, err)
	require.Same(t, a, a2)
	require.Equal(t, "a", a.RoomID())

	_, err = reg.GetOrCreate("b")
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())
	require.Equal(t, []string{"a", "b"}, lc.opened)

	_, ok := reg.Get("missing")
	require.False(t, ok)

	_, err = reg.GetOrCreate("  ")
	require.Error(t, err)
}

func TestRegistryOpenFailureDoesNotRegister(t *testing.T) {
	reg := newTestRegistry(t, &manualClock{now: time.Unix(1000, 0)})
	reg.SetLifecycle(&recordingLifecycle{openErr: errors.New("redis down")})

	_, _, err := reg.Attach("a", "c1")
	require.Error(t, err)
	require.Zero(t, reg.Len())
}

func TestRegistryEvictsOnlyIdleEmptyRooms(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(t, clock)
	lc := &recordingLifecycle{}
	reg.SetLifecycle(lc)
	reg.SetEvictionConfig(time.Minute, time.Second)

	busy, done, err := reg.Attach("busy", "c1")
	require.NoError(t, err)
	wait(t, done)
	left, done, err := reg.Attach("left", "c2")
	require.NoError(t, err)
	wait(t, done)
	left.Detach("c2")

	clock.Advance(30 * time.Second)
	require.Zero(t, reg.evictIdleOnce(clock.Now()))

	clock.Advance(time.Minute)
	require.Equal(t, 1, reg.evictIdleOnce(clock.Now()))
	_, ok := reg.Get("left")
	require.False(t, ok)
	_, ok = reg.Get("busy")
	require.True(t, ok)
	require.Equal(t, 1, busy.Connections())
	require.Equal(t, []string{"left"}, lc.closed)

	// state outlives eviction
	r, done, err := reg.Attach("left", "c3")
	require.NoError(t, err)
	wait(t, done)
	require.NotSame(t, left, r)
}

func TestRegistryRejectsDuplicateTools(t *testing.T) {
	_, err := NewRegistry(context.Background(), Options{
		Store: roomstore.NewMemoryStore(),
		LLM:   inference.Unavailable{},
		Tools: []Tool{stubTool{}, stubTool{}},
	})
	require.Error(t, err)

	_, err = NewRegistry(context.Background(), Options{LLM: inference.Unavailable{}})
	require.Error(t, err)
}

func TestEvictionLoopStopsWithContext(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	reg := newTestRegistry(t, clock)
	reg.SetEvictionConfig(time.Nanosecond, 5*time.Millisecond)

	r, done, err := reg.Attach("a", "c1")
	require.NoError(t, err)
	wait(t, done)
	r.Detach("c1")
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	reg.StartEvictionLoop(ctx)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
}

type stubTool struct{}

func (stubTool) Definition() inference.Tool { return inference.Tool{Name: "stub"} }

func (stubTool) Run(context.Context, string, fetch.Emitter) error { return nil }
