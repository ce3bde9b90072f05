package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Lifecycle is told when a room gets a relay and when it loses it. Both calls
// happen under the registry lock, so for one room they never interleave.
type Lifecycle interface {
	RoomOpened(ctx context.Context, roomID string) error
	RoomClosed(roomID string)
}

// Registry maps room ids to their relay, creating relays on first reference
// and evicting idle ones. Room state outlives eviction in the store.
type Registry struct {
	base  context.Context
	opts  *Options
	tools map[string]Tool

	mu            sync.Mutex
	rooms         map[string]*Relay
	lifecycle     Lifecycle
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

// NewRegistry builds a registry whose jobs run under base.
func NewRegistry(base context.Context, opts Options) (*Registry, error) {
	if base == nil {
		return nil, errors.New("relay: nil base context")
	}
	if opts.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if opts.LLM == nil {
		return nil, errors.New("relay: inference client is required")
	}
	tools := make(map[string]Tool, len(opts.Tools))
	for _, t := range opts.Tools {
		name := t.Definition().Name
		if _, dup := tools[name]; dup {
			return nil, errors.Errorf("relay: duplicate tool %q", name)
		}
		tools[name] = t
	}
	return &Registry{
		base:  base,
		opts:  &opts,
		tools: tools,
		rooms: map[string]*Relay{},
	}, nil
}

func (g *Registry) SetLifecycle(l Lifecycle) {
	g.mu.Lock()
	g.lifecycle = l
	g.mu.Unlock()
}

// GetOrCreate returns the room's relay, creating it if needed.
func (g *Registry) GetOrCreate(roomID string) (*Relay, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getOrCreateLocked(roomID)
}

func (g *Registry) getOrCreateLocked(roomID string) (*Relay, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, errors.New("relay: empty room id")
	}
	if r, ok := g.rooms[roomID]; ok {
		return r, nil
	}
	if g.lifecycle != nil {
		if err := g.lifecycle.RoomOpened(g.base, roomID); err != nil {
			return nil, errors.Wrapf(err, "relay: open room %s", roomID)
		}
	}
	r := newRelay(g.base, roomID, g.opts, g.tools)
	g.rooms[roomID] = r
	g.opts.Logger.Debug().Str("room_id", roomID).Msg("room relay created")
	return r, nil
}

// Attach gets or creates the room's relay and attaches connID to it in one
// step, so eviction cannot slip in between.
func (g *Registry) Attach(roomID, connID string) (*Relay, <-chan struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, err := g.getOrCreateLocked(roomID)
	if err != nil {
		return nil, nil, err
	}
	return r, r.Attach(connID), nil
}

func (g *Registry) Get(roomID string) (*Relay, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	return r, ok
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *Registry) SetEvictionConfig(idle, interval time.Duration) {
	g.mu.Lock()
	g.evictIdle = idle
	g.evictInterval = interval
	g.mu.Unlock()
}

// StartEvictionLoop runs until ctx is done. It is a no-op when eviction is
// not configured or the loop already runs.
func (g *Registry) StartEvictionLoop(ctx context.Context) {
	if ctx == nil {
		panic("relay: StartEvictionLoop requires non-nil ctx")
	}
	g.mu.Lock()
	if g.evictRunning {
		g.mu.Unlock()
		return
	}
	idle := g.evictIdle
	interval := g.evictInterval
	if idle <= 0 || interval <= 0 {
		g.mu.Unlock()
		return
	}
	g.evictRunning = true
	g.mu.Unlock()

	go g.runEvictionLoop(ctx, interval)
}

func (g *Registry) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.evictRunning = false
			g.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := g.evictIdleOnce(now); n > 0 {
				g.opts.Logger.Debug().Int("evicted", n).Int("rooms", g.Len()).Msg("evicted idle rooms")
			}
		}
	}
}

func (g *Registry) evictIdleOnce(now time.Time) int {
	if now.IsZero() {
		now = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evictIdle <= 0 {
		return 0
	}
	evicted := 0
	for id, r := range g.rooms {
		last, idle := r.idleSince()
		if !idle || now.Sub(last) < g.evictIdle {
			continue
		}
		delete(g.rooms, id)
		if g.lifecycle != nil {
			g.lifecycle.RoomClosed(id)
		}
		evicted++
	}
	return evicted
}
