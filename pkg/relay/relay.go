// Package relay owns per-room conversation state and mediates between client
// connections, the inference backend and the fetch tool.
//
// Each room has one Relay. Work for a room (attaching a connection, handling
// an inbound frame) is queued and run one job at a time on a drain goroutine,
// so a room never has two pipelines in flight. Rooms run independently.
package relay

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/inference"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
	"github.com/go-go-golems/chatrelay/pkg/tools/fetch"
)

// Greeting is sent to a connection that attaches to a room with no history.
const Greeting = "Hello! I'm an AI assistant. Ask me anything!"

type State int32

const (
	Idle State = iota
	AwaitingInference
	ProcessingOutput
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInference:
		return "awaiting_inference"
	case ProcessingOutput:
		return "processing_output"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Frame is an outbound turn. An empty Target addresses every connection of
// the room except Except; a non-empty Target addresses that connection only.
type Frame struct {
	Target string
	Except string
	Turn   conversation.Turn
}

// Sink delivers frames to the room's connections in the order given.
type Sink interface {
	Deliver(ctx context.Context, roomID string, f Frame) error
}

// Tool is a function the primary model may call.
type Tool interface {
	Definition() inference.Tool
	Run(ctx context.Context, arguments string, emit fetch.Emitter) error
}

// Options are shared by every relay of a registry.
type Options struct {
	Store           roomstore.Store
	LLM             inference.Client
	Models          inference.Models
	Tools           []Tool
	Sink            Sink
	Instructions    string
	MaxTokens       int
	ReasoningEffort string
	Logger          zerolog.Logger
	Now             func() time.Time
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

type jobKind int

const (
	jobAttach jobKind = iota
	jobMessage
)

type job struct {
	kind    jobKind
	connID  string
	payload []byte
	done    chan struct{}
}

// Relay is the single owner of one room's state.
type Relay struct {
	roomID string
	opts   *Options
	tools  map[string]Tool
	base   context.Context
	log    zerolog.Logger

	state atomic.Int32

	mu           sync.Mutex
	queue        []job
	running      bool
	conns        map[string]struct{}
	lastActivity time.Time
}

func newRelay(base context.Context, roomID string, opts *Options, tools map[string]Tool) *Relay {
	return &Relay{
		roomID:       roomID,
		opts:         opts,
		tools:        tools,
		base:         base,
		log:          opts.Logger.With().Str("component", "relay").Str("room_id", roomID).Logger(),
		conns:        map[string]struct{}{},
		lastActivity: opts.now(),
	}
}

func (r *Relay) RoomID() string { return r.roomID }

func (r *Relay) State() State { return State(r.state.Load()) }

func (r *Relay) setState(s State) { r.state.Store(int32(s)) }

// Attach registers connID and queues the history replay (or greeting) for it.
// The returned channel closes once the replay has been delivered.
func (r *Relay) Attach(connID string) <-chan struct{} {
	r.mu.Lock()
	r.conns[connID] = struct{}{}
	r.mu.Unlock()
	return r.enqueue(job{kind: jobAttach, connID: connID})
}

// Detach forgets connID. Queued and running jobs for it still complete.
func (r *Relay) Detach(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.lastActivity = r.opts.now()
	r.mu.Unlock()
}

// Submit queues an inbound frame from connID. The returned channel closes
// when the frame has been fully processed.
func (r *Relay) Submit(connID string, payload []byte) <-chan struct{} {
	return r.enqueue(job{kind: jobMessage, connID: connID, payload: payload})
}

// Connections is the number of attached connections.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// idleSince reports when the relay last did anything, and false while it has
// connections or work.
func (r *Relay) idleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || len(r.queue) > 0 || len(r.conns) > 0 {
		return time.Time{}, false
	}
	return r.lastActivity, true
}

func (r *Relay) enqueue(j job) <-chan struct{} {
	j.done = make(chan struct{})
	r.mu.Lock()
	r.queue = append(r.queue, j)
	r.lastActivity = r.opts.now()
	start := !r.running
	if start {
		r.running = true
	}
	r.mu.Unlock()
	if start {
		go r.drain()
	}
	return j.done
}

func (r *Relay) dequeue() (job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		r.running = false
		r.lastActivity = r.opts.now()
		return job{}, false
	}
	j := r.queue[0]
	r.queue[0] = job{}
	r.queue = r.queue[1:]
	return j, true
}

func (r *Relay) drain() {
	for {
		j, ok := r.dequeue()
		if !ok {
			return
		}
		r.run(j)
		close(j.done)
	}
}

// run executes one job. Jobs use the registry's base context so a client
// disconnect never aborts a pipeline halfway.
func (r *Relay) run(j job) {
	log := r.log.With().Str("conn_id", j.connID).Logger()
	ctx := log.WithContext(r.base)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("relay job panicked")
			r.sendError(ctx, j.connID, errors.Errorf("panic: %v", rec))
		}
		r.setState(Idle)
	}()

	switch j.kind {
	case jobAttach:
		r.replay(ctx, j.connID)
	case jobMessage:
		r.handleMessage(ctx, j.connID, j.payload)
	}
}

func (r *Relay) replay(ctx context.Context, connID string) {
	st, err := r.opts.Store.Load(ctx, r.roomID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("load room for replay")
		r.sendError(ctx, connID, err)
		return
	}
	if st.Len() == 0 {
		r.deliver(ctx, Frame{Target: connID, Turn: conversation.AssistantTurn(Greeting)})
		return
	}
	for _, t := range st.Snapshot() {
		r.deliver(ctx, Frame{Target: connID, Turn: t})
	}
	zerolog.Ctx(ctx).Debug().Int("turns", st.Len()).Msg("replayed room history")
}

func (r *Relay) handleMessage(ctx context.Context, connID string, payload []byte) {
	log := zerolog.Ctx(ctx)

	userTurn, err := conversation.ParseInbound(payload)
	if err != nil {
		log.Debug().Err(err).Msg("rejected inbound frame")
		r.sendError(ctx, connID, err)
		return
	}

	st, err := r.opts.Store.Load(ctx, r.roomID)
	if err != nil {
		log.Error().Err(err).Msg("load room")
		r.sendError(ctx, connID, err)
		return
	}
	st.Append(userTurn)
	st.Touch(r.opts.now())
	if err := r.opts.Store.Save(ctx, r.roomID, st); err != nil {
		log.Error().Err(err).Msg("save user turn")
		r.sendError(ctx, connID, err)
		return
	}
	r.deliver(ctx, Frame{Except: connID, Turn: userTurn})

	r.setState(AwaitingInference)
	out, err := r.opts.LLM.Run(ctx, r.opts.Models.Primary, inference.Request{
		Instructions:    r.opts.Instructions,
		Input:           st.Snapshot(),
		Tools:           r.toolDefinitions(),
		MaxTokens:       r.opts.MaxTokens,
		ReasoningEffort: r.opts.ReasoningEffort,
	})
	if err != nil {
		log.Warn().Err(err).Msg("primary inference failed")
		r.sendError(ctx, connID, err)
		return
	}
	if out == nil {
		r.sendError(ctx, connID, errors.Wrap(inference.ErrInvalidResponse, "nil output"))
		return
	}

	r.setState(ProcessingOutput)
	var staged []conversation.Turn
	emit := func(t conversation.Turn) {
		staged = append(staged, t)
		r.deliver(ctx, Frame{Turn: t})
	}
	for _, item := range out.Items {
		switch item.Type {
		case inference.ItemMessage:
			text := item.Text()
			if strings.TrimSpace(text) == "" {
				continue
			}
			emit(conversation.AssistantTurn(text))
		case inference.ItemFunctionCall:
			tool, ok := r.tools[item.Name]
			if !ok {
				log.Warn().Str("tool", item.Name).Msg("model called unknown tool, ignoring")
				continue
			}
			if err := tool.Run(ctx, item.Arguments, emit); err != nil {
				log.Warn().Err(err).Str("tool", item.Name).Msg("tool failed")
				r.sendError(ctx, connID, err)
				return
			}
		default:
			// reasoning and unknown item types produce no turn
		}
	}

	if len(staged) == 0 {
		return
	}
	st.Append(staged...)
	st.Touch(r.opts.now())
	if err := r.opts.Store.Save(ctx, r.roomID, st); err != nil {
		log.Error().Err(err).Int("turns", len(staged)).Msg("save assistant turns")
		r.sendError(ctx, connID, err)
	}
}

func (r *Relay) toolDefinitions() []inference.Tool {
	defs := make([]inference.Tool, 0, len(r.opts.Tools))
	for _, t := range r.opts.Tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

func (r *Relay) sendError(ctx context.Context, connID string, err error) {
	r.deliver(ctx, Frame{Target: connID, Turn: ErrorTurn(err)})
}

func (r *Relay) deliver(ctx context.Context, f Frame) {
	if r.opts.Sink == nil {
		return
	}
	if err := r.opts.Sink.Deliver(ctx, r.roomID, f); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("role", string(f.Turn.Role)).Msg("deliver frame")
	}
}
