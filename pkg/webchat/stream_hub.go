package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// envelope is the message published on a room topic. Target and Except
// select the receiving connections; the embedded turn is what the client sees.
type envelope struct {
	Target string `json:"target,omitempty"`
	Except string `json:"except,omitempty"`
	conversation.Turn
}

func topicForRoom(roomID string) string { return "room:" + roomID }

type StreamHubConfig struct {
	BaseCtx   context.Context
	Transport *redisstream.Transport
	Pool      *ConnectionPool
	Logger    zerolog.Logger
}

// StreamHub carries relay output from the relay to the room's websocket
// connections through one Watermill topic per room. It is the relay's Sink
// and the registry's Lifecycle: a reader is subscribed while a room has a
// relay.
type StreamHub struct {
	baseCtx   context.Context
	transport *redisstream.Transport
	pool      *ConnectionPool
	log       zerolog.Logger

	mu      sync.Mutex
	readers map[string]*roomReader
}

type roomReader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ relay.Sink      = (*StreamHub)(nil)
	_ relay.Lifecycle = (*StreamHub)(nil)
)

func NewStreamHub(cfg StreamHubConfig) (*StreamHub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("stream hub base context is nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("stream hub transport is nil")
	}
	if cfg.Pool == nil {
		return nil, errors.New("stream hub connection pool is nil")
	}
	return &StreamHub{
		baseCtx:   cfg.BaseCtx,
		transport: cfg.Transport,
		pool:      cfg.Pool,
		log:       cfg.Logger.With().Str("component", "stream_hub").Logger(),
		readers:   map[string]*roomReader{},
	}, nil
}

// Deliver publishes f on the room topic.
func (h *StreamHub) Deliver(ctx context.Context, roomID string, f relay.Frame) error {
	b, err := json.Marshal(envelope{Target: f.Target, Except: f.Except, Turn: f.Turn})
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.SetContext(ctx)
	if err := h.transport.Publisher.Publish(topicForRoom(roomID), msg); err != nil {
		return errors.Wrapf(err, "publish to room %s", roomID)
	}
	return nil
}

// RoomOpened subscribes a reader to the room topic.
func (h *StreamHub) RoomOpened(ctx context.Context, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.readers[roomID]; ok {
		return nil
	}
	topic := topicForRoom(roomID)
	if err := h.transport.Prepare(ctx, topic); err != nil {
		return errors.Wrapf(err, "prepare topic %s", topic)
	}
	readerCtx, cancel := context.WithCancel(h.baseCtx)
	ch, err := h.transport.Subscriber.Subscribe(readerCtx, topic)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "subscribe to %s", topic)
	}
	rd := &roomReader{cancel: cancel, done: make(chan struct{})}
	h.readers[roomID] = rd
	go h.read(roomID, ch, rd.done)
	h.log.Debug().Str("room_id", roomID).Str("topic", topic).Msg("room reader started")
	return nil
}

// RoomClosed stops the room's reader.
func (h *StreamHub) RoomClosed(roomID string) {
	h.mu.Lock()
	rd := h.readers[roomID]
	delete(h.readers, roomID)
	h.mu.Unlock()
	if rd != nil {
		rd.cancel()
		h.log.Debug().Str("room_id", roomID).Msg("room reader stopped")
	}
}

// Rooms is the number of rooms with a running reader.
func (h *StreamHub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readers)
}

// Close stops every reader and waits for them to exit.
func (h *StreamHub) Close() {
	h.mu.Lock()
	readers := h.readers
	h.readers = map[string]*roomReader{}
	h.mu.Unlock()
	for _, rd := range readers {
		rd.cancel()
	}
	for _, rd := range readers {
		<-rd.done
	}
}

func (h *StreamHub) read(roomID string, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log := h.log.With().Str("room_id", roomID).Logger()
	for msg := range ch {
		h.dispatch(log, roomID, msg.Payload)
		msg.Ack()
	}
}

func (h *StreamHub) dispatch(log zerolog.Logger, roomID string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	data, err := json.Marshal(env.Turn)
	if err != nil {
		log.Warn().Err(err).Msg("re-encoding frame")
		return
	}
	if target := strings.TrimSpace(env.Target); target != "" {
		h.pool.SendToOne(target, data)
		return
	}
	h.pool.Broadcast(roomID, data, env.Except)
}
