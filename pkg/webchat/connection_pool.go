package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// ConnectionPool tracks the live websocket connections of this process by
// connection id. Each connection has one writer goroutine fed by a buffered
// queue, so frames reach a connection in the order they were queued. When a
// queue is full the sender waits for room up to the write timeout, which
// throttles whoever is publishing to the room. A connection that stays full
// past the timeout, or whose write fails, is dropped.
type ConnectionPool struct {
	mu      sync.Mutex
	clients map[string]*poolClient

	sendBuffer   int
	writeTimeout time.Duration
	log          zerolog.Logger
}

type poolClient struct {
	id     string
	roomID string
	conn   wsConn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewConnectionPool(writeTimeout time.Duration, log zerolog.Logger) *ConnectionPool {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &ConnectionPool{
		clients:      map[string]*poolClient{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: writeTimeout,
		log:          log.With().Str("component", "connection_pool").Logger(),
	}
}

// Add registers conn as connID in roomID and starts its writer.
func (p *ConnectionPool) Add(roomID, connID string, conn wsConn) {
	if conn == nil || connID == "" {
		return
	}
	buf := p.sendBuffer
	if buf <= 0 {
		buf = 1
	}
	c := &poolClient{
		id:     connID,
		roomID: roomID,
		conn:   conn,
		send:   make(chan []byte, buf),
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	old := p.clients[connID]
	p.clients[connID] = c
	p.mu.Unlock()
	if old != nil {
		p.closeClient(old)
	}
	go p.writeLoop(c)
}

// Remove drops connID and closes its connection. It is safe to call twice.
func (p *ConnectionPool) Remove(connID string) {
	p.mu.Lock()
	c := p.clients[connID]
	delete(p.clients, connID)
	p.mu.Unlock()
	if c != nil {
		p.closeClient(c)
	}
}

// SendToOne queues data for connID. Unknown ids are ignored; the connection
// may live in another process.
func (p *ConnectionPool) SendToOne(connID string, data []byte) {
	p.mu.Lock()
	c := p.clients[connID]
	p.mu.Unlock()
	if c != nil {
		p.enqueue(c, data)
	}
}

// Broadcast queues data for every connection of roomID except except.
func (p *ConnectionPool) Broadcast(roomID string, data []byte, except string) {
	p.mu.Lock()
	targets := make([]*poolClient, 0, len(p.clients))
	for id, c := range p.clients {
		if c.roomID == roomID && id != except {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()
	for _, c := range targets {
		p.enqueue(c, data)
	}
}

// Count is the number of connections in roomID.
func (p *ConnectionPool) Count(roomID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clients {
		if c.roomID == roomID {
			n++
		}
	}
	return n
}

func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = map[string]*poolClient{}
	p.mu.Unlock()
	for _, c := range clients {
		p.closeClient(c)
	}
}

func (p *ConnectionPool) enqueue(c *poolClient, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
		return
	case <-c.done:
		return
	default:
	}
	if p.writeTimeout <= 0 {
		p.log.Warn().Str("conn_id", c.id).Str("room_id", c.roomID).Msg("send queue full, dropping connection")
		p.drop(c)
		return
	}

	timer := time.NewTimer(p.writeTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
	case <-c.done:
	case <-timer.C:
		p.log.Warn().
			Str("conn_id", c.id).
			Str("room_id", c.roomID).
			Dur("waited", p.writeTimeout).
			Msg("send queue stalled, dropping connection")
		p.drop(c)
	}
}

func (p *ConnectionPool) writeLoop(c *poolClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if p.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.Debug().Err(err).Str("conn_id", c.id).Msg("write failed, dropping connection")
				p.drop(c)
				return
			}
		}
	}
}

// drop removes c if it is still the registered client for its id.
func (p *ConnectionPool) drop(c *poolClient) {
	p.mu.Lock()
	if cur, ok := p.clients[c.id]; ok && cur == c {
		delete(p.clients, c.id)
	}
	p.mu.Unlock()
	p.closeClient(c)
}

func (p *ConnectionPool) closeClient(c *poolClient) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
