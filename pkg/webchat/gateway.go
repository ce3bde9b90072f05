package webchat

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/chatrelay/pkg/identity"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const (
	HeaderRoomID    = "X-Room-Id"
	HeaderRoomToken = "X-Room-Token"

	defaultPingInterval = 30 * time.Second
	maxInboundFrame     = 64 << 10
)

type GatewayConfig struct {
	Registry       *relay.Registry
	Pool           *ConnectionPool
	Resolver       *identity.Resolver
	AllowedOrigins []string
	PingInterval   time.Duration
	Logger         zerolog.Logger
}

// Gateway is the /ws handler. It resolves the connection's room, registers
// the connection with the pool, attaches it to the room's relay and feeds
// inbound frames to the relay until the socket closes.
type Gateway struct {
	registry     *relay.Registry
	pool         *ConnectionPool
	resolver     *identity.Resolver
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	log          zerolog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Registry == nil {
		panic("webchat: NewGateway requires a registry")
	}
	if cfg.Pool == nil {
		panic("webchat: NewGateway requires a connection pool")
	}
	if cfg.Resolver == nil {
		panic("webchat: NewGateway requires an identity resolver")
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	return &Gateway{
		registry: cfg.Registry,
		pool:     cfg.Pool,
		resolver: cfg.Resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		pingInterval: ping,
		log:          cfg.Logger.With().Str("component", "webchat").Logger(),
	}
}

// originChecker allows any origin when allowed is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	set := map[string]struct{}{}
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := g.resolver.Resolve(req)

	hdr := http.Header{}
	hdr.Set(HeaderRoomID, id.RoomID)
	if id.Token != "" {
		hdr.Set(HeaderRoomToken, id.Token)
	}
	conn, err := g.upgrader.Upgrade(w, req, hdr)
	if err != nil {
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	wsLog := g.log.With().
		Str("room_id", id.RoomID).
		Str("conn_id", connID).
		Str("remote", conn.RemoteAddr().String()).
		Bool("anonymous", id.Anonymous).
		Logger()

	g.pool.Add(id.RoomID, connID, conn)
	rel, _, err := g.registry.Attach(id.RoomID, connID)
	if err != nil {
		wsLog.Error().Err(err).Msg("attach to room failed")
		g.pool.Remove(connID)
		return
	}
	wsLog.Info().Msg("ws connected")

	go g.readLoop(conn, rel, connID, wsLog)
}

func (g *Gateway) readLoop(conn *websocket.Conn, rel *relay.Relay, connID string, wsLog zerolog.Logger) {
	pongWait := 2 * g.pingInterval
	stop := make(chan struct{})
	defer func() {
		close(stop)
		rel.Detach(connID)
		g.pool.Remove(connID)
		wsLog.Info().Msg("ws disconnected")
	}()

	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go g.keepalive(conn, stop, wsLog)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsLog.Debug().Err(err).Msg("ws read loop end")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			wsLog.Debug().Int("type", msgType).Msg("ignoring non-text frame")
			continue
		}
		rel.Submit(connID, data)
	}
}

// keepalive pings the peer until stop closes. WriteControl may run
// concurrently with the pool's writer.
func (g *Gateway) keepalive(conn *websocket.Conn, stop <-chan struct{}, wsLog zerolog.Logger) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(g.pingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				wsLog.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
