package rendezvous

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/freegram/signaling-server/internal/metrics"
	"github.com/freegram/signaling-server/internal/origin"
	"github.com/freegram/signaling-server/internal/ratelimit"
)

// WSConfig carries the transport tunables for the WebSocket endpoint.
type WSConfig struct {
	// AllowedOrigins is matched against the normalized Origin header. Empty
	// means any origin is accepted.
	AllowedOrigins []string

	// IdleTimeout is the read deadline; pongs and data frames refresh it.
	IdleTimeout time.Duration

	// PingInterval must be shorter than IdleTimeout or healthy idle
	// connections would be reaped.
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendBufferEvents     int
}

// WSServer upgrades HTTP requests and binds each resulting WebSocket to a Hub
// connection.
type WSServer struct {
	hub      *Hub
	cfg      WSConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSServer(hub *Hub, cfg WSConfig, log *slog.Logger) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	s := &WSServer{hub: hub, cfg: cfg, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts browserless clients (no Origin header) and any origin
// when no allowlist is configured.
func (s *WSServer) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	normalized, ok := origin.NormalizeHeader(raw)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, s.cfg.AllowedOrigins)
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.log.Debug("websocket upgrade rejected", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	c := &wsClient{
		server: s,
		id:     id,
		ws:     ws,
		send:   make(chan Envelope, s.cfg.SendBufferEvents),
		closed: make(chan struct{}),
		log:    s.log.With("conn_id", id, "remote", r.RemoteAddr),
	}

	if err := s.hub.Connect(id, c); err != nil {
		c.writeClose(websocket.ClosePolicyViolation, "too many connections")
		ws.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// wsClient is the Sink implementation backed by one gorilla/websocket
// connection. Reads happen on the caller's goroutine, writes on writePump;
// the send channel is the only bridge between them.
type wsClient struct {
	server *WSServer
	id     string
	ws     *websocket.Conn
	send   chan Envelope
	closed chan struct{}
	once   sync.Once
	log    *slog.Logger
}

// Deliver enqueues an outbound event without blocking. A full buffer means
// the client is not draining; the event is dropped rather than stalling the
// Hub.
func (c *wsClient) Deliver(env Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

func (c *wsClient) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *wsClient) markClosed() {
	c.once.Do(func() { close(c.closed) })
}

// readPump owns the read side. It applies the message size cap, the idle
// deadline, and the per-connection rate limit, then hands every valid event
// to the Hub. It returns when the connection dies for any reason.
func (c *wsClient) readPump() {
	cfg := c.server.cfg
	defer func() {
		c.markClosed()
		c.server.hub.Disconnect(c.id)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	rate := int64(cfg.MaxMessagesPerSecond)
	bucket := ratelimit.NewTokenBucket(nil, rate, rate)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		if !bucket.Allow(1) {
			c.server.hub.Metrics().Inc(metrics.DropReasonRateLimited)
			c.log.Warn("closing connection exceeding message rate", "limit", cfg.MaxMessagesPerSecond)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := ParseInbound(data)
		if err != nil {
			c.server.hub.Metrics().Inc(metrics.DropReasonMalformed)
			c.log.Debug("dropping malformed message", "error", err)
			continue
		}
		c.server.hub.Dispatch(c.id, env)
	}
}

// writePump owns the write side: queued events plus the keepalive pings.
func (c *wsClient) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.markClosed()
		c.ws.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsClient) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
}
