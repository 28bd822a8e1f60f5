// Package signaling owns the WebSocket endpoint: origin admission, the
// per-connection read loop feeding the relay router, and the liveness
// heartbeat that reclaims dead connections.
package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisperwire/whisperwire-relay/internal/metrics"
	"github.com/whisperwire/whisperwire-relay/internal/origin"
	"github.com/whisperwire/whisperwire-relay/internal/relay"
)

const (
	wsWriteWait = 1 * time.Second

	DefaultMaxMessageBytes   = 200 << 10
	DefaultHeartbeatInterval = 30 * time.Second
)

type Config struct {
	Router  *relay.Router
	Origins *origin.Policy
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxMessageBytes is enforced by the websocket read limit; a frame over
	// the cap terminates the connection.
	MaxMessageBytes int64

	HeartbeatInterval time.Duration
}

// Server is the /ws HTTP handler. One goroutine runs per connection; all
// cross-connection state lives in the router's components.
type Server struct {
	log       *slog.Logger
	router    *relay.Router
	metrics   *metrics.Metrics
	maxBytes  int64
	heartbeat time.Duration
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]*relay.Client
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	origins := cfg.Origins
	if origins == nil {
		origins, _ = origin.NewPolicy(nil)
	}

	return &Server{
		log:       logger,
		router:    cfg.Router,
		metrics:   cfg.Metrics,
		maxBytes:  maxBytes,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return origins.Admit(r.Header.Get("Origin"), r.Host)
			},
		},
		clients: make(map[*wsClient]*relay.Client),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin rejections).
		s.log.Debug("upgrade_rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()

	c := newWSClient(conn)
	rc := &relay.Client{Conn: c}

	s.mu.Lock()
	s.clients[c] = rc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.router.Disconnect(rc)
		c.close()
	}()

	conn.SetReadLimit(s.maxBytes)
	conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Any traffic proves the peer is alive, not just pongs.
		c.alive.Store(true)

		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		s.router.HandleFrame(rc, data)
		if c.closed.Load() {
			return
		}
	}
}

// RunHeartbeat pings every connection each interval and closes the ones that
// produced no traffic since the previous tick. Blocks until ctx is done.
func (s *Server) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.heartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLiveness()
		}
	}
}

func (s *Server) sweepLiveness() {
	s.mu.Lock()
	conns := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.alive.Load() {
			s.metrics.LivenessKick()
			c.Kick("liveness timeout")
			continue
		}
		c.alive.Store(false)
		c.ping()
	}
}

// ConnCount reports the number of open connections, for tests.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// wsClient adapts one gorilla connection to the router's Conn interface.
// gorilla permits a single concurrent writer, so every write path takes
// writeMu.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	alive  atomic.Bool
	closed atomic.Bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn}
	c.alive.Store(true)
	return c
}

func (c *wsClient) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Kick sends a policy-violation close frame and tears the connection down.
// The read loop observes the closed socket and runs the normal teardown path.
func (c *wsClient) Kick(reason string) {
	c.writeClose(websocket.ClosePolicyViolation, reason)
	c.close()
}

func (c *wsClient) ping() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsClient) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsClient) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}
