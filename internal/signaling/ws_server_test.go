package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisperwire/whisperwire-relay/internal/metrics"
	"github.com/whisperwire/whisperwire-relay/internal/origin"
	"github.com/whisperwire/whisperwire-relay/internal/presence"
	"github.com/whisperwire/whisperwire-relay/internal/ratelimit"
	"github.com/whisperwire/whisperwire-relay/internal/relay"
	"github.com/whisperwire/whisperwire-relay/internal/session"
)

func newTestServer(t *testing.T, mutate func(*Config, *relay.Config)) (*httptest.Server, *Server) {
	t.Helper()

	relayCfg := relay.Config{
		Registry: presence.NewRegistry(),
		Sessions: session.NewManager(ratelimit.RealClock{}, 30*time.Minute),
		Limiter:  ratelimit.NewSlidingWindow(ratelimit.RealClock{}, 5*time.Second, 1000),
		Metrics:  metrics.New(),
	}
	cfg := Config{Metrics: relayCfg.Metrics}
	if mutate != nil {
		mutate(&cfg, &relayCfg)
	}
	cfg.Router = relay.NewRouter(relayCfg)

	srv := NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, srv
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func recvType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	m := recv(t, conn)
	if m["type"] != want {
		t.Fatalf("received %v, want type %q", m, want)
	}
	return m
}

func hello(t *testing.T, conn *websocket.Conn, userID, name string) {
	t.Helper()
	send(t, conn, map[string]any{"type": "hello", "userId": userID, "name": name})
	ack := recvType(t, conn, "hello-ack")
	if ack["userId"] != userID {
		t.Fatalf("hello-ack = %v", ack)
	}
}

func TestHandshakeAndSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	alice := dial(t, ts)
	hello(t, alice, "alice", "Alice")

	// Bob is not connected yet.
	send(t, alice, map[string]any{"type": "request-chat", "fromId": "alice", "toId": "bob"})
	fail := recvType(t, alice, "request-failed")
	if fail["toId"] != "bob" {
		t.Fatalf("request-failed = %v", fail)
	}

	bob := dial(t, ts)
	hello(t, bob, "bob", "Bob")

	send(t, alice, map[string]any{"type": "request-chat", "fromId": "alice", "toId": "bob"})
	req := recvType(t, bob, "incoming-request")
	if req["fromId"] != "alice" || req["name"] != "Alice" {
		t.Fatalf("incoming-request = %v", req)
	}

	send(t, bob, map[string]any{"type": "response-chat", "fromId": "bob", "toId": "alice", "accept": true})
	aStart := recvType(t, alice, "chat-start")
	bStart := recvType(t, bob, "chat-start")
	if aStart["sessionId"] != bStart["sessionId"] {
		t.Fatalf("session ids differ: %v vs %v", aStart, bStart)
	}
	sid := aStart["sessionId"].(string)

	// Self-destructing message: both sides see the stamped message, then the
	// delete notification fires.
	send(t, alice, map[string]any{
		"type": "message", "sessionId": sid, "fromId": "alice",
		"text": "burn after reading", "selfDestruct": 50,
	})
	aMsg := recvType(t, alice, "message")
	bMsg := recvType(t, bob, "message")
	if aMsg["id"] != bMsg["id"] {
		t.Fatalf("message ids differ: %v vs %v", aMsg["id"], bMsg["id"])
	}
	if bMsg["text"] != "burn after reading" {
		t.Fatalf("message = %v", bMsg)
	}

	aDel := recvType(t, alice, "delete-message")
	bDel := recvType(t, bob, "delete-message")
	if aDel["id"] != aMsg["id"] || bDel["id"] != bMsg["id"] {
		t.Fatalf("delete notices: %v / %v", aDel, bDel)
	}

	// End the session; both sides are told.
	send(t, alice, map[string]any{"type": "end-session", "sessionId": sid})
	recvType(t, alice, "session-ended")
	recvType(t, bob, "session-ended")
}

func TestPeerDisconnectNotifiesSurvivor(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	alice := dial(t, ts)
	hello(t, alice, "alice", "Alice")
	bob := dial(t, ts)
	hello(t, bob, "bob", "Bob")

	send(t, alice, map[string]any{"type": "request-chat", "fromId": "alice", "toId": "bob"})
	recvType(t, bob, "incoming-request")
	send(t, bob, map[string]any{"type": "response-chat", "fromId": "bob", "toId": "alice", "accept": true})
	recvType(t, alice, "chat-start")
	recvType(t, bob, "chat-start")

	bob.Close()

	gone := recvType(t, alice, "peer-disconnected")
	if gone["peerId"] != "bob" {
		t.Fatalf("peer-disconnected = %v", gone)
	}
}

func TestSignalRelayedBetweenPeers(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	alice := dial(t, ts)
	hello(t, alice, "alice", "Alice")
	bob := dial(t, ts)
	hello(t, bob, "bob", "Bob")

	send(t, alice, map[string]any{
		"type": "signal", "toId": "bob",
		"signalData": map[string]any{"sdp": "offer-sdp"},
	})
	sig := recvType(t, bob, "signal")
	if sig["fromId"] != "alice" {
		t.Fatalf("signal = %v", sig)
	}
	payload := sig["signalData"].(map[string]any)
	if payload["sdp"] != "offer-sdp" {
		t.Fatalf("signalData = %v", payload)
	}
}

func TestOriginRejected(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *Config, _ *relay.Config) {
		policy, err := origin.NewPolicy([]string{"https://app.example.com"})
		if err != nil {
			t.Fatalf("NewPolicy: %v", err)
		}
		cfg.Origins = policy
	})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		t.Fatalf("dial: want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %v, want 403", resp)
	}

	// A listed origin upgrades fine.
	ok := http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), ok)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	conn.Close()
}

func TestRateLimitViolationClosesConnection(t *testing.T) {
	ts, _ := newTestServer(t, func(_ *Config, relayCfg *relay.Config) {
		relayCfg.Limiter = ratelimit.NewSlidingWindow(ratelimit.RealClock{}, 5*time.Second, 3)
	})

	conn := dial(t, ts)
	hello(t, conn, "alice", "Alice") // event 1

	for i := 0; i < 5; i++ {
		_ = conn.WriteJSON(map[string]any{"type": "request-chat", "fromId": "alice", "toId": "x"})
	}

	// Drain until the close frame arrives.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("close error = %v, want policy violation", err)
		}
		return
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *Config, _ *relay.Config) {
		cfg.MaxMessageBytes = 256
	})

	conn := dial(t, ts)
	hello(t, conn, "alice", "Alice")

	big := strings.Repeat("x", 1024)
	send(t, conn, map[string]any{"type": "message", "sessionId": "s", "fromId": "alice", "text": big})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("read: want connection closed after oversized frame")
	}
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	conn := dial(t, ts)
	hello(t, conn, "alice", "Alice")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
			t.Fatalf("close error = %v, want unsupported data", err)
		}
		return
	}
}

func TestHeartbeatKeepsResponsiveConnectionAlive(t *testing.T) {
	ts, srv := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunHeartbeat(ctx, 20*time.Millisecond)

	conn := dial(t, ts)
	hello(t, conn, "alice", "Alice")

	// Reading drives gorilla's default ping handler, which answers pongs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	if srv.ConnCount() != 1 {
		t.Fatalf("ConnCount() = %d, want 1", srv.ConnCount())
	}

	conn.Close()
	<-done
}

func TestHeartbeatKicksSilentConnection(t *testing.T) {
	ts, srv := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunHeartbeat(ctx, 20*time.Millisecond)

	conn := dial(t, ts)
	hello(t, conn, "alice", "Alice")
	// Stop reading: pings go unanswered and the second sweep reclaims the
	// connection.

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ConnCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("silent connection never reclaimed, ConnCount() = %d", srv.ConnCount())
}
