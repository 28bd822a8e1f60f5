// Package httpserver hosts the relay's HTTP surface: health and version
// endpoints, the ICE configuration endpoint with TURN REST credential
// stamping, the Prometheus exposition, and optional static assets. The
// WebSocket endpoint is mounted by the caller via Mux.
package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/whisperwire/whisperwire-relay/internal/config"
	"github.com/whisperwire/whisperwire-relay/internal/metrics"
	"github.com/whisperwire/whisperwire-relay/internal/origin"
	"github.com/whisperwire/whisperwire-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	origins *origin.Policy
	turnGen *turnrest.Generator

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, m *metrics.Metrics) (*Server, error) {
	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		origins: origins,
		turnGen: turnGen,
		mux:     http.NewServeMux(),
	}

	s.registerRoutes(m)

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws connections are long-lived.
	}

	return s, nil
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Origins returns the configured origin admission policy so the WebSocket
// endpoint enforces the same rules.
func (s *Server) Origins() *origin.Policy {
	return s.origins
}

// TURNGenerator returns the TURN REST credential generator, or nil when TURN
// is not configured.
func (s *Server) TURNGenerator() *turnrest.Generator {
	return s.turnGen
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes(m *metrics.Metrics) {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	if m != nil {
		s.mux.Handle("GET /metrics", m.Handler())
	}

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))

	if s.cfg.StaticDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
}

// handleICE returns the advertised ICE servers. TURN entries are stamped
// with fresh time-limited credentials on every request; nothing is stored
// server-side.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers()
	if s.turnGen != nil {
		creds, err := s.turnGen.GenerateRandom()
		if err != nil {
			s.log.Error("turn credential generation failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "credential generation failed"})
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
