package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/whisperwire/whisperwire-relay/internal/config"
	"github.com/whisperwire/whisperwire-relay/internal/httpserver"
	"github.com/whisperwire/whisperwire-relay/internal/metrics"
	"github.com/whisperwire/whisperwire-relay/internal/presence"
	"github.com/whisperwire/whisperwire-relay/internal/ratelimit"
	"github.com/whisperwire/whisperwire-relay/internal/relay"
	"github.com/whisperwire/whisperwire-relay/internal/session"
	"github.com/whisperwire/whisperwire-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting whisperwire-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_message_bytes", cfg.MaxMessageBytes,
		"rate_limit_window", cfg.RateLimitWindow,
		"rate_limit_max_events", cfg.RateLimitMaxEvents,
		"session_ttl", cfg.SessionTTL,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"group_join_policy", cfg.GroupJoinPolicy,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"static_dir_set", cfg.StaticDir != "",
	)
	if cfg.TURNREST.Enabled() && len(cfg.TURNURLs) == 0 {
		logger.Warn("TURN_REST_SHARED_SECRET is set but TURN_URLS is empty; clients will not receive TURN servers")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	m := metrics.New()

	srv, err := httpserver.New(cfg, logger, buildInfo(), m)
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	clock := ratelimit.RealClock{}
	router := relay.NewRouter(relay.Config{
		Registry:        presence.NewRegistry(),
		Sessions:        session.NewManager(clock, cfg.SessionTTL),
		Limiter:         ratelimit.NewSlidingWindow(clock, cfg.RateLimitWindow, cfg.RateLimitMaxEvents),
		Metrics:         m,
		Logger:          logger,
		Clock:           clock,
		JoinPolicy:      joinPolicy(cfg.GroupJoinPolicy),
		MaxSelfDestruct: cfg.MaxSelfDestructTTL,
		TURN: relay.TURNConfig{
			Generator: srv.TURNGenerator(),
			URLs:      cfg.TURNURLs,
		},
	})

	ws := signaling.NewServer(signaling.Config{
		Router:            router,
		Origins:           srv.Origins(),
		Metrics:           m,
		Logger:            logger,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	srv.Mux().Handle("GET /ws", ws)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ws.RunHeartbeat(ctx, cfg.HeartbeatInterval)
	go runSessionSweeper(ctx, router, cfg.SessionSweepInterval)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func runSessionSweeper(ctx context.Context, router *relay.Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			router.SweepSessions()
		}
	}
}

func joinPolicy(p config.GroupJoinPolicy) session.JoinPolicy {
	if p == config.GroupJoinOpen {
		return session.JoinPolicyOpen
	}
	return session.JoinPolicyApproval
}

func buildInfo() httpserver.BuildInfo {
	commit, built := buildCommit, buildTime
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return httpserver.BuildInfo{Commit: commit, BuildTime: built}
}
