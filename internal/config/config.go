// Package config loads the relay's runtime configuration from the
// environment. Server identity and ops knobs carry the WHISPERWIRE_ prefix;
// relay behavior knobs are unprefixed so deployments can share them with
// adjacent services (coturn reads TURN_REST_SHARED_SECRET too).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "WHISPERWIRE_LISTEN_ADDR"
	envVarMode            = "WHISPERWIRE_MODE"
	envVarLogFormat       = "WHISPERWIRE_LOG_FORMAT"
	envVarLogLevel        = "WHISPERWIRE_LOG_LEVEL"
	envVarShutdownTimeout = "WHISPERWIRE_SHUTDOWN_TIMEOUT"

	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMaxMessageBytes = "MAX_MESSAGE_BYTES"
	envVarStaticDir       = "STATIC_DIR"

	envVarRateLimitWindow    = "RATE_LIMIT_WINDOW"
	envVarRateLimitMaxEvents = "RATE_LIMIT_MAX_EVENTS"

	envVarSessionTTL           = "SESSION_TTL"
	envVarSessionSweepInterval = "SESSION_SWEEP_INTERVAL"
	envVarHeartbeatInterval    = "HEARTBEAT_INTERVAL"
	envVarMaxSelfDestructTTL   = "MAX_SELF_DESTRUCT_TTL"
	envVarGroupJoinPolicy      = "GROUP_JOIN_POLICY"

	envVarSTUNURLs = "STUN_URLS"
	envVarTURNURLs = "TURN_URLS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultMaxMessageBytes = int64(200 << 10)

	DefaultRateLimitWindow    = 5 * time.Second
	DefaultRateLimitMaxEvents = 40

	DefaultSessionTTL           = 30 * time.Minute
	DefaultSessionSweepInterval = 60 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxSelfDestructTTL   = 5 * time.Minute

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "whisperwire"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// GroupJoinPolicy selects how join-group is handled: owner approval or open
// membership.
type GroupJoinPolicy string

const (
	GroupJoinApproval GroupJoinPolicy = "approval"
	GroupJoinOpen     GroupJoinPolicy = "open"
)

type TURNRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AllowedOrigins  []string
	MaxMessageBytes int64
	StaticDir       string

	RateLimitWindow    time.Duration
	RateLimitMaxEvents int

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	HeartbeatInterval    time.Duration
	MaxSelfDestructTTL   time.Duration
	GroupJoinPolicy      GroupJoinPolicy

	STUNURLs []string
	TURNURLs []string
	TURNREST TURNRESTConfig
}

func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))
	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	logFormatStr := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode))
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevelStr := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode))
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxMessageBytes)
	}

	rateLimitWindow, err := envDurationOrDefault(lookup, envVarRateLimitWindow, DefaultRateLimitWindow)
	if err != nil {
		return Config{}, err
	}
	rateLimitMaxEvents, err := envIntOrDefault(lookup, envVarRateLimitMaxEvents, DefaultRateLimitMaxEvents)
	if err != nil {
		return Config{}, err
	}
	if rateLimitWindow <= 0 || rateLimitMaxEvents <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be > 0", envVarRateLimitWindow, envVarRateLimitMaxEvents)
	}

	sessionTTL, err := envDurationOrDefault(lookup, envVarSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	sessionSweepInterval, err := envDurationOrDefault(lookup, envVarSessionSweepInterval, DefaultSessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	maxSelfDestructTTL, err := envDurationOrDefault(lookup, envVarMaxSelfDestructTTL, DefaultMaxSelfDestructTTL)
	if err != nil {
		return Config{}, err
	}

	joinPolicy, err := parseGroupJoinPolicy(envOrDefault(lookup, envVarGroupJoinPolicy, string(GroupJoinApproval)))
	if err != nil {
		return Config{}, err
	}

	turnRESTTTL, err := envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	if turnRESTTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
	}
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	if strings.Contains(turnRESTPrefix, ":") {
		return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
	}

	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		AllowedOrigins:  splitList(envOrDefault(lookup, envVarAllowedOrigins, "")),
		MaxMessageBytes: maxMessageBytes,
		StaticDir:       envOrDefault(lookup, envVarStaticDir, ""),

		RateLimitWindow:    rateLimitWindow,
		RateLimitMaxEvents: rateLimitMaxEvents,

		SessionTTL:           sessionTTL,
		SessionSweepInterval: sessionSweepInterval,
		HeartbeatInterval:    heartbeatInterval,
		MaxSelfDestructTTL:   maxSelfDestructTTL,
		GroupJoinPolicy:      joinPolicy,

		STUNURLs: splitList(envOrDefault(lookup, envVarSTUNURLs, "")),
		TURNURLs: splitList(envOrDefault(lookup, envVarTURNURLs, "")),
		TURNREST: TURNRESTConfig{
			SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
			TTLSeconds:     turnRESTTTL,
			UsernamePrefix: turnRESTPrefix,
		},
	}

	for _, raw := range cfg.TURNURLs {
		if !hasTURNScheme(raw) {
			return Config{}, fmt.Errorf("invalid %s entry %q (expected turn: or turns: URL)", envVarTURNURLs, raw)
		}
	}
	if len(cfg.TURNURLs) > 0 && !cfg.TURNREST.Enabled() {
		return Config{}, fmt.Errorf("%s is set but %s is empty", envVarTURNURLs, envVarTURNRESTSharedSecret)
	}

	return cfg, nil
}

// ICEServers builds the advertised ICE server list from the configured STUN
// and TURN URLs. TURN entries carry no credentials here; they are stamped
// per-request from the TURN REST generator.
func (c Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	if len(c.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.TURNURLs})
	}
	return servers
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

// envDurationOrDefault accepts Go duration strings ("30s", "5m") and, for
// compatibility with second-granularity deployments, bare integers treated as
// seconds.
func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func hasTURNScheme(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:")
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseGroupJoinPolicy(raw string) (GroupJoinPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(GroupJoinApproval):
		return GroupJoinApproval, nil
	case string(GroupJoinOpen):
		return GroupJoinOpen, nil
	default:
		return "", fmt.Errorf("invalid group join policy %q (expected approval or open)", raw)
	}
}
