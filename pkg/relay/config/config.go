package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// AuthTokens maps bearer token to principal id. Populated from
	// VOXWIRE_AUTH_TOKENS entries of the form "name=token"; bare tokens get
	// positional "client-N" principals.
	AuthTokens map[string]string

	// AllowedOrigins restricts browser upgrades; empty allows any origin.
	AllowedOrigins map[string]struct{}

	// Live session timeouts.
	HandshakeTimeout   time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxSessionDuration time.Duration
	TurnTimeout        time.Duration

	// Frame and inbound-audio budgets.
	MaxClientFrameBytes    int64
	MaxAudioFrameBytes     int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	OutboundQueueSize      int

	// Admission control.
	MaxSessionsPerPrincipal int
	MaxSessionsTotal        int
	SessionOpensPerSecond   float64
	SessionOpenBurst        int

	// Speech backend. Empty model/voice/base URL fall through to the
	// provider defaults.
	UpstreamAPIKey         string
	UpstreamModel          string
	UpstreamVoice          string
	UpstreamBaseURL        string
	UpstreamConnectTimeout time.Duration

	// ArchiveDir enables on-disk turn archiving when set.
	ArchiveDir string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VOXWIRE_ADDR", ":8880"),
		AuthMode:                AuthMode(envOr("VOXWIRE_AUTH_MODE", string(AuthModeRequired))),
		AuthTokens:              make(map[string]string),
		AllowedOrigins:          make(map[string]struct{}),
		HandshakeTimeout:        envDurationOr("VOXWIRE_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReadTimeout:             envDurationOr("VOXWIRE_WS_READ_TIMEOUT", 75*time.Second),
		WriteTimeout:            envDurationOr("VOXWIRE_WS_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:            envDurationOr("VOXWIRE_WS_PING_INTERVAL", 20*time.Second),
		MaxSessionDuration:      envDurationOr("VOXWIRE_MAX_SESSION_DURATION", 2*time.Hour),
		TurnTimeout:             envDurationOr("VOXWIRE_TURN_TIMEOUT", 30*time.Second),
		MaxClientFrameBytes:     envInt64Or("VOXWIRE_MAX_CLIENT_FRAME_BYTES", 8<<20),
		MaxAudioFrameBytes:      envIntOr("VOXWIRE_MAX_AUDIO_FRAME_BYTES", 8192),
		MaxAudioFPS:             envIntOr("VOXWIRE_MAX_AUDIO_FPS", 120),
		MaxAudioBytesPerSecond:  envInt64Or("VOXWIRE_MAX_AUDIO_BPS", 128*1024),
		InboundBurstSeconds:     envIntOr("VOXWIRE_INBOUND_BURST_SECONDS", 2),
		OutboundQueueSize:       envIntOr("VOXWIRE_OUTBOUND_QUEUE_SIZE", 64),
		MaxSessionsPerPrincipal: envIntOr("VOXWIRE_MAX_SESSIONS_PER_PRINCIPAL", 2),
		MaxSessionsTotal:        envIntOr("VOXWIRE_MAX_SESSIONS_TOTAL", 64),
		SessionOpensPerSecond:   envFloat64Or("VOXWIRE_SESSION_OPENS_PER_SECOND", 1.0),
		SessionOpenBurst:        envIntOr("VOXWIRE_SESSION_OPEN_BURST", 4),
		UpstreamAPIKey:          envOr("VOXWIRE_UPSTREAM_API_KEY", envOr("GEMINI_API_KEY", "")),
		UpstreamModel:           envOr("VOXWIRE_UPSTREAM_MODEL", ""),
		UpstreamVoice:           envOr("VOXWIRE_UPSTREAM_VOICE", ""),
		UpstreamBaseURL:         envOr("VOXWIRE_UPSTREAM_BASE_URL", ""),
		UpstreamConnectTimeout:  envDurationOr("VOXWIRE_UPSTREAM_CONNECT_TIMEOUT", 15*time.Second),
		ArchiveDir:              envOr("VOXWIRE_ARCHIVE_DIR", ""),
		ReadHeaderTimeout:       envDurationOr("VOXWIRE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("VOXWIRE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:                strings.ToLower(envOr("VOXWIRE_LOG_LEVEL", "info")),
		LogFormat:               strings.ToLower(envOr("VOXWIRE_LOG_FORMAT", "text")),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOXWIRE_AUTH_MODE must be one of required|optional|disabled")
	}

	anonymous := 0
	for _, entry := range splitCSV(os.Getenv("VOXWIRE_AUTH_TOKENS")) {
		name, token, found := strings.Cut(entry, "=")
		if !found {
			anonymous++
			cfg.AuthTokens[entry] = fmt.Sprintf("client-%d", anonymous)
			continue
		}
		name = strings.TrimSpace(name)
		token = strings.TrimSpace(token)
		if name == "" || token == "" {
			return Config{}, fmt.Errorf("VOXWIRE_AUTH_TOKENS entry %q is malformed", entry)
		}
		cfg.AuthTokens[token] = name
	}

	for _, origin := range splitCSV(os.Getenv("VOXWIRE_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.ReadTimeout > 0 && cfg.PingInterval >= cfg.ReadTimeout {
		return Config{}, fmt.Errorf("VOXWIRE_WS_PING_INTERVAL must be shorter than VOXWIRE_WS_READ_TIMEOUT")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.TurnTimeout < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_TURN_TIMEOUT must be >= 0")
	}
	if cfg.MaxClientFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_MAX_CLIENT_FRAME_BYTES must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VOXWIRE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxSessionsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.MaxSessionsTotal < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_MAX_SESSIONS_TOTAL must be >= 0")
	}
	if cfg.SessionOpensPerSecond < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_SESSION_OPENS_PER_SECOND must be >= 0")
	}
	if cfg.SessionOpenBurst < 0 {
		return Config{}, fmt.Errorf("VOXWIRE_SESSION_OPEN_BURST must be >= 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VOXWIRE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("VOXWIRE_LOG_FORMAT must be one of text|json")
	}

	if strings.TrimSpace(cfg.UpstreamAPIKey) == "" {
		return Config{}, fmt.Errorf("VOXWIRE_UPSTREAM_API_KEY (or GEMINI_API_KEY) must be set")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.AuthTokens) == 0 {
		return Config{}, fmt.Errorf("VOXWIRE_AUTH_TOKENS must be set when VOXWIRE_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
