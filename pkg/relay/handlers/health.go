package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voxwire-ai/voxwire/pkg/relay/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the relay configuration can actually serve
// sessions. Deployments poll it before routing traffic.
type ReadyHandler struct {
	Config config.Config

	// IsDraining flips readiness off during shutdown.
	IsDraining func() bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		AuthMode      string   `json:"auth_mode"`
		LimitsEnabled bool     `json:"limits_enabled"`
		ArchiveMode   string   `json:"archive_mode"`
		Draining      bool     `json:"draining"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.AuthTokens) == 0 {
		issues = append(issues, "auth_mode=required but no auth tokens configured")
	}
	if strings.TrimSpace(h.Config.UpstreamAPIKey) == "" {
		issues = append(issues, "upstream api key is not set")
	}
	if h.Config.HandshakeTimeout <= 0 {
		issues = append(issues, "handshake timeout must be > 0")
	}
	if h.Config.WriteTimeout <= 0 || h.Config.PingInterval <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}
	if h.Config.ReadTimeout > 0 && h.Config.PingInterval >= h.Config.ReadTimeout {
		issues = append(issues, "ping interval must be shorter than read timeout")
	}
	if h.Config.MaxSessionDuration <= 0 {
		issues = append(issues, "max session duration must be > 0")
	}
	if h.Config.MaxClientFrameBytes <= 0 || h.Config.MaxAudioFrameBytes <= 0 {
		issues = append(issues, "frame budgets must be > 0")
	}
	if h.Config.OutboundQueueSize <= 0 {
		issues = append(issues, "outbound queue size must be > 0")
	}
	if (h.Config.MaxAudioFPS > 0 || h.Config.MaxAudioBytesPerSecond > 0) && h.Config.InboundBurstSeconds < 1 {
		issues = append(issues, "inbound burst must be >= 1 when audio limits are enabled")
	}
	if h.Config.UpstreamConnectTimeout <= 0 {
		issues = append(issues, "upstream connect timeout must be > 0")
	}

	draining := h.IsDraining != nil && h.IsDraining()
	limitsEnabled := h.Config.MaxSessionsPerPrincipal > 0 ||
		h.Config.MaxSessionsTotal > 0 ||
		h.Config.SessionOpensPerSecond > 0

	archiveMode := "disabled"
	if strings.TrimSpace(h.Config.ArchiveDir) != "" {
		archiveMode = "dir"
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		AuthMode:      string(h.Config.AuthMode),
		LimitsEnabled: limitsEnabled,
		ArchiveMode:   archiveMode,
		Draining:      draining,
		Issues:        issues,
	})
}
