// Package server assembles the relay process: shared dependencies, routes,
// the middleware chain, and the drain sequence used at shutdown.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxwire-ai/voxwire/pkg/relay/archive"
	"github.com/voxwire-ai/voxwire/pkg/relay/config"
	"github.com/voxwire-ai/voxwire/pkg/relay/handlers"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/protocol"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/sessions"
	"github.com/voxwire-ai/voxwire/pkg/relay/metrics"
	"github.com/voxwire-ai/voxwire/pkg/relay/mw"
	"github.com/voxwire-ai/voxwire/pkg/relay/ratelimit"
	"github.com/voxwire-ai/voxwire/pkg/relay/subject"
	"github.com/voxwire-ai/voxwire/pkg/relay/upstream"
	"github.com/voxwire-ai/voxwire/pkg/relay/upstream/gemini"
)

// Server owns everything a voxwired process shares across sessions. Build
// one with New, mount Handler on an http.Server, and run the drain methods
// in order at shutdown.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	provider  upstream.Provider
	subjects  subject.Provider
	archiver  archive.Archiver
	artifacts archive.ArtifactWriter
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	tracker   *sessions.Tracker

	draining atomic.Bool
}

// Options carries the pluggable dependencies an embedder may override.
// Zero values select the defaults New derives from the config: a Gemini
// provider, no subject directory, and Dir-or-Nop archiving.
type Options struct {
	Provider upstream.Provider
	Subjects subject.Provider
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	return NewWithOptions(cfg, logger, Options{})
}

func NewWithOptions(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	provider := opts.Provider
	if provider == nil {
		provider = &gemini.Provider{
			APIKey:  cfg.UpstreamAPIKey,
			BaseURL: cfg.UpstreamBaseURL,
			Model:   cfg.UpstreamModel,
			Logger:  logger,
		}
	}

	var archiver archive.Archiver = archive.Nop{}
	var artifacts archive.ArtifactWriter = archive.Nop{}
	if cfg.ArchiveDir != "" {
		dir := &archive.Dir{Path: cfg.ArchiveDir, Logger: logger}
		archiver, artifacts = dir, dir
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		provider:  provider,
		subjects:  opts.Subjects,
		archiver:  archiver,
		artifacts: artifacts,
		limiter: ratelimit.New(ratelimit.Config{
			OpensPerSecond:          cfg.SessionOpensPerSecond,
			OpenBurst:               cfg.SessionOpenBurst,
			MaxSessionsPerPrincipal: cfg.MaxSessionsPerPrincipal,
			MaxSessionsTotal:        cfg.MaxSessionsTotal,
		}),
		metrics:  metrics.New(registry),
		registry: registry,
		tracker:  sessions.NewTracker(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:     s.cfg,
		IsDraining: s.IsDraining,
	})
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.mux.Handle("/v1/session", handlers.LiveHandler{
		Config:     s.cfg,
		Logger:     s.logger,
		Provider:   s.provider,
		Subjects:   s.subjects,
		Archiver:   s.archiver,
		Artifacts:  s.artifacts,
		Metrics:    s.metrics,
		Limiter:    s.limiter,
		Sessions:   s.tracker,
		IsDraining: s.IsDraining,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the server into drain mode. New session handshakes are
// refused; running sessions continue until they end or are force-ended.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) IsDraining() bool {
	return s.draining.Load()
}

// WarnSessionsDraining tells every running session the relay is going away.
// Delivery is best effort.
func (s *Server) WarnSessionsDraining() {
	n := s.tracker.NotifyAll(protocol.CodeOverloaded, "relay is draining; session will end shortly")
	if n > 0 {
		s.logger.Info("notified sessions of drain", "sessions", n)
	}
}

// WaitSessions blocks until every running session has ended or ctx expires.
// It reports whether the tracker emptied in time.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// EndSessions force-ends every running session and returns how many were
// still open.
func (s *Server) EndSessions() int {
	n := s.tracker.EndAll()
	if n > 0 {
		s.logger.Warn("force-ended sessions at shutdown", "sessions", n)
	}
	return n
}

// SessionCount reports how many live sessions the relay is running.
func (s *Server) SessionCount() int {
	return s.tracker.Count()
}
