// Package voxwire is the Go client SDK for the voxwire relay: dialing, the
// start_session handshake, typed session events, send helpers, and the
// client-side playback pieces (reorder buffer, audio output FIFO).
package voxwire

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultDialTimeout = 15 * time.Second

// Client dials voxwire relays. Construct with NewClient; a Client is safe to
// share and opens any number of sessions.
type Client struct {
	baseURL     string
	authToken   string
	header      http.Header
	logger      *slog.Logger
	dialTimeout time.Duration
}

type ClientOption func(*Client)

// WithAuthToken sets the bearer token sent both as an Authorization header
// and inside the start_session frame.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = strings.TrimSpace(token) }
}

// WithHeader adds an HTTP header to the websocket handshake request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.header.Set(key, value) }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialTimeout bounds Connect when the caller's context carries no
// deadline of its own.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		header:      make(http.Header),
		logger:      slog.Default(),
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// websocketEndpoint resolves path against the base URL and normalizes the
// scheme to ws(s).
func (c *Client) websocketEndpoint(path string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("voxwire: base URL is required")
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("voxwire: invalid base URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket scheme
	default:
		return "", fmt.Errorf("voxwire: base URL must use http(s) or ws(s)")
	}
	return u.String(), nil
}
