package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/voxwire-ai/voxwire/pkg/relay/live/protocol"
)

// Config is the voxwire CLI configuration, read from a YAML file (default
// ~/.voxwire.yaml) with flag overrides applied on top.
type Config struct {
	RelayURL  string `yaml:"relay_url"`
	AuthToken string `yaml:"auth_token"`

	VoiceID        string `yaml:"voice_id"`
	Model          string `yaml:"model"`
	Instructions   string `yaml:"instructions"`
	AudioTransport string `yaml:"audio_transport"`
	SubjectID      string `yaml:"subject_id"`

	// ReorderWindow bounds out-of-order assistant chunk buffering, in
	// chunks. Zero selects the SDK default.
	ReorderWindow int `yaml:"reorder_window"`
	// CaptureQueueFrames bounds the mic frame queue. Zero selects the
	// device default.
	CaptureQueueFrames int `yaml:"capture_queue_frames"`
	// MinBufferMS is the playback pre-buffer floor. Zero selects the SDK
	// default; negative disables pre-buffering.
	MinBufferMS int `yaml:"min_buffer_ms"`
	// ReconnectAttempts bounds the single reconnect cycle after transport
	// loss. Zero selects the default of 3.
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// DefaultPath returns ~/.voxwire.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".voxwire.yaml"), nil
}

// ReadConfig parses a config file without validating it, so callers can
// layer overrides on top first.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RelayURL) == "" {
		return fmt.Errorf("relay_url is required")
	}
	switch strings.TrimSpace(c.AudioTransport) {
	case "", protocol.AudioTransportBase64JSON, protocol.AudioTransportBinary:
	default:
		return fmt.Errorf("audio_transport must be %q or %q", protocol.AudioTransportBase64JSON, protocol.AudioTransportBinary)
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("reorder_window must not be negative")
	}
	if c.CaptureQueueFrames < 0 {
		return fmt.Errorf("capture_queue_frames must not be negative")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	return nil
}
