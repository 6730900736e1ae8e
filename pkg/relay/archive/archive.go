// Package archive receives completed turns from the relay. Long-term storage
// is out of scope; the shipped implementations cover "do nothing" and a local
// directory useful for development and tests.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxwire-ai/voxwire/pkg/audio"
)

// TurnRecord is the payload handed to the archiver exactly once per
// completed turn. Interrupted or disconnected turns never produce one.
type TurnRecord struct {
	SessionID        string    `json:"session_id"`
	TurnID           string    `json:"turn_id"`
	Transcript       string    `json:"transcript"`
	AudioArtifactRef string    `json:"audio_artifact_ref,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Archiver consumes committed turns. Failures are logged by the caller and
// never end the session.
type Archiver interface {
	OnTurnComplete(ctx context.Context, rec TurnRecord) error
}

// ArtifactWriter persists the assistant audio of a completed turn and
// returns an opaque artifact reference for the archive record.
type ArtifactWriter interface {
	WriteAudio(ctx context.Context, turnID string, pcm []byte, f audio.Format) (string, error)
}

// Nop discards everything.
type Nop struct{}

func (Nop) OnTurnComplete(context.Context, TurnRecord) error { return nil }

func (Nop) WriteAudio(context.Context, string, []byte, audio.Format) (string, error) {
	return "", nil
}

// Dir archives turns under a local directory: `<turn_id>.wav` for the audio
// artifact and `<turn_id>.json` for the turn record.
type Dir struct {
	Path   string
	Logger *slog.Logger
}

func (d *Dir) WriteAudio(_ context.Context, turnID string, pcm []byte, f audio.Format) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	encoded, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		return "", fmt.Errorf("encode turn audio: %w", err)
	}
	path := filepath.Join(d.Path, turnID+".wav")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("write turn audio: %w", err)
	}
	return path, nil
}

func (d *Dir) OnTurnComplete(_ context.Context, rec TurnRecord) error {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	blob, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}
	path := filepath.Join(d.Path, rec.TurnID+".json")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write turn record: %w", err)
	}
	if d.Logger != nil {
		d.Logger.Debug("archived turn", "turn_id", rec.TurnID, "path", path)
	}
	return nil
}
