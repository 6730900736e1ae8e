// Package upstream defines the provider-neutral contract between the relay
// and a speech-to-speech backend.
//
// A backend accepts streaming PCM input and produces synthesized audio plus
// transcription events over a single stateful session. The relay consumes the
// session through the Event union below, which is deliberately closed: the
// only text-bearing variants are TranscriptionDelta (assistant speech, from
// the backend's dedicated transcription channel) and InputTranscription (user
// speech). Inline text that arrives interleaved with audio on a backend's
// generic multimodal output has no representation here and is discarded
// inside the adapter; it cannot reach the relay or the client.
//
// All implementations must be safe for concurrent use.
package upstream

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by optional operations a backend does not
// implement, such as explicit interruption.
var ErrUnsupported = errors.New("upstream: operation not supported")

// ErrSessionClosed is returned by send operations after Close.
var ErrSessionClosed = errors.New("upstream: session closed")

// ContextItem is a text message injected into the session context at start,
// used to carry prior conversation state for a known subject.
type ContextItem struct {
	// Role is the speaker role, "user" or "assistant".
	Role string

	// Content is the text content.
	Content string
}

// SessionConfig is the initial configuration for a new backend session.
type SessionConfig struct {
	// Model names the backend model. Empty selects the provider default.
	Model string

	// VoiceID selects the synthesis voice. Empty selects the provider default.
	VoiceID string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Context is injected as prior conversation before audio starts flowing.
	Context []ContextItem

	// InputSampleRate and OutputSampleRate are the PCM rates in hertz for
	// mic audio sent upstream and assistant audio received back.
	InputSampleRate  int
	OutputSampleRate int
}

// Event is one output item from a backend session. It is a closed union:
// the variants in this package are the only ones that exist, and none of
// them carries the backend's raw multimodal content parts.
type Event interface {
	isEvent()
}

// Ready signals that backend setup completed and audio may flow.
type Ready struct{}

// Audio carries one chunk of synthesized assistant speech, raw PCM s16le.
type Audio struct {
	PCM []byte
}

// TranscriptionDelta is an incremental fragment of the assistant's speech
// transcript, sourced from the backend's dedicated transcription channel.
type TranscriptionDelta struct {
	Text string
}

// InputTranscription is an incremental fragment of the user's speech
// transcript as recognized by the backend.
type InputTranscription struct {
	Text string
}

// TurnComplete marks the end of one assistant turn.
type TurnComplete struct{}

// Interrupted signals that the backend aborted the current turn, typically
// because the user started speaking.
type Interrupted struct{}

// Fault reports a backend error. Fatal faults are followed by channel close.
type Fault struct {
	Code    string
	Message string
	Fatal   bool
}

func (Ready) isEvent()              {}
func (Audio) isEvent()              {}
func (TranscriptionDelta) isEvent() {}
func (InputTranscription) isEvent() {}
func (TurnComplete) isEvent()       {}
func (Interrupted) isEvent()        {}
func (Fault) isEvent()              {}

// Session is one open backend session.
//
// Send methods must return quickly; audio output is channel-based so a slow
// relay never stalls the backend receive loop from inside the adapter.
// Callers must call Close when done.
type Session interface {
	// SendAudio delivers one raw PCM chunk of mic audio.
	SendAudio(pcm []byte) error

	// SendAudioStreamEnd marks the end of the current user utterance for
	// backends that want an explicit boundary.
	SendAudioStreamEnd() error

	// SendText injects a user text message into the conversation.
	SendText(text string) error

	// SendImage injects an image into the conversation.
	SendImage(data []byte, mimeType string) error

	// Interrupt asks the backend to abort the current response. Backends
	// without native support return ErrUnsupported; the relay then relies
	// on the backend's own voice-activity barge-in.
	Interrupt() error

	// Events returns the session output stream. The channel is closed when
	// the session ends; a terminal Fault, if any, precedes the close.
	Events() <-chan Event

	// Close terminates the session and releases resources. Safe to call
	// more than once.
	Close() error
}

// Provider opens backend sessions.
type Provider interface {
	// Connect establishes a new session. The returned Session is ready to
	// accept audio once a Ready event has been observed.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
