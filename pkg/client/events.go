package client

// Event is one controller notification for the UI. The set of variants is
// closed; consumers switch on the concrete type.
type Event interface {
	controllerEvent() string
}

type StateChanged struct {
	From State
	To   State
}

func (StateChanged) controllerEvent() string { return "state_changed" }

// AssistantText is an assistant transcription delta for the named turn.
type AssistantText struct {
	TurnID string
	Delta  string
}

func (AssistantText) controllerEvent() string { return "assistant_text" }

// UserTranscript is an incremental transcription of the user's own speech.
type UserTranscript struct {
	Text string
}

func (UserTranscript) controllerEvent() string { return "user_transcript" }

// TurnEnded reports that the assistant turn's content is complete. Playback
// may still be draining; the ready transition follows the drain.
type TurnEnded struct {
	TurnID string
}

func (TurnEnded) controllerEvent() string { return "turn_ended" }

// MicLevel reports capture energy, one reading per mic frame.
type MicLevel struct {
	RMS float64
}

func (MicLevel) controllerEvent() string { return "mic_level" }

// Warning is a non-fatal condition: relay notices, capture overflow,
// reconnect attempts.
type Warning struct {
	Code    string
	Message string
}

func (Warning) controllerEvent() string { return "warning" }

type SessionEnded struct {
	Reason string
}

func (SessionEnded) controllerEvent() string { return "session_ended" }
