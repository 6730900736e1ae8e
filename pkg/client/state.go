package client

// State is the controller's session lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateReady            State = "ready"
	StateListening        State = "listening"
	StateAwaitingResponse State = "awaiting_response"
	StateSpeaking         State = "speaking"
	StateInterrupted      State = "interrupted"
	StateEnded            State = "ended"
	StateError            State = "error"
)

// validTransitions encodes the session lifecycle. Every active state can
// fall back to connecting (one bounded reconnect cycle) or ended, and any
// non-terminal state can fail into error. A session that ran out its
// reconnect budget still ends rather than errors; error marks sessions
// that never got established.
var validTransitions = map[State][]State{
	StateIdle:             {StateConnecting, StateEnded, StateError},
	StateConnecting:       {StateReady, StateEnded, StateError},
	StateReady:            {StateListening, StateAwaitingResponse, StateSpeaking, StateConnecting, StateEnded, StateError},
	StateListening:        {StateAwaitingResponse, StateInterrupted, StateConnecting, StateEnded, StateError},
	StateAwaitingResponse: {StateSpeaking, StateInterrupted, StateReady, StateConnecting, StateEnded, StateError},
	StateSpeaking:         {StateReady, StateInterrupted, StateConnecting, StateEnded, StateError},
	StateInterrupted:      {StateReady, StateConnecting, StateEnded, StateError},
	StateEnded:            {},
	StateError:            {},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}
