// Package protocol defines the typed wire messages exchanged between a
// voxwire client and the relay over one websocket session, plus the decoders
// that turn raw frames into exactly one typed message each.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"
)

// Wire error codes carried by error frames and decode errors.
const (
	CodeBadRequest   = "bad_request"
	CodeUnsupported  = "unsupported"
	CodeUnauthorized = "unauthorized"
	CodeOverloaded   = "overloaded"
	CodeUpstream     = "upstream_error"
	CodeInternal     = "internal_error"
)

// Session end reasons.
const (
	ReasonClientEnded    = "client_ended"
	ReasonServerShutdown = "server_shutdown"
	ReasonMaxDuration    = "max_duration"
	ReasonUpstreamClosed = "upstream_closed"
	ReasonConnectionLost = "connection_lost"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

// ModelConfig is the client's requested upstream shape, sent in start_session.
type ModelConfig struct {
	Model           string `json:"model,omitempty"`
	Instructions    string `json:"instructions,omitempty"`
	AudioTransport  string `json:"audio_transport,omitempty"`
	SampleRateInHz  int    `json:"sample_rate_in_hz,omitempty"`
	SampleRateOutHz int    `json:"sample_rate_out_hz,omitempty"`
	SubjectID       string `json:"subject_id,omitempty"`
}

// StartSession must be the first client frame on a new connection.
type StartSession struct {
	Type        string      `json:"type"`
	AuthToken   string      `json:"auth_token,omitempty"`
	VoiceID     string      `json:"voice_id,omitempty"`
	ModelConfig ModelConfig `json:"model_config"`
}

// RedactedForLog strips the auth token before the handshake is logged.
func (s StartSession) RedactedForLog() map[string]any {
	return map[string]any{
		"type":            s.Type,
		"voice_id":        s.VoiceID,
		"model":           s.ModelConfig.Model,
		"audio_transport": s.ModelConfig.AudioTransport,
		"subject_id":      s.ModelConfig.SubjectID,
		"has_auth_token":  strings.TrimSpace(s.AuthToken) != "",
	}
}

// ClientAudioChunk carries one mic frame, base64 PCM s16le.
type ClientAudioChunk struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	Payload string `json:"payload"`
}

type ClientAudioStreamEnd struct {
	Type string `json:"type"`
}

type ClientInterrupt struct {
	Type string `json:"type"`
}

type ClientEndSession struct {
	Type string `json:"type"`
}

type ClientTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientImageChunk struct {
	Type     string `json:"type"`
	Payload  string `json:"payload"`
	MIMEType string `json:"mime_type"`
}

// DecodeClientMessage decodes one client text frame into its typed message.
// Every accepted frame maps to exactly one message type.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start_session":
		var msg StartSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_session frame", "")
		}
		if err := ValidateStartSession(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_chunk":
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if msg.Seq == 0 {
			return nil, badRequest("audio_chunk.seq must be >= 1", "seq")
		}
		if strings.TrimSpace(msg.Payload) == "" {
			return nil, badRequest("audio_chunk.payload is required", "payload")
		}
		return msg, nil
	case "audio_stream_end":
		var msg ClientAudioStreamEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_stream_end", "")
		}
		return msg, nil
	case "interrupt":
		var msg ClientInterrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupt", "")
		}
		return msg, nil
	case "end_session":
		var msg ClientEndSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid end_session", "")
		}
		return msg, nil
	case "text_message":
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_message", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_message.text is required", "text")
		}
		return msg, nil
	case "image_chunk":
		var msg ClientImageChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid image_chunk", "")
		}
		if strings.TrimSpace(msg.Payload) == "" {
			return nil, badRequest("image_chunk.payload is required", "payload")
		}
		if strings.TrimSpace(msg.MIMEType) == "" {
			return nil, badRequest("image_chunk.mime_type is required", "mime_type")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateStartSession checks field shapes. Sample rates are optional; when
// present they must match the fixed relay formats.
func ValidateStartSession(msg StartSession) error {
	transport := strings.TrimSpace(msg.ModelConfig.AudioTransport)
	switch transport {
	case "", AudioTransportBase64JSON, AudioTransportBinary:
	default:
		return unsupported("unsupported audio transport", "model_config.audio_transport")
	}
	if r := msg.ModelConfig.SampleRateInHz; r != 0 && r != 16000 {
		return unsupported("unsupported input sample rate", "model_config.sample_rate_in_hz")
	}
	if r := msg.ModelConfig.SampleRateOutHz; r != 0 && r != 24000 {
		return unsupported("unsupported output sample rate", "model_config.sample_rate_out_hz")
	}
	return nil
}

// NormalizedTransport returns the negotiated audio transport with default.
func NormalizedTransport(requested string) string {
	if strings.TrimSpace(requested) == AudioTransportBinary {
		return AudioTransportBinary
	}
	return AudioTransportBase64JSON
}

type SessionReady struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	AudioTransport string `json:"audio_transport"`
}

// ServerAudioChunk carries one assistant audio frame in base64 transport.
type ServerAudioChunk struct {
	Type    string `json:"type"`
	TurnID  string `json:"turn_id"`
	Seq     uint64 `json:"seq"`
	Payload string `json:"payload"`
}

// ServerAudioChunkHeader announces one binary assistant audio frame. The
// binary frame of exactly Bytes bytes follows immediately on the socket.
type ServerAudioChunkHeader struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Seq    uint64 `json:"seq"`
	Bytes  int    `json:"bytes"`
}

type TextChunk struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Delta  string `json:"delta"`
}

type UserTranscription struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type TurnComplete struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

type Interrupted struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

type SessionEnded struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ServerError is the single error surface. Fatal errors are followed by
// connection close; non-fatal ones are advisory notices.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// DecodeServerMessage decodes one server text frame into its typed message.
// Used by the SDK read loop and by tests on both sides.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "session_ready":
		var msg SessionReady
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_ready", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("session_ready.session_id is required", "session_id")
		}
		return msg, nil
	case "audio_chunk":
		var msg ServerAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		return msg, nil
	case "audio_chunk_header":
		var msg ServerAudioChunkHeader
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk_header", "")
		}
		if msg.Bytes < 0 {
			return nil, badRequest("audio_chunk_header.bytes must be >= 0", "bytes")
		}
		return msg, nil
	case "text_chunk":
		var msg TextChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_chunk", "")
		}
		return msg, nil
	case "user_transcription":
		var msg UserTranscription
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_transcription", "")
		}
		return msg, nil
	case "turn_complete":
		var msg TurnComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid turn_complete", "")
		}
		return msg, nil
	case "interrupted":
		var msg Interrupted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupted", "")
		}
		return msg, nil
	case "session_ended":
		var msg SessionEnded
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_ended", "")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}
