// Package protocol defines the voice session wire format: the JSON
// messages exchanged over a live WebSocket connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
)

// MinSessionIDLength guards against trivially guessable session ids.
const MinSessionIDLength = 8

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
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientConfig opens a session. It must be the first message on the
// connection.
type ClientConfig struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Persona    string `json:"persona,omitempty"`
}

// ClientAudio carries one base64-encoded chunk of microphone audio.
type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ClientStopRecording ends the capture phase of the current turn.
type ClientStopRecording struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses and validates one inbound frame.
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
	case "config":
		var msg ClientConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid config frame", "")
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, badRequest("config.session_id is required", "session_id")
		}
		if len(msg.SessionID) < MinSessionIDLength {
			return nil, badRequest(
				fmt.Sprintf("config.session_id must be at least %d characters", MinSessionIDLength),
				"session_id")
		}
		if msg.SampleRate < 0 {
			return nil, badRequest("config.sample_rate must be >= 0", "sample_rate")
		}
		return msg, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		return msg, nil
	case "stop_recording":
		var msg ClientStopRecording
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop_recording frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Server messages. Each carries its own type tag so the client can fan
// them out without an envelope.

// ServerTranscript is an interim transcript of in-progress speech.
type ServerTranscript struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ServerUserTranscript is the final transcript of a completed user turn.
type ServerUserTranscript struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ServerLLMChunk is one streamed fragment of the assistant reply.
type ServerLLMChunk struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ServerLLMResponse is the full assistant reply text.
type ServerLLMResponse struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ServerAudio is one base64-encoded chunk of synthesized audio. Final
// marks the last chunk of the utterance.
type ServerAudio struct {
	Type  string `json:"type"`
	Data  string `json:"data"`
	Final bool   `json:"final,omitempty"`
}

// ServerLLMEnd signals that the turn is over and the client may resume
// capturing.
type ServerLLMEnd struct {
	Type string `json:"type"`
}

// ServerError reports a failure without necessarily ending the session.
type ServerError struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func Transcript(text string) ServerTranscript {
	return ServerTranscript{Type: "transcript", Data: text}
}

func UserTranscript(text string) ServerUserTranscript {
	return ServerUserTranscript{Type: "user_transcript", Data: text}
}

func LLMChunk(text string) ServerLLMChunk {
	return ServerLLMChunk{Type: "llm_chunk", Data: text}
}

func LLMResponse(text string) ServerLLMResponse {
	return ServerLLMResponse{Type: "llm_response", Data: text}
}

func Audio(dataB64 string, final bool) ServerAudio {
	return ServerAudio{Type: "audio", Data: dataB64, Final: final}
}

func LLMEnd() ServerLLMEnd {
	return ServerLLMEnd{Type: "llm_end"}
}

// ErrorMessage converts any error into its wire form, using the error
// taxonomy for typed errors and internal_error for everything else.
func ErrorMessage(err error) ServerError {
	msg := ServerError{Type: "error", Error: string(core.ErrInternal), Message: "internal error"}
	if err == nil {
		return msg
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		msg.Error = string(core.ErrProtocol)
		msg.Message = decodeErr.Message
		msg.Param = decodeErr.Param
		msg.Code = decodeErr.Code
		return msg
	}
	var typed *core.Error
	if errors.As(err, &typed) {
		msg.Error = string(typed.Type)
		msg.Message = typed.Message
		msg.Param = typed.Param
		msg.Code = typed.Code
		return msg
	}
	msg.Message = err.Error()
	return msg
}
