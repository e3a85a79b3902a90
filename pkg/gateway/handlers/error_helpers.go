package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
)

type apiError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func statusForError(err error) int {
	if errors.Is(err, store.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	switch core.TypeOf(err) {
	case core.ErrProtocol, core.ErrValidation:
		return http.StatusBadRequest
	case core.ErrGenerationTimeout:
		return http.StatusGatewayTimeout
	case core.ErrTranscription, core.ErrGeneration, core.ErrSynthesis:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorJSON(w http.ResponseWriter, reqID string, err error) {
	out := apiError{
		Type:      string(core.ErrInternal),
		Message:   "internal error",
		RequestID: reqID,
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		out.Type = string(ce.Type)
		out.Message = ce.Message
		out.Param = ce.Param
		out.Code = ce.Code
	} else if errors.Is(err, store.ErrSessionNotFound) {
		out.Type = string(core.ErrValidation)
		out.Message = "session not found"
		out.Param = "session_id"
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusForError(err))
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
