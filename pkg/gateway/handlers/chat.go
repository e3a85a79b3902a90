package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/config"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/mw"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/protocol"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/session"
	"github.com/UtkarshKm/ai-voice-agent/pkg/persona"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Persona   string `json:"persona,omitempty"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
}

// ChatHandler serves POST /api/chat: one text turn against a session,
// no audio on either side.
type ChatHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	Generator session.Generator
}

func (h ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeErrorJSON(w, reqID, core.NewProtocolError("method not allowed", ""))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, reqID, core.NewProtocolError("invalid json body", ""))
		return
	}
	if len(strings.TrimSpace(req.SessionID)) < protocol.MinSessionIDLength {
		writeErrorJSON(w, reqID, core.NewValidationError("session_id is required", "session_id"))
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeErrorJSON(w, reqID, core.NewValidationError("message must not be empty", "message"))
		return
	}

	text, err := runTextTurn(r.Context(), h.Store, h.Generator, h.Config.MaxHistoryLength, req.SessionID, req.Persona, message)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("chat turn failed", "request_id", reqID, "session_id", req.SessionID, "error", err)
		}
		writeErrorJSON(w, reqID, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{SessionID: req.SessionID, Response: text})
}

// runTextTurn persists the user turn, generates a reply, and persists the
// outcome. On generation failure the user turn is retracted so the failed
// exchange leaves no trace in history.
func runTextTurn(ctx context.Context, s store.Store, gen session.Generator, maxHistory int, sessionID, personaName, message string) (string, error) {
	sess, err := s.GetOrCreate(ctx, sessionID, personaName)
	if err != nil {
		return "", err
	}
	if err := s.Append(ctx, sessionID, maxHistory, store.UserTurn(message)); err != nil {
		return "", err
	}
	history, err := s.History(ctx, sessionID)
	if err != nil {
		return "", err
	}

	chunks := make(chan string, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range chunks {
		}
	}()
	res, err := gen.Generate(ctx, persona.Prompt(sess.Persona), history, chunks)
	<-drained
	if err != nil {
		if _, rerr := s.RetractUserTurn(ctx, sessionID); rerr != nil && !errors.Is(rerr, context.Canceled) {
			return "", rerr
		}
		return "", err
	}

	turns := append([]store.Turn{}, res.ToolTurns...)
	turns = append(turns, store.ModelTurn(res.Text))
	if err := s.Append(ctx, sessionID, maxHistory, turns...); err != nil {
		return "", err
	}
	return res.Text, nil
}
