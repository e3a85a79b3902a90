package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/config"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/mw"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/session"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/stt"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/tts"
)

// LiveHandler upgrades /ws connections and hands them to the session
// orchestrator.
type LiveHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	STT       stt.Provider
	TTS       tts.Provider
	Generator session.Generator
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, reqID, core.NewProtocolError("method not allowed", ""))
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, reqID, core.NewProtocolError("origin is not allowed", "Origin"))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Store:     h.Store,
		STT:       h.STT,
		TTS:       h.TTS,
		Generator: h.Generator,
		RequestID: reqID,
		Config: session.Config{
			MaxHistory:          h.Config.MaxHistoryLength,
			MaxAudioChunkBytes:  h.Config.MaxAudioChunkBytes,
			MaxAudioSeconds:     h.Config.MaxAudioSeconds,
			MaxJSONMessageBytes: h.Config.MaxJSONMessageBytes,
			PingInterval:        h.Config.WSPingInterval,
			WriteTimeout:        h.Config.WSWriteTimeout,
			ReadTimeout:         h.Config.WSReadTimeout,
			Voice: tts.StreamOptions{
				VoiceID: h.Config.VoiceID,
				Style:   h.Config.VoiceStyle,
			},
		},
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("live session init failed", "request_id", reqID, "error", err)
		}
		return
	}
	if err := sess.Run(); err != nil && h.Logger != nil {
		h.Logger.Warn("live session ended with error", "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
