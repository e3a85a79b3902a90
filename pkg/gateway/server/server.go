package server

import (
	"log/slog"
	"net/http"

	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/config"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/handlers"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/mw"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/session"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/stt"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/tts"
)

// Dependencies carries the shared backends every route is wired to.
type Dependencies struct {
	Store     store.Store
	STT       stt.Provider
	TTS       tts.Provider
	Generator session.Generator
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg})

	s.mux.Handle("/ws", handlers.LiveHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Store:     s.deps.Store,
		STT:       s.deps.STT,
		TTS:       s.deps.TTS,
		Generator: s.deps.Generator,
	})

	s.mux.Handle("/api/chat", handlers.ChatHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Store:     s.deps.Store,
		Generator: s.deps.Generator,
	})

	s.mux.Handle("/api/voice-chat", handlers.VoiceChatHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Store:     s.deps.Store,
		STT:       s.deps.STT,
		TTS:       s.deps.TTS,
		Generator: s.deps.Generator,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
