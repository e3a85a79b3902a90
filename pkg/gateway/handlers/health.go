package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK     bool     `json:"ok"`
		Store  string   `json:"store"`
		Issues []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.StoreBackend {
	case config.StoreMemory, config.StoreRedis, config.StorePostgres:
	default:
		issues = append(issues, "invalid store backend")
	}
	if h.Config.AssemblyAIKey == "" {
		issues = append(issues, "transcription key not configured")
	}
	if h.Config.MurfKey == "" {
		issues = append(issues, "synthesis key not configured")
	}
	if h.Config.GeminiKey == "" {
		issues = append(issues, "generation key not configured")
	}
	if h.Config.MaxHistoryLength <= 0 {
		issues = append(issues, "max history must be > 0")
	}
	if h.Config.APITimeout <= 0 {
		issues = append(issues, "api timeout must be > 0")
	}
	if h.Config.SessionIdle <= 0 || h.Config.ReapInterval <= 0 {
		issues = append(issues, "reaper intervals must be > 0")
	}
	if h.Config.MaxAudioChunkBytes <= 0 || h.Config.MaxAudioSeconds <= 0 {
		issues = append(issues, "audio limits must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:     ok,
		Store:  string(h.Config.StoreBackend),
		Issues: issues,
	})
}
