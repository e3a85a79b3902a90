package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/config"
	"github.com/UtkarshKm/ai-voice-agent/pkg/llm"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/stt"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/tts"
)

type nopGenerator struct{}

func (nopGenerator) Generate(ctx context.Context, systemPrompt string, history []store.Turn, chunks chan<- string) (*llm.Result, error) {
	close(chunks)
	return &llm.Result{Text: "ok"}, nil
}

func newTestServer() *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(config.Config{
		MaxHistoryLength:   50,
		CORSAllowedOrigins: map[string]struct{}{},
		StoreBackend:       config.StoreMemory,
		AssemblyAIKey:      "k",
		MurfKey:            "k",
		GeminiKey:          "k",
		APITimeout:         1,
		SessionIdle:        1,
		ReapInterval:       1,
		MaxAudioChunkBytes: 1,
		MaxAudioSeconds:    1,
	}, logger, Dependencies{
		Store:     store.NewMemory(),
		STT:       stt.NewAssemblyAI("test"),
		TTS:       tts.NewMurf("test"),
		Generator: nopGenerator{},
	})
}

func TestServer_HealthRoutes(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestServer_ChatRoute_Reachable(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id":"route-check-1","message":"hi"}`))
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"response"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_VoiceChatRoute_Reachable(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/voice-chat", strings.NewReader(`{"session_id":"route-check-1","audio":""}`))
	s.Handler().ServeHTTP(rr, req)
	// Validation rejects the empty clip; the route itself is wired.
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_LiveRoute_Reachable(t *testing.T) {
	s := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ws", nil)
	s.Handler().ServeHTTP(rr, req)
	if rr.Code == http.StatusNotFound {
		t.Fatalf("/ws unexpectedly returned 404")
	}
}
