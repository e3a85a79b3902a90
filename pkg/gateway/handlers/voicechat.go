package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/config"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/mw"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/protocol"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/session"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/stt"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/tts"
)

// sttFeedChunkBytes is the slice size for pushing a one-shot clip into
// the streaming transcriber.
const sttFeedChunkBytes = 16 * 1024

type voiceChatRequest struct {
	SessionID  string `json:"session_id"`
	Persona    string `json:"persona,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Audio      string `json:"audio"`
}

type voiceChatResponse struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
	Response   string `json:"response"`
	Audio      string `json:"audio,omitempty"`
}

// VoiceChatHandler serves POST /api/voice-chat: a whole utterance in one
// request, run through the same transcribe-generate-synthesize pipeline
// the live channel uses, without streaming.
type VoiceChatHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	STT       stt.Provider
	TTS       tts.Provider
	Generator session.Generator
}

func (h VoiceChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeErrorJSON(w, reqID, core.NewProtocolError("method not allowed", ""))
		return
	}

	var req voiceChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, reqID, core.NewProtocolError("invalid json body", ""))
		return
	}
	if len(strings.TrimSpace(req.SessionID)) < protocol.MinSessionIDLength {
		writeErrorJSON(w, reqID, core.NewValidationError("session_id is required", "session_id"))
		return
	}
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	if sampleRate < 0 {
		writeErrorJSON(w, reqID, core.NewValidationError("sample_rate must be >= 0", "sample_rate"))
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		writeErrorJSON(w, reqID, core.NewValidationError("audio is not valid base64", "audio"))
		return
	}
	if len(audio) == 0 {
		writeErrorJSON(w, reqID, core.NewValidationError("audio must not be empty", "audio"))
		return
	}
	if h.Config.MaxAudioSeconds > 0 && len(audio) > h.Config.MaxAudioSeconds*sampleRate*2 {
		writeErrorJSON(w, reqID, core.NewValidationError("audio exceeds maximum duration", "audio"))
		return
	}

	transcript, err := h.transcribeClip(r.Context(), audio, sampleRate)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("one-shot transcription failed", "request_id", reqID, "error", err)
		}
		writeErrorJSON(w, reqID, err)
		return
	}
	if transcript == "" {
		writeErrorJSON(w, reqID, core.NewValidationError("no speech recognized", "audio"))
		return
	}

	text, err := runTextTurn(r.Context(), h.Store, h.Generator, h.Config.MaxHistoryLength, req.SessionID, req.Persona, transcript)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("one-shot turn failed", "request_id", reqID, "session_id", req.SessionID, "error", err)
		}
		writeErrorJSON(w, reqID, err)
		return
	}

	resp := voiceChatResponse{
		SessionID:  req.SessionID,
		Transcript: transcript,
		Response:   text,
	}
	if audioOut, synthErr := h.synthesizeClip(r.Context(), text); synthErr != nil {
		// Synthesis never fails the turn; the caller still gets the text.
		if h.Logger != nil {
			h.Logger.Warn("one-shot synthesis failed", "request_id", reqID, "error", synthErr)
		}
	} else {
		resp.Audio = base64.StdEncoding.EncodeToString(audioOut)
	}

	writeJSON(w, http.StatusOK, resp)
}

// transcribeClip runs a full clip through the streaming transcriber and
// joins the finalized turns it produced.
func (h VoiceChatHandler) transcribeClip(ctx context.Context, audio []byte, sampleRate int) (string, error) {
	sess, err := h.STT.NewSession(ctx, stt.SessionOptions{
		SampleRate:  sampleRate,
		FormatTurns: true,
	})
	if err != nil {
		return "", core.NewTranscriptionError("failed to start transcription")
	}
	defer sess.Close()

	for len(audio) > 0 {
		n := min(len(audio), sttFeedChunkBytes)
		if err := sess.Feed(audio[:n]); err != nil {
			return "", core.NewTranscriptionError("failed to feed audio")
		}
		audio = audio[n:]
	}
	// Closing flushes the backend, which finalizes any pending turn.
	_ = sess.Close()

	var finals []string
	for {
		select {
		case delta, ok := <-sess.Deltas():
			if !ok {
				return strings.TrimSpace(strings.Join(finals, " ")), nil
			}
			if delta.Err != nil {
				return "", core.NewTranscriptionError("transcription backend failed")
			}
			if delta.IsFinal {
				if text := strings.TrimSpace(delta.Text); text != "" {
					finals = append(finals, text)
				}
			}
		case <-ctx.Done():
			return "", core.NewTranscriptionError("transcription cancelled")
		}
	}
}

// synthesizeClip collects the synthesized audio for text into one buffer.
func (h VoiceChatHandler) synthesizeClip(ctx context.Context, text string) ([]byte, error) {
	stream, err := h.TTS.NewStream(ctx, tts.StreamOptions{
		VoiceID: h.Config.VoiceID,
		Style:   h.Config.VoiceStyle,
	})
	if err != nil {
		return nil, core.NewSynthesisError("failed to start synthesis")
	}
	defer stream.Close()

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	var buf bytes.Buffer
	_, err = tts.Relay(ctx, stream, textCh, func(c tts.Chunk) error {
		_, werr := buf.Write(c.Audio)
		return werr
	}, h.Config.APITimeout)
	if err != nil {
		return nil, core.NewSynthesisError("synthesis failed")
	}
	return buf.Bytes(), nil
}
