package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const murfStreamURL = "wss://api.murf.ai/v1/speech/stream-input"

// MurfProvider implements the TTS Provider interface using Murf's
// streaming WebSocket API.
type MurfProvider struct {
	apiKey  string
	baseURL string
}

// NewMurf creates a new Murf TTS provider.
func NewMurf(apiKey string) *MurfProvider {
	return &MurfProvider{apiKey: apiKey, baseURL: murfStreamURL}
}

// NewMurfWithURL creates a provider pointed at a custom endpoint. Used by
// tests with a local WebSocket server.
func NewMurfWithURL(apiKey, baseURL string) *MurfProvider {
	return &MurfProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *MurfProvider) Name() string {
	return "murf"
}

// NewStream opens a streaming synthesis session. The voice configuration
// is sent as the first message, before any text.
func (p *MurfProvider) NewStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	if opts.VoiceID == "" {
		opts.VoiceID = "en-US-amara"
	}
	if opts.Style == "" {
		opts.Style = "Conversational"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 44100
	}
	if opts.Format == "" {
		opts.Format = "WAV"
	}

	q := u.Query()
	q.Set("api-key", p.apiKey)
	q.Set("sample_rate", fmt.Sprintf("%d", opts.SampleRate))
	q.Set("channel_type", "MONO")
	q.Set("format", opts.Format)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &murfStream{
		conn:   conn,
		chunks: make(chan Chunk, 100),
		done:   make(chan struct{}),
	}
	if err := s.writeJSON(murfVoiceConfig{VoiceConfig: murfVoice{
		VoiceID: opts.VoiceID,
		Style:   opts.Style,
		Rate:    opts.Rate,
		Pitch:   opts.Pitch,
	}}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send voice config: %w", err)
	}
	go s.readLoop()
	return s, nil
}

type murfVoiceConfig struct {
	VoiceConfig murfVoice `json:"voice_config"`
}

type murfVoice struct {
	VoiceID string `json:"voiceId"`
	Style   string `json:"style"`
	Rate    int    `json:"rate"`
	Pitch   int    `json:"pitch"`
}

type murfTextMessage struct {
	Text string `json:"text"`
	End  bool   `json:"end,omitempty"`
}

type murfResponse struct {
	Audio string `json:"audio"`
	Final bool   `json:"final"`
	Error string `json:"error"`
}

type murfStream struct {
	conn    *websocket.Conn
	chunks  chan Chunk
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	errMu   sync.Mutex
	err     error
}

func (s *murfStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *murfStream) readLoop() {
	defer close(s.chunks)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(fmt.Errorf("read audio: %w", err))
			}
			return
		}

		var msg murfResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			s.setErr(fmt.Errorf("synthesis failed: %s", msg.Error))
			return
		}

		var audio []byte
		if msg.Audio != "" {
			audio, err = base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.setErr(fmt.Errorf("decode audio: %w", err))
				return
			}
		}
		select {
		case s.chunks <- Chunk{Audio: audio, Final: msg.Final}:
		case <-s.done:
			return
		}
		if msg.Final {
			return
		}
	}
}

// SendText sends a text fragment for synthesis.
func (s *murfStream) SendText(text string, final bool) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	return s.writeJSON(murfTextMessage{Text: text, End: final})
}

// Chunks returns the channel of audio chunks.
func (s *murfStream) Chunks() <-chan Chunk {
	return s.chunks
}

// Err reports the failure that ended the stream, if any.
func (s *murfStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *murfStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close tears the stream down. Safe to call multiple times.
func (s *murfStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
