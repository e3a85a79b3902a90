package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const assemblyAIStreamURL = "wss://streaming.assemblyai.com/v3/ws"

// AssemblyAIProvider implements the STT Provider interface using
// AssemblyAI's universal-streaming API.
type AssemblyAIProvider struct {
	apiKey  string
	baseURL string
}

// NewAssemblyAI creates a new AssemblyAI STT provider.
func NewAssemblyAI(apiKey string) *AssemblyAIProvider {
	return &AssemblyAIProvider{apiKey: apiKey, baseURL: assemblyAIStreamURL}
}

// NewAssemblyAIWithURL creates a provider pointed at a custom endpoint.
// Used by tests with a local WebSocket server.
func NewAssemblyAIWithURL(apiKey, baseURL string) *AssemblyAIProvider {
	return &AssemblyAIProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *AssemblyAIProvider) Name() string {
	return "assemblyai"
}

// NewSession opens a streaming transcription session over WebSocket.
func (p *AssemblyAIProvider) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	q := u.Query()
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	if opts.FormatTurns {
		q.Set("format_turns", "true")
	}
	q.Set("encoding", "pcm_s16le")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
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

	ctx, cancel := context.WithCancel(ctx)
	s := &assemblyAISession{
		conn:   conn,
		deltas: make(chan Delta, 100),
		audio:  make(chan []byte, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

type assemblyAISession struct {
	conn    *websocket.Conn
	deltas  chan Delta
	audio   chan []byte
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type assemblyAIMessage struct {
	Type            string `json:"type"` // "Begin", "Turn", "Termination", "Error"
	ID              string `json:"id"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error"`
}

func (s *assemblyAISession) readLoop() {
	defer func() {
		close(s.deltas)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.emit(Delta{Err: fmt.Errorf("read transcript: %w", err)})
			return
		}

		var msg assemblyAIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Begin":
			continue

		case "Turn":
			s.emit(Delta{
				Text:      msg.Transcript,
				EndOfTurn: msg.EndOfTurn,
				IsFinal:   msg.EndOfTurn && msg.TurnIsFormatted,
			})

		case "Termination":
			return

		case "Error":
			s.emit(Delta{Err: fmt.Errorf("transcription failed: %s", msg.Error)})
			return
		}
	}
}

func (s *assemblyAISession) emit(d Delta) {
	select {
	case s.deltas <- d:
	case <-s.ctx.Done():
	}
}

func (s *assemblyAISession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.audio:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.BinaryMessage, chunk)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Feed queues audio without blocking. When the queue is full the chunk is
// dropped; the provider tolerates gaps far better than the capture path
// tolerates a stall.
func (s *assemblyAISession) Feed(data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.audio <- data:
		return nil
	default:
		s.dropped.Add(1)
		return nil
	}
}

// Deltas returns the channel of transcript deltas.
func (s *assemblyAISession) Deltas() <-chan Delta {
	return s.deltas
}

// Done returns a channel that's closed when the session ends.
func (s *assemblyAISession) Done() <-chan struct{} {
	return s.done
}

// DroppedChunks reports how many audio chunks were discarded under
// backpressure.
func (s *assemblyAISession) DroppedChunks() int64 {
	return s.dropped.Load()
}

// Close terminates the session. Safe to call multiple times.
func (s *assemblyAISession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	// Ask the service to flush and terminate before dropping the socket.
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	s.cancel()
	return s.conn.Close()
}
