// Package session orchestrates one live voice conversation: audio in,
// transcript out, generated reply back as text and synthesized speech.
//
// A connection moves through a small state machine. It starts idle,
// waiting for the config message. Once configured it listens: audio
// frames feed the transcription session and interim transcripts echo
// back. A final transcript flips it to processing, which runs the turn
// pipeline (persist user turn, generate, synthesize) while newly arriving
// audio is dropped. When the turn finishes the session listens again,
// unless the client sent stop_recording, which closes capture for good
// and drops any final that lands afterwards.
//
// One goroutine owns the state machine, one owns the socket writes, and
// the turn pipeline runs on its own goroutine reporting back over a
// channel. Nothing else touches session state.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
	"github.com/UtkarshKm/ai-voice-agent/pkg/gateway/protocol"
	"github.com/UtkarshKm/ai-voice-agent/pkg/llm"
	"github.com/UtkarshKm/ai-voice-agent/pkg/persona"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/stt"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/tts"
)

type Config struct {
	MaxHistory          int
	MaxAudioChunkBytes  int
	MaxAudioSeconds     int
	MaxJSONMessageBytes int64
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	OutboundQueueSize   int
	TTSReceiveTimeout   time.Duration
	Voice               tts.StreamOptions
}

// Generator produces a streamed assistant reply. *llm.Driver implements it.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []store.Turn, chunks chan<- string) (*llm.Result, error)
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Store     store.Store
	STT       stt.Provider
	TTS       tts.Provider
	Generator Generator
	RequestID string
	Config    Config
	Now       func() time.Time
}

type LiveSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	store     store.Store
	stt       stt.Provider
	tts       tts.Provider
	generator Generator
	requestID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	teardownOnce sync.Once
}

type sessionState int

const (
	// stateIdle awaits the config message.
	stateIdle sessionState = iota
	// stateListening feeds inbound audio to transcription.
	stateListening
	// stateStopped has capture closed for good; the client asked for it,
	// so only an in-flight turn is still served.
	stateStopped
	// stateProcessing runs the turn pipeline; inbound audio is dropped.
	stateProcessing
)

type inboundFrame struct {
	data []byte
	err  error
}

type turnResult struct {
	err error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.MaxHistory <= 0 {
		deps.Config.MaxHistory = store.DefaultMaxHistory
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.TTSReceiveTimeout <= 0 {
		deps.Config.TTSReceiveTimeout = tts.DefaultReceiveTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		store:            deps.Store,
		stt:              deps.STT,
		tts:              deps.TTS,
		generator:        deps.Generator,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 16),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}, nil
}

// Run drives the session until the client disconnects or a fatal error
// occurs. It always returns with every owned resource released.
func (s *LiveSession) Run() error {
	defer s.teardown()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	writerErrCh := make(chan error, 1)
	go func() {
		w := &outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	// flushAndClose gives the writer a moment to drain queued priority
	// frames (a last error message) before the connection drops.
	flushAndClose := func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	var (
		state          = stateIdle
		stopped        bool
		sttSess        stt.Session
		sttDeltas      <-chan stt.Delta
		sessionID      string
		systemPrompt   string
		sampleRate     int
		turnAudioBytes int64

		runResultCh = make(chan turnResult, 1)
		wg          sync.WaitGroup
	)
	defer wg.Wait()
	defer func() {
		if sttSess != nil {
			_ = sttSess.Close()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			flushAndClose()
			return nil

		case err := <-writerErrCh:
			if err != nil {
				s.logger.Warn("outbound writer failed", "request_id", s.requestID, "error", err)
			}
			return err

		case frame, ok := <-readCh:
			if !ok {
				flushAndClose()
				return nil
			}
			if frame.err != nil {
				if !websocket.IsCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logger.Debug("read failed", "request_id", s.requestID, "error", frame.err)
				}
				flushAndClose()
				return nil
			}

			msg, err := protocol.DecodeClientMessage(frame.data)
			if err != nil {
				// Malformed control traffic ends the session.
				s.sendPriority(protocol.ErrorMessage(err))
				flushAndClose()
				return nil
			}

			switch m := msg.(type) {
			case protocol.ClientConfig:
				if state != stateIdle {
					s.sendPriority(protocol.ErrorMessage(
						core.NewProtocolError("session already configured", "type")))
					flushAndClose()
					return nil
				}
				sess, err := s.store.GetOrCreate(s.ctx, m.SessionID, m.Persona)
				if err != nil {
					s.logger.Error("session lookup failed", "request_id", s.requestID, "error", err)
					s.sendPriority(protocol.ErrorMessage(err))
					flushAndClose()
					return nil
				}
				sessionID = sess.ID
				systemPrompt = persona.Prompt(sess.Persona)
				sampleRate = m.SampleRate
				if sampleRate == 0 {
					sampleRate = 16000
				}
				sttSess, err = s.stt.NewSession(s.ctx, stt.SessionOptions{
					SampleRate:  sampleRate,
					FormatTurns: true,
				})
				if err != nil {
					s.logger.Error("stt session failed", "request_id", s.requestID, "error", err)
					s.sendPriority(protocol.ErrorMessage(
						core.NewTranscriptionError("failed to start transcription")))
					flushAndClose()
					return nil
				}
				sttDeltas = sttSess.Deltas()
				state = stateListening
				s.logger.Info("session configured",
					"request_id", s.requestID,
					"session_id", sessionID,
					"persona", sess.Persona,
					"sample_rate", sampleRate)

			case protocol.ClientAudio:
				if state != stateListening {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(m.Data)
				if err != nil {
					s.sendPriority(protocol.ErrorMessage(
						core.NewValidationError("audio.data is not valid base64", "data")))
					continue
				}
				if s.cfg.MaxAudioChunkBytes > 0 && len(data) > s.cfg.MaxAudioChunkBytes {
					s.sendPriority(protocol.ErrorMessage(
						core.NewValidationError("audio chunk exceeds maximum size", "data")))
					continue
				}
				turnAudioBytes += int64(len(data))
				if s.cfg.MaxAudioSeconds > 0 &&
					turnAudioBytes > int64(s.cfg.MaxAudioSeconds*sampleRate*2) {
					s.sendPriority(protocol.ErrorMessage(
						core.NewValidationError("audio exceeds maximum turn duration", "data")))
					continue
				}
				_ = sttSess.Feed(data)

			case protocol.ClientStopRecording:
				if state == stateIdle || stopped {
					continue
				}
				stopped = true
				if sttSess != nil {
					_ = sttSess.Close()
				}
				if state == stateListening {
					state = stateStopped
				}
			}

		case delta, ok := <-sttDeltas:
			if !ok {
				sttDeltas = nil
				if state == stateProcessing || stopped {
					continue
				}
				flushAndClose()
				return nil
			}
			if delta.Err != nil {
				if stopped {
					continue
				}
				s.logger.Warn("transcription failed", "request_id", s.requestID, "error", delta.Err)
				s.sendPriority(protocol.ErrorMessage(
					core.NewTranscriptionError("transcription backend failed")))
				// The backend connection is gone. Replace it and keep
				// serving; only a failed replacement ends the session.
				_ = sttSess.Close()
				next, nerr := s.stt.NewSession(s.ctx, stt.SessionOptions{
					SampleRate:  sampleRate,
					FormatTurns: true,
				})
				if nerr != nil {
					s.logger.Error("transcription restart failed", "request_id", s.requestID, "error", nerr)
					s.sendPriority(protocol.ErrorMessage(
						core.NewTranscriptionError("failed to restart transcription")))
					flushAndClose()
					return nil
				}
				sttSess = next
				sttDeltas = next.Deltas()
				continue
			}
			switch {
			case !delta.IsFinal:
				if delta.Text != "" && state != stateProcessing {
					s.send(protocol.Transcript(delta.Text))
				}
			case state == stateListening:
				text := strings.TrimSpace(delta.Text)
				if text == "" {
					continue
				}
				state = stateProcessing
				turnAudioBytes = 0
				s.sendPriority(protocol.UserTranscript(text))
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.runTurn(text, sessionID, systemPrompt, runResultCh)
				}()
			default:
				// Late finals are dropped: either a turn is already in
				// flight and the first final won, or the client stopped
				// capture before this one arrived.
			}

		case res := <-runResultCh:
			if res.err != nil {
				s.sendPriority(protocol.ErrorMessage(res.err))
			}
			s.send(protocol.LLMEnd())
			switch {
			case stopped:
				state = stateStopped
			case sttDeltas == nil:
				// The transcriber died mid-turn and nothing can feed a
				// next utterance.
				flushAndClose()
				return nil
			default:
				state = stateListening
			}
		}
	}
}

// runTurn executes the full turn pipeline: persist the user turn, stream
// the generated reply to the client and the synthesizer concurrently,
// then persist the outcome. On generation failure the user turn is
// retracted so history reads as if the turn never happened.
func (s *LiveSession) runTurn(userText, sessionID, systemPrompt string, results chan<- turnResult) {
	report := func(err error) {
		select {
		case results <- turnResult{err: err}:
		case <-s.ctx.Done():
		}
	}

	if err := s.store.Append(s.ctx, sessionID, s.cfg.MaxHistory, store.UserTurn(userText)); err != nil {
		s.logger.Error("append user turn failed", "request_id", s.requestID, "error", err)
		report(fmt.Errorf("persist user turn: %w", err))
		return
	}
	history, err := s.store.History(s.ctx, sessionID)
	if err != nil {
		report(fmt.Errorf("load history: %w", err))
		return
	}

	chunks := make(chan string, 64)
	ttsText := make(chan string, 64)

	// Fan each generated fragment to the client and the synthesizer.
	go func() {
		defer close(ttsText)
		for fragment := range chunks {
			s.send(protocol.LLMChunk(fragment))
			select {
			case ttsText <- fragment:
			case <-s.ctx.Done():
			}
		}
	}()

	type genOutcome struct {
		res *llm.Result
		err error
	}
	genCh := make(chan genOutcome, 1)
	go func() {
		res, err := s.generator.Generate(s.ctx, systemPrompt, history, chunks)
		genCh <- genOutcome{res: res, err: err}
	}()

	var relayErr error
	ttsStream, ttsErr := s.tts.NewStream(s.ctx, s.cfg.Voice)
	if ttsErr == nil {
		_, relayErr = tts.Relay(s.ctx, ttsStream, ttsText, func(c tts.Chunk) error {
			if len(c.Audio) > 0 || c.Final {
				s.send(protocol.Audio(base64.StdEncoding.EncodeToString(c.Audio), c.Final))
			}
			return nil
		}, s.cfg.TTSReceiveTimeout)
		_ = ttsStream.Close()
	} else {
		// No synthesizer; keep generation flowing, the turn degrades to
		// text only.
		for range ttsText {
		}
	}

	out := <-genCh
	if out.err != nil {
		// Retract on a context detached from the connection; a
		// disconnect mid-turn must not leave the dangling user turn
		// behind.
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, rerr := s.store.RetractUserTurn(rctx, sessionID); rerr != nil {
			s.logger.Error("retract user turn failed", "request_id", s.requestID, "error", rerr)
		}
		rcancel()
		report(out.err)
		return
	}

	turns := append([]store.Turn{}, out.res.ToolTurns...)
	turns = append(turns, store.ModelTurn(out.res.Text))
	if err := s.store.Append(s.ctx, sessionID, s.cfg.MaxHistory, turns...); err != nil {
		s.logger.Error("append assistant turn failed", "request_id", s.requestID, "error", err)
	}
	s.send(protocol.LLMResponse(out.res.Text))

	if ttsErr != nil {
		s.logger.Warn("synthesis unavailable", "request_id", s.requestID, "error", ttsErr)
		s.sendPriority(protocol.ErrorMessage(core.NewSynthesisError("failed to start synthesis")))
	} else if relayErr != nil && !errors.Is(relayErr, context.Canceled) {
		s.logger.Warn("synthesis failed", "request_id", s.requestID, "error", relayErr)
		s.sendPriority(protocol.ErrorMessage(core.NewSynthesisError("synthesis failed")))
	}
	report(nil)
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) send(v any) {
	s.enqueue(s.outboundNormal, v)
}

func (s *LiveSession) sendPriority(v any) {
	s.enqueue(s.outboundPriority, v)
}

func (s *LiveSession) enqueue(ch chan outboundFrame, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal outbound frame", "request_id", s.requestID, "error", err)
		return
	}
	select {
	case ch <- outboundFrame{payload: payload}:
	case <-s.ctx.Done():
	}
}

func (s *LiveSession) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
	})
}
