package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UtkarshKm/ai-voice-agent/pkg/core"
	"github.com/UtkarshKm/ai-voice-agent/pkg/llm"
	"github.com/UtkarshKm/ai-voice-agent/pkg/store"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/stt"
	"github.com/UtkarshKm/ai-voice-agent/pkg/voice/tts"
)

type fakeSTTSession struct {
	mu     sync.Mutex
	fed    [][]byte
	deltas chan stt.Delta
	done   chan struct{}
	once   sync.Once

	// holdDeltasOnClose keeps the delta channel open after Close so a
	// test can deliver flushed finals itself.
	holdDeltasOnClose bool
}

func newFakeSTTSession() *fakeSTTSession {
	return &fakeSTTSession{
		deltas: make(chan stt.Delta, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeSTTSession) Feed(data []byte) error {
	f.mu.Lock()
	f.fed = append(f.fed, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSTTSession) fedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fed)
}

func (f *fakeSTTSession) Deltas() <-chan stt.Delta { return f.deltas }

func (f *fakeSTTSession) Done() <-chan struct{} { return f.done }

func (f *fakeSTTSession) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		hold := f.holdDeltasOnClose
		f.mu.Unlock()
		close(f.done)
		if !hold {
			close(f.deltas)
		}
	})
	return nil
}

type fakeSTTProvider struct {
	mu    sync.Mutex
	queue []*fakeSTTSession
	calls int
}

func (f *fakeSTTProvider) Name() string { return "fake-stt" }

// NewSession hands out queued sessions in order, repeating the last one.
func (f *fakeSTTProvider) NewSession(ctx context.Context, opts stt.SessionOptions) (stt.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	sess := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return sess, nil
}

func (f *fakeSTTProvider) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTTSStream struct {
	mu     sync.Mutex
	sent   []string
	chunks chan tts.Chunk
	once   sync.Once
}

func newFakeTTSStream() *fakeTTSStream {
	return &fakeTTSStream{chunks: make(chan tts.Chunk, 16)}
}

func (f *fakeTTSStream) SendText(text string, final bool) error {
	f.mu.Lock()
	if text != "" {
		f.sent = append(f.sent, text)
	}
	f.mu.Unlock()
	if final {
		f.once.Do(func() {
			f.chunks <- tts.Chunk{Audio: []byte{0xAA, 0xBB}}
			f.chunks <- tts.Chunk{Audio: []byte{0xCC}, Final: true}
			close(f.chunks)
		})
	}
	return nil
}

func (f *fakeTTSStream) Chunks() <-chan tts.Chunk { return f.chunks }

func (f *fakeTTSStream) Err() error { return nil }

func (f *fakeTTSStream) Close() error { return nil }

type fakeTTSProvider struct {
	stream  *fakeTTSStream
	openErr error
}

func (f *fakeTTSProvider) Name() string { return "fake-tts" }

func (f *fakeTTSProvider) NewStream(ctx context.Context, opts tts.StreamOptions) (tts.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

type fakeGenerator struct {
	mu        sync.Mutex
	histories [][]store.Turn
	fragments []string
	err       error

	// block, when set, holds Generate until the test releases it.
	block chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, systemPrompt string, history []store.Turn, chunks chan<- string) (*llm.Result, error) {
	defer close(chunks)
	f.mu.Lock()
	f.histories = append(f.histories, history)
	fragments := f.fragments
	genErr := f.err
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if genErr != nil {
		return nil, genErr
	}
	for _, fragment := range fragments {
		select {
		case chunks <- fragment:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.Result{Text: strings.Join(fragments, "")}, nil
}

func (f *fakeGenerator) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

type testHarness struct {
	client  *websocket.Conn
	sttSess *fakeSTTSession
	sttProv *fakeSTTProvider
	gen     *fakeGenerator
	store   *store.Memory
	done    chan error
}

func newHarness(t *testing.T, gen *fakeGenerator, ttsProv *fakeTTSProvider) *testHarness {
	return newHarnessStore(t, gen, ttsProv, nil)
}

// newHarnessStore lets a test interpose on the store the session sees.
func newHarnessStore(t *testing.T, gen *fakeGenerator, ttsProv *fakeTTSProvider, wrapStore func(store.Store) store.Store) *testHarness {
	t.Helper()
	h := &testHarness{
		sttSess: newFakeSTTSession(),
		gen:     gen,
		store:   store.NewMemory(),
		done:    make(chan error, 1),
	}
	h.sttProv = &fakeSTTProvider{queue: []*fakeSTTSession{h.sttSess}}
	if ttsProv == nil {
		ttsProv = &fakeTTSProvider{stream: newFakeTTSStream()}
	}
	var st store.Store = h.store
	if wrapStore != nil {
		st = wrapStore(h.store)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess, err := New(Dependencies{
			Conn:      conn,
			Store:     st,
			STT:       h.sttProv,
			TTS:       ttsProv,
			Generator: gen,
			RequestID: "req-test",
		})
		if err != nil {
			t.Errorf("New: %v", err)
			return
		}
		h.done <- sess.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *testHarness) sendJSON(t *testing.T, v any) {
	t.Helper()
	if err := h.client.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readMessages collects server messages until one of the given type
// arrives, or fails on timeout.
func (h *testHarness) readUntil(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var got []map[string]any
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = h.client.SetReadDeadline(deadline)
		_, data, err := h.client.ReadMessage()
		if err != nil {
			t.Fatalf("read (waiting for %q, got %v): %v", typ, got, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		got = append(got, msg)
		if msg["type"] == typ {
			return got
		}
	}
}

func typesOf(msgs []map[string]any) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m["type"].(string)
	}
	return out
}

func configMsg() map[string]any {
	return map[string]any{
		"type":        "config",
		"session_id":  "test-session-1",
		"sample_rate": 16000,
		"persona":     "default",
	}
}

func TestFullTurnPipeline(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"Hello ", "there."}}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, configMsg())
	h.sendJSON(t, map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
	})

	// Give the audio frame time to land before checking.
	waitFor(t, func() bool { return h.sttSess.fedCount() == 1 })

	h.sttSess.deltas <- stt.Delta{Text: "hello", EndOfTurn: false}
	h.sttSess.deltas <- stt.Delta{Text: "Hello there.", EndOfTurn: true, IsFinal: true}

	msgs := h.readUntil(t, "llm_end")
	types := typesOf(msgs)

	// Interim transcript, then the turn pipeline in order.
	want := map[string]bool{
		"transcript": false, "user_transcript": false, "llm_chunk": false,
		"audio": false, "llm_response": false, "llm_end": false,
	}
	for _, typ := range types {
		want[typ] = true
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("missing %q in %v", typ, types)
		}
	}
	if indexOf(types, "user_transcript") > indexOf(types, "llm_chunk") {
		t.Fatalf("user_transcript should precede llm_chunk: %v", types)
	}
	if indexOf(types, "llm_response") > indexOf(types, "llm_end") {
		t.Fatalf("llm_response should precede llm_end: %v", types)
	}

	// Final audio chunk is flagged.
	var lastAudio map[string]any
	for _, m := range msgs {
		if m["type"] == "audio" {
			lastAudio = m
		}
	}
	if lastAudio["final"] != true {
		t.Fatalf("last audio frame = %v, want final", lastAudio)
	}

	// History holds the user and model turns.
	history, err := h.store.History(context.Background(), "test-session-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d turns, want 2", len(history))
	}
	if history[0].Role != store.RoleUser || history[0].Text != "Hello there." {
		t.Fatalf("user turn = %+v", history[0])
	}
	if history[1].Role != store.RoleModel || history[1].Text != "Hello there." {
		t.Fatalf("model turn = %+v", history[1])
	}
}

func TestGenerationFailureRetractsUserTurn(t *testing.T) {
	gen := &fakeGenerator{err: core.NewGenerationTimeout("too slow")}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, configMsg())
	h.sttSess.deltas <- stt.Delta{Text: "Anyone there?", EndOfTurn: true, IsFinal: true}

	msgs := h.readUntil(t, "llm_end")
	var errMsg map[string]any
	for _, m := range msgs {
		if m["type"] == "error" {
			errMsg = m
		}
	}
	if errMsg == nil {
		t.Fatalf("no error message in %v", typesOf(msgs))
	}
	if errMsg["error"] != "generation_timeout" {
		t.Fatalf("error = %v, want generation_timeout", errMsg["error"])
	}

	// The failed turn left no trace.
	history, err := h.store.History(context.Background(), "test-session-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history = %+v, want empty", history)
	}

	// The session recovered: a second turn still works.
	gen.mu.Lock()
	gen.err = nil
	gen.fragments = []string{"Recovered."}
	gen.mu.Unlock()
	h.sttSess.deltas <- stt.Delta{Text: "Try again.", EndOfTurn: true, IsFinal: true}
	msgs = h.readUntil(t, "llm_end")
	found := false
	for _, m := range msgs {
		if m["type"] == "llm_response" && m["data"] == "Recovered." {
			found = true
		}
	}
	if !found {
		t.Fatalf("no recovered response in %v", msgs)
	}
}

func TestAudioDroppedWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{fragments: []string{"Busy."}, block: release}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, configMsg())
	h.sttSess.deltas <- stt.Delta{Text: "First turn.", EndOfTurn: true, IsFinal: true}
	_ = h.readUntil(t, "user_transcript")

	// Audio sent while the turn runs never reaches transcription.
	h.sendJSON(t, map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString([]byte{0x0F}),
	})
	time.Sleep(200 * time.Millisecond)
	if h.sttSess.fedCount() != 0 {
		t.Fatalf("fed = %d chunks during processing, want 0", h.sttSess.fedCount())
	}
	close(release)
	_ = h.readUntil(t, "llm_end")

	// Back to listening: audio flows again.
	h.sendJSON(t, map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString([]byte{0x0F}),
	})
	waitFor(t, func() bool { return h.sttSess.fedCount() == 1 })
}

func TestDuplicateFinalTranscriptIgnored(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{fragments: []string{"Once."}, block: release}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, configMsg())
	h.sttSess.deltas <- stt.Delta{Text: "Say it once.", EndOfTurn: true, IsFinal: true}
	h.sttSess.deltas <- stt.Delta{Text: "Say it once.", EndOfTurn: true, IsFinal: true}
	_ = h.readUntil(t, "user_transcript")
	// Both finals must be through the state machine before the turn is
	// allowed to finish, so the duplicate lands while still processing.
	waitFor(t, func() bool { return len(h.sttSess.deltas) == 0 })
	close(release)

	_ = h.readUntil(t, "llm_end")
	if gen.runs() != 1 {
		t.Fatalf("generator ran %d times, want 1", gen.runs())
	}
}

func TestStopRecordingClosesCapture(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"Done."}}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, configMsg())
	h.sendJSON(t, map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString([]byte{0x01}),
	})
	waitFor(t, func() bool { return h.sttSess.fedCount() == 1 })

	h.sttSess.deltas <- stt.Delta{Text: "Wrap it up.", EndOfTurn: true, IsFinal: true}
	_ = h.readUntil(t, "user_transcript")

	// Stop closes the capture session even while the turn runs.
	h.sendJSON(t, map[string]any{"type": "stop_recording"})
	select {
	case <-h.sttSess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stt session not closed on stop")
	}
	_ = h.readUntil(t, "llm_end")

	// Capture stays closed after the turn: audio is dropped.
	h.sendJSON(t, map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString([]byte{0x02}),
	})
	time.Sleep(200 * time.Millisecond)
	if h.sttSess.fedCount() != 1 {
		t.Fatalf("fed = %d chunks after stop, want 1", h.sttSess.fedCount())
	}
}

func TestFinalAfterStopDropped(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"Never."}}
	h := newHarness(t, gen, nil)
	h.sttSess.mu.Lock()
	h.sttSess.holdDeltasOnClose = true
	h.sttSess.mu.Unlock()

	h.sendJSON(t, configMsg())
	h.sendJSON(t, map[string]any{"type": "stop_recording"})
	select {
	case <-h.sttSess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stt session not closed on stop")
	}

	// A final flushed out after stop never starts a turn.
	h.sttSess.deltas <- stt.Delta{Text: "Too late.", EndOfTurn: true, IsFinal: true}
	time.Sleep(200 * time.Millisecond)
	if gen.runs() != 0 {
		t.Fatalf("generator ran %d times after stop, want 0", gen.runs())
	}
	close(h.sttSess.deltas)

	// The connection itself stays up until the client leaves.
	select {
	case err := <-h.done:
		t.Fatalf("session shut down after stop (Run returned %v)", err)
	default:
	}
	_ = h.client.Close()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down on disconnect")
	}
}

func TestTranscriptionErrorKeepsServing(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"Back."}}
	h := newHarness(t, gen, nil)
	replacement := newFakeSTTSession()
	h.sttProv.mu.Lock()
	h.sttProv.queue = append(h.sttProv.queue, replacement)
	h.sttProv.mu.Unlock()

	h.sendJSON(t, configMsg())
	h.sttSess.deltas <- stt.Delta{Err: errors.New("backend connection dropped")}

	msgs := h.readUntil(t, "error")
	last := msgs[len(msgs)-1]
	if last["error"] != "transcription_failed" {
		t.Fatalf("error = %v, want transcription_failed", last["error"])
	}

	// The failed session is replaced and audio flows into the new one.
	waitFor(t, func() bool { return h.sttProv.sessionCount() == 2 })
	select {
	case <-h.sttSess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("failed stt session not closed")
	}
	h.sendJSON(t, map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString([]byte{0x03}),
	})
	waitFor(t, func() bool { return replacement.fedCount() == 1 })

	// A later utterance still completes a full turn.
	replacement.deltas <- stt.Delta{Text: "Still here?", EndOfTurn: true, IsFinal: true}
	msgs = h.readUntil(t, "llm_end")
	found := false
	for _, m := range msgs {
		if m["type"] == "llm_response" && m["data"] == "Back." {
			found = true
		}
	}
	if !found {
		t.Fatalf("no response after transcription restart in %v", msgs)
	}
}

func TestTranscriberLossDuringTurnEndsSession(t *testing.T) {
	release := make(chan struct{})
	gen := &fakeGenerator{fragments: []string{"Finishing."}, block: release}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, configMsg())
	h.sttSess.deltas <- stt.Delta{Text: "Last words.", EndOfTurn: true, IsFinal: true}
	_ = h.readUntil(t, "user_transcript")

	// The transcriber dies while the turn is in flight.
	_ = h.sttSess.Close()
	close(release)

	// The turn still completes and persists, then the session ends
	// rather than listening with no transcriber.
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down after transcriber loss")
	}
	history, err := h.store.History(context.Background(), "test-session-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v, want user and model turns", history)
	}
}

func TestProtocolErrorClosesSession(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, map[string]any{"type": "config", "session_id": "abc"})
	msgs := h.readUntil(t, "error")
	last := msgs[len(msgs)-1]
	if last["error"] != "protocol_error" {
		t.Fatalf("error = %v, want protocol_error", last["error"])
	}
	if last["param"] != "session_id" {
		t.Fatalf("param = %v, want session_id", last["param"])
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down")
	}
}

func TestSynthesisFailureDegradesToText(t *testing.T) {
	gen := &fakeGenerator{fragments: []string{"Text only."}}
	h := newHarness(t, gen, &fakeTTSProvider{openErr: errors.New("tts down")})

	h.sendJSON(t, configMsg())
	h.sttSess.deltas <- stt.Delta{Text: "Speak up.", EndOfTurn: true, IsFinal: true}

	msgs := h.readUntil(t, "llm_end")
	types := typesOf(msgs)
	if indexOf(types, "llm_response") < 0 {
		t.Fatalf("no llm_response in %v", types)
	}
	if indexOf(types, "audio") >= 0 {
		t.Fatalf("unexpected audio in %v", types)
	}
	sawSynthesisError := false
	for _, m := range msgs {
		if m["type"] == "error" && m["error"] == "synthesis_failed" {
			sawSynthesisError = true
		}
	}
	if !sawSynthesisError {
		t.Fatalf("no synthesis_failed error in %v", msgs)
	}

	// The model turn is still persisted.
	history, err := h.store.History(context.Background(), "test-session-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[1].Text != "Text only." {
		t.Fatalf("history = %+v", history)
	}
}

func TestClientDisconnectTearsDown(t *testing.T) {
	gen := &fakeGenerator{}
	h := newHarness(t, gen, nil)

	h.sendJSON(t, configMsg())
	// Configuration persisted means the stt session is live.
	waitFor(t, func() bool {
		_, err := h.store.History(context.Background(), "test-session-1")
		return err == nil
	})

	_ = h.client.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down on disconnect")
	}
	select {
	case <-h.sttSess.Done():
	case <-time.After(time.Second):
		t.Fatal("stt session not closed on teardown")
	}
}

// retractRecorder observes the context each retraction runs under.
type retractRecorder struct {
	store.Store
	mu      sync.Mutex
	ctxErrs []error
}

func (r *retractRecorder) RetractUserTurn(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.mu.Unlock()
	return r.Store.RetractUserTurn(ctx, id)
}

func (r *retractRecorder) retractions() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error{}, r.ctxErrs...)
}

func TestRetractionSurvivesDisconnect(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeGenerator{err: errors.New("unreachable"), block: block}
	rec := &retractRecorder{}
	h := newHarnessStore(t, gen, nil, func(s store.Store) store.Store {
		rec.Store = s
		return rec
	})

	h.sendJSON(t, configMsg())
	h.sttSess.deltas <- stt.Delta{Text: "Hold on.", EndOfTurn: true, IsFinal: true}
	_ = h.readUntil(t, "user_transcript")
	waitFor(t, func() bool {
		history, err := h.store.History(context.Background(), "test-session-1")
		return err == nil && len(history) == 1
	})

	// Disconnecting cancels the session context while generation is
	// still blocked; the turn fails with that cancellation.
	_ = h.client.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down on disconnect")
	}

	errs := rec.retractions()
	if len(errs) != 1 {
		t.Fatalf("retract called %d times, want 1", len(errs))
	}
	if errs[0] != nil {
		t.Fatalf("retract ran on a dead context: %v", errs[0])
	}
	history, err := h.store.History(context.Background(), "test-session-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history = %+v, want the user turn retracted", history)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}
