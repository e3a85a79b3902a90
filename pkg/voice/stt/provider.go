// Package stt provides streaming speech-to-text sessions.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Feed after a session has been closed.
var ErrSessionClosed = errors.New("stt: session closed")

// Provider opens live transcription sessions against a speech-to-text
// service.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewSession opens a streaming transcription session. Audio is fed
	// incrementally via Session.Feed and transcript deltas arrive on
	// Session.Deltas.
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
}

// SessionOptions configures a streaming session.
type SessionOptions struct {
	// SampleRate of the incoming PCM16 audio in Hz (default: 16000).
	SampleRate int
	// FormatTurns requests punctuated, formatted end-of-turn transcripts.
	FormatTurns bool
}

// Session is a live transcription stream.
//
// Feed never blocks on the network: audio is queued internally and a full
// queue drops the chunk rather than stalling the caller. Close is safe to
// call more than once and from any goroutine.
type Session interface {
	// Feed queues a chunk of audio for transcription.
	Feed(data []byte) error

	// Deltas returns the stream of transcript updates. The channel is
	// closed when the session ends, after any terminal error delta.
	Deltas() <-chan Delta

	// Done is closed when the session has fully shut down.
	Done() <-chan struct{}

	// Close terminates the session. Idempotent.
	Close() error
}

// Delta is a streaming transcript update. A delta with Err set is
// terminal: the provider failed and the channel closes after it.
type Delta struct {
	Text      string
	EndOfTurn bool
	// IsFinal marks a formatted end-of-turn transcript, the form the
	// conversation pipeline consumes. Interim deltas have it unset.
	IsFinal bool
	Err     error
}
