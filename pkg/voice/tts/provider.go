// Package tts provides streaming text-to-speech synthesis.
package tts

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned when sending text to a closed stream.
var ErrStreamClosed = errors.New("tts: stream closed")

// Provider opens streaming synthesis sessions against a text-to-speech
// service.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewStream opens a streaming synthesis session. Text is sent
	// incrementally via Stream.SendText and audio arrives on
	// Stream.Chunks.
	NewStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// StreamOptions configures a synthesis stream.
type StreamOptions struct {
	// VoiceID selects the voice (default: en-US-amara).
	VoiceID string
	// Style is a voice style hint (default: Conversational).
	Style string
	// Rate adjusts speaking rate, -50..50.
	Rate int
	// Pitch adjusts pitch, -50..50.
	Pitch int
	// SampleRate of the output audio in Hz (default: 44100).
	SampleRate int
	// Format of the output audio (default: WAV).
	Format string
}

// Stream is a live synthesis session. SendText and Chunks may be used
// from different goroutines; Close is idempotent.
type Stream interface {
	// SendText sends a text fragment. Set final on the last fragment to
	// signal end of input.
	SendText(text string, final bool) error

	// Chunks returns the stream of synthesized audio. The channel is
	// closed when synthesis ends or the stream fails.
	Chunks() <-chan Chunk

	// Err reports the failure that closed the chunk channel, if any.
	Err() error

	// Close tears the stream down. Idempotent.
	Close() error
}

// Chunk is a piece of synthesized audio. Final marks the last chunk of
// the utterance.
type Chunk struct {
	Audio []byte
	Final bool
}
