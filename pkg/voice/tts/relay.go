package tts

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultReceiveTimeout bounds how long the relay waits between audio
// chunks before treating synthesis as complete.
const DefaultReceiveTimeout = 30 * time.Second

// Relay pumps text fragments from text into the stream while forwarding
// synthesized audio to emit, concurrently. It returns once the stream
// signals its final chunk, the text channel closes and audio goes quiet,
// or emit fails.
//
// The returned string is the full concatenated text, accumulated even
// when synthesis fails partway: callers persist the assistant turn from
// it regardless of audio outcome. A receive timeout is not an error;
// whatever audio arrived is all the caller gets.
func Relay(ctx context.Context, stream Stream, text <-chan string, emit func(Chunk) error, recvTimeout time.Duration) (string, error) {
	if recvTimeout <= 0 {
		recvTimeout = DefaultReceiveTimeout
	}

	var full strings.Builder
	var g errgroup.Group

	g.Go(func() error {
		var sendErr error
		for fragment := range text {
			full.WriteString(fragment)
			if sendErr != nil {
				// Keep draining so the transcript stays complete.
				continue
			}
			if err := stream.SendText(fragment, false); err != nil {
				sendErr = err
			}
		}
		if sendErr != nil {
			return sendErr
		}
		return stream.SendText("", true)
	})

	g.Go(func() error {
		timer := time.NewTimer(recvTimeout)
		defer timer.Stop()
		for {
			select {
			case chunk, ok := <-stream.Chunks():
				if !ok {
					return stream.Err()
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(recvTimeout)
				if err := emit(chunk); err != nil {
					return err
				}
				if chunk.Final {
					return nil
				}
			case <-timer.C:
				// The provider went quiet; assume it is done.
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	return full.String(), err
}
