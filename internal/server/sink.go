package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"collab/internal/events"
	"collab/internal/observability"
)

// sseSink writes events to an SSE response as they arrive, recording each
// one into the replay buffer. The mutex keeps concurrently emitted events
// (parallel plan tasks, keepalives) from interleaving on the wire.
type sseSink struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	replay    *ReplayBuffer
	requestID string
	logger    *observability.Logger
}

func newSSESink(w io.Writer, flusher http.Flusher, replay *ReplayBuffer, requestID string, logger *observability.Logger) *sseSink {
	return &sseSink{w: w, flusher: flusher, replay: replay, requestID: requestID, logger: logger}
}

// Send implements events.Sink. A write failure means the client is gone;
// the error stops the producing handler.
func (s *sseSink) Send(ctx context.Context, ev events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := events.Encode(ev)
	if err != nil {
		// An unencodable event is a programming error; drop it rather than
		// kill the stream.
		s.logger.Error("failed to encode event", "type", string(ev.Type()), "error", err)
		return nil
	}

	if s.replay != nil && ev.Type() != events.TypeKeepalive {
		s.replay.Record(s.requestID, ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, encoded); err != nil {
		return fmt.Errorf("client write failed: %w", err)
	}
	s.flusher.Flush()
	return nil
}
