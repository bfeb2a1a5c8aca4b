package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// EncodeSSE writes one event in server-sent-events framing.
func EncodeSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}

// Flusher matches http.Flusher without importing net/http here.
type Flusher interface {
	Flush()
}

// SSEWriter serializes events onto one response, flushing after each.
type SSEWriter struct {
	mu sync.Mutex
	w  io.Writer
	f  Flusher
}

// NewSSEWriter wraps a response writer. f may be nil.
func NewSSEWriter(w io.Writer, f Flusher) *SSEWriter {
	return &SSEWriter{w: w, f: f}
}

// Write emits one event.
func (s *SSEWriter) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := EncodeSSE(s.w, ev); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}
