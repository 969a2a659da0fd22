package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/CopilotKit/agentrunner/internal/model"
)

// sseWriter streams run events to one HTTP client as server-sent events.
// Each event goes out as an `event:` line carrying the protocol event type
// and a `data:` line carrying the full event JSON.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("server: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) send(ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("server: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// streamEvents pumps events from ch to the client until the stream closes
// or the client goes away. A write error or disconnect only ends this
// view; the run itself is unaffected.
func streamEvents(r *http.Request, sse *sseWriter, ch <-chan model.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.send(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
