package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSE event names, in the order a client sees them.
const (
	eventReady       = "ready"
	eventTrace       = "trace"
	eventReportDelta = "report-delta"
	eventResult      = "result"
	eventError       = "error"
	eventDone        = "done"
)

// eventStream writes server-sent events. Once closed, sends are dropped so a
// run outliving its client never touches the finished response.
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

// send writes one event. It reports false when the stream is closed or the
// write failed, after which the stream stays closed.
func (s *eventStream) send(event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.closed = true
		return false
	}
	s.flusher.Flush()
	return true
}

// comment writes an SSE comment line, used as a keep-alive.
func (s *eventStream) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.closed = true
		return
	}
	s.flusher.Flush()
}

func (s *eventStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
