// Package stream adapts an HTTP response into the adapter.ChunkWriter sink
// frontends write translated SSE frames to.
package stream

import (
	"fmt"
	"net/http"
)

// SSEWriter implements adapter.ChunkWriter over an http.ResponseWriter,
// framing each write as a standard "data: <payload>\n\n" Server-Sent Event
// and flushing immediately so tokens reach the client in real time.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter sets the SSE response headers and returns a ready-to-use
// writer, or an error if w doesn't support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame satisfies adapter.ChunkWriter: writes data as one SSE event
// and flushes. The headers are sent on the first call, the same moment
// Go's HTTP server would otherwise buffer the first few KB.
func (s *SSEWriter) WriteFrame(data []byte) error {
	s.started = true
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Close writes and flushes a final ": end" SSE comment line, giving proxies that buffer on
// idle connections one last nudge — a no-op if no frame was ever written.
func (s *SSEWriter) Close() {
	if !s.started {
		return
	}
	fmt.Fprint(s.w, ": end\n\n")
	s.flusher.Flush()
}
