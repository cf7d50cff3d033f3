// Package sse writes server-sent event frames for the streaming endpoints.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
)

// Writer wraps an http.ResponseWriter for SSE streaming and counts forwarded
// events so the retry engine's streaming guard can consult it.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	events  atomic.Int64
}

// NewWriter creates an SSE writer. Fails when the underlying writer cannot
// flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders writes the SSE response headers. Must precede the first event.
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent writes a named event (Anthropic framing).
func (sw *Writer) WriteEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	sw.events.Add(1)
	sw.flusher.Flush()
	return nil
}

// WriteData writes an unnamed data frame (OpenAI framing).
func (sw *Writer) WriteData(data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	sw.events.Add(1)
	sw.flusher.Flush()
	return nil
}

// WriteDone writes the OpenAI terminal sentinel.
func (sw *Writer) WriteDone() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.events.Add(1)
	sw.flusher.Flush()
	return nil
}

// Wrote reports whether any frame has been forwarded. Once true, retries are
// off the table.
func (sw *Writer) Wrote() bool {
	return sw.events.Load() > 0
}
