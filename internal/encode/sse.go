package encode

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writer is a minimal SSE sink shared by the OpenAI and Anthropic encoders.
// It lives here rather than in the proxy package, since the proxy package's
// Kiro handler imports this package and a reverse import would cycle.
type writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newWriter(w http.ResponseWriter) *writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &writer{w: w, flusher: flusher}
}

func (w *writer) writeEvent(event string, data interface{}) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", encoded); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *writer) writeRaw(event, data string) error {
	if event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
