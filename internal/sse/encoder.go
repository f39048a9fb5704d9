package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Encoder writes event frames and flushes after each one when the
// underlying writer supports it.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode marshals payload as JSON and writes it as one event frame.
func (e *Encoder) Encode(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return e.WriteRecord(Record{Event: event, Data: string(data)})
}

// WriteRecord writes rec verbatim. Multi-line data becomes several data lines.
func (e *Encoder) WriteRecord(rec Record) error {
	var b strings.Builder
	if rec.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", rec.ID)
	}
	if rec.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", rec.Event)
	}
	for _, line := range strings.Split(rec.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(e.w, b.String()); err != nil {
		return fmt.Errorf("write %s frame: %w", rec.Event, err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
