// Package sse reads and writes Server-Sent Events frames.
package sse

import (
	"bytes"
	"strings"
)

// Record is one decoded event frame.
type Record struct {
	Event string
	Data  string
	ID    string
}

// Decoder splits a byte stream into records. Bytes of an unterminated record
// are kept between calls to Feed, so a record split across reads is never lost.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the buffered input and returns every record completed by it.
func (d *Decoder) Feed(chunk []byte) []Record {
	d.buf = append(d.buf, chunk...)

	var records []Record
	for {
		end, next := frameBoundary(d.buf)
		if end < 0 {
			break
		}
		if rec, ok := parseFrame(d.buf[:end]); ok {
			records = append(records, rec)
		}
		d.buf = d.buf[next:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return records
}

// Pending reports whether an undelimited tail is buffered.
func (d *Decoder) Pending() bool {
	return len(bytes.TrimSpace(d.buf)) > 0
}

// Reset discards any buffered tail. A stream that ends mid-record leaves
// an incomplete frame, which is dropped rather than dispatched.
func (d *Decoder) Reset() {
	d.buf = nil
}

// frameBoundary finds the first blank line in b. It returns the length of the
// frame before it and the offset just after it, or -1 when none is buffered.
func frameBoundary(b []byte) (end, next int) {
	lineStart := 0
	for i := 0; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		line := b[lineStart:i]
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return lineStart, i + 1
		}
		lineStart = i + 1
	}
	return -1, -1
}

func parseFrame(frame []byte) (Record, bool) {
	var (
		rec      Record
		data     []string
		hasField bool
	)
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			rec.Event = value
			hasField = true
		case "data":
			data = append(data, value)
			hasField = true
		case "id":
			rec.ID = value
		}
	}
	if !hasField {
		return Record{}, false
	}
	rec.Data = strings.Join(data, "\n")
	return rec, true
}
