package sse

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderSingleChunk(t *testing.T) {
	var d Decoder
	recs := d.Feed([]byte("event: session:created\ndata: {\"session_id\":\"s1\"}\n\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, "session:created", recs[0].Event)
	assert.Equal(t, `{"session_id":"s1"}`, recs[0].Data)
	assert.False(t, d.Pending())
}

func TestDecoderSplitAcrossChunks(t *testing.T) {
	stream := "event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\"What is \"}\n\n" +
		"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\"2+2?\"}\n\n"

	// Every split point must yield the same two records.
	for split := 0; split <= len(stream); split++ {
		var d Decoder
		recs := d.Feed([]byte(stream[:split]))
		recs = append(recs, d.Feed([]byte(stream[split:]))...)
		require.Len(t, recs, 2, "split at %d", split)
		assert.Equal(t, `{"question_id":"q1","content":"What is "}`, recs[0].Data)
		assert.Equal(t, `{"question_id":"q1","content":"2+2?"}`, recs[1].Data)
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	stream := []byte("event: done\ndata: {}\n\nevent: agent:thinking\ndata: {\"step\":\"x\"}\n\n")
	var d Decoder
	var recs []Record
	for _, b := range stream {
		recs = append(recs, d.Feed([]byte{b})...)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, "done", recs[0].Event)
	assert.Equal(t, "agent:thinking", recs[1].Event)
}

func TestDecoderCRLF(t *testing.T) {
	var d Decoder
	recs := d.Feed([]byte("event: done\r\ndata: {}\r\n\r\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, "done", recs[0].Event)
	assert.Equal(t, "{}", recs[0].Data)
}

func TestDecoderFields(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Record
	}{
		{
			name:  "multi-line data",
			input: "data: line one\ndata: line two\n\n",
			want:  []Record{{Data: "line one\nline two"}},
		},
		{
			name:  "comment ignored",
			input: ": keep-alive\nevent: done\ndata: {}\n\n",
			want:  []Record{{Event: "done", Data: "{}"}},
		},
		{
			name:  "comment-only frame skipped",
			input: ": ping\n\nevent: done\ndata: {}\n\n",
			want:  []Record{{Event: "done", Data: "{}"}},
		},
		{
			name:  "no space after colon",
			input: "event:done\ndata:{}\n\n",
			want:  []Record{{Event: "done", Data: "{}"}},
		},
		{
			name:  "event without data",
			input: "event: done\n\n",
			want:  []Record{{Event: "done"}},
		},
		{
			name:  "id and unknown field",
			input: "id: 7\nretry: 100\nevent: done\ndata: {}\n\n",
			want:  []Record{{Event: "done", Data: "{}", ID: "7"}},
		},
		{
			name:  "extra blank lines",
			input: "\n\nevent: done\ndata: {}\n\n\n",
			want:  []Record{{Event: "done", Data: "{}"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			got := d.Feed([]byte(tt.input))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoderTrailingPartialDiscarded(t *testing.T) {
	var d Decoder
	recs := d.Feed([]byte("event: done\ndata: {}\n\nevent: generation:chunk\ndata: {\"question_id\":\"q1\"}"))
	require.Len(t, recs, 1)
	assert.True(t, d.Pending())

	d.Reset()
	assert.False(t, d.Pending())
	assert.Empty(t, d.Feed([]byte("\n")))
}

func TestEncoderRoundTripsThroughDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode("generation:chunk", map[string]string{"question_id": "q1", "content": "a"}))
	require.NoError(t, enc.WriteRecord(Record{Event: "note", Data: "x\ny"}))

	var d Decoder
	recs := d.Feed(buf.Bytes())
	require.Len(t, recs, 2)
	assert.Equal(t, "generation:chunk", recs[0].Event)
	assert.JSONEq(t, `{"question_id":"q1","content":"a"}`, recs[0].Data)
	assert.Equal(t, "x\ny", recs[1].Data)
}

func TestEncoderFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)
	require.NoError(t, enc.Encode("done", struct{}{}))
	assert.True(t, rec.Flushed)
	assert.Equal(t, "event: done\ndata: {}\n\n", rec.Body.String())
}
