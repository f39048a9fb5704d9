package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/qgen/internal/model"
)

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

type fakeBackend struct {
	mu       sync.Mutex
	streams  []io.ReadCloser
	openErr  error
	detail   *model.SessionDetail
	getErr   error
	getCalls int
	requests []model.GenerateRequest
}

func (f *fakeBackend) OpenStream(ctx context.Context, req model.GenerateRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	if len(f.streams) == 0 {
		return nil, errors.New("no stream queued")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeBackend) GetSession(_ context.Context, id string) (*model.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	d := *f.detail
	d.ID = id
	return &d, nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func streamOf(chunks ...string) io.ReadCloser {
	return io.NopCloser(&chunkReader{chunks: chunks})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func persistedDetail() *model.SessionDetail {
	return &model.SessionDetail{
		GenerationSession: model.GenerationSession{Status: model.StatusCompleted, QuestionCount: 1},
		Questions: []model.ReviewableQuestion{{
			GeneratedQuestion: model.GeneratedQuestion{ID: "q1", Text: "What is 2+2?"},
			Status:            model.ReviewPending,
		}},
		PendingCount: 1,
	}
}

const twoPlusTwo = "event: session:created\ndata: {\"session_id\":\"s1\"}\n\n" +
	"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\"What is \"}\n\n" +
	"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\"2+2?\"}\n\n" +
	"event: generation:question_complete\ndata: {\"question_id\":\"q1\",\"question_data\":{\"question_text\":\"What is 2+2?\",\"correct_answer\":\"4\"}}\n\n" +
	"event: done\ndata: {}\n\n"

func TestRunCompletesAndRefetchesOnce(t *testing.T) {
	b := &fakeBackend{
		streams: []io.ReadCloser{streamOf(twoPlusTwo[:37], twoPlusTwo[37:120], twoPlusTwo[120:], "event: done\ndata: {}\n\n")},
		detail:  persistedDetail(),
	}
	var updates []Snapshot
	g := New(b, WithLogger(quietLogger()), WithObserver(func(s Snapshot) { updates = append(updates, s) }))

	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "arithmetic", QuestionCount: 1})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, snap.Session.Status)
	assert.Equal(t, "s1", snap.Session.ID)
	require.Len(t, snap.Questions, 1)
	assert.Equal(t, "What is 2+2?", snap.Questions[0].Text)
	require.NotNil(t, snap.Persisted)
	assert.Equal(t, "s1", snap.Persisted.ID)
	assert.Equal(t, 1, b.calls())
	assert.False(t, g.Active())

	require.NotEmpty(t, updates)
	assert.Equal(t, model.StatusInitializing, updates[0].Session.Status)
	assert.Equal(t, snap, updates[len(updates)-1])
}

func TestRunSkipsMalformedRecord(t *testing.T) {
	stream := "event: session:created\ndata: {\"session_id\":\"s1\"}\n\n" +
		"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\"before \"}\n\n" +
		"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\n\n" +
		"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\"after\"}\n\n" +
		"event: agent:reflection\ndata: {}\n\n" +
		"event: done\ndata: {}\n\n"
	b := &fakeBackend{streams: []io.ReadCloser{streamOf(stream)}, detail: persistedDetail()}
	g := New(b, WithLogger(quietLogger()))

	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	require.Len(t, snap.Drafts, 1)
	assert.Equal(t, "before after", snap.Drafts[0].Text)
	assert.Equal(t, model.StatusCompleted, snap.Session.Status)
}

func TestRunErrorEventFailsSession(t *testing.T) {
	stream := "event: session:created\ndata: {\"session_id\":\"s1\"}\n\n" +
		"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\"partial\"}\n\n" +
		"event: error:message\ndata: {\"error_message\":\"quota exceeded\"}\n\n" +
		"event: generation:chunk\ndata: {\"question_id\":\"q1\",\"content\":\" more\"}\n\n"
	b := &fakeBackend{streams: []io.ReadCloser{streamOf(stream)}, detail: persistedDetail()}
	g := New(b, WithLogger(quietLogger()))

	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, model.StatusFailed, snap.Session.Status)
	assert.Equal(t, "partial", snap.Drafts[0].Text)
	assert.Empty(t, snap.Questions)
	assert.Zero(t, b.calls())
}

func TestRunOpenFailure(t *testing.T) {
	b := &fakeBackend{openErr: errors.New("status 502")}
	g := New(b, WithLogger(quietLogger()))

	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, model.StatusFailed, snap.Session.Status)
	assert.Contains(t, snap.Error, "status 502")
	assert.Empty(t, snap.Drafts)
}

func TestRunTruncatedStream(t *testing.T) {
	stream := "event: session:created\ndata: {\"session_id\":\"s1\"}\n\n" +
		"event: generation:question_complete\ndata: {\"question_id\":\"q1\",\"question_data\":{\"question_text\":\"Q\"}}\n\n" +
		"event: done\ndata: {"
	b := &fakeBackend{streams: []io.ReadCloser{streamOf(stream)}}
	g := New(b, WithLogger(quietLogger()))

	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "p"})
	assert.ErrorIs(t, err, ErrStreamTruncated)
	assert.Equal(t, model.StatusFailed, snap.Session.Status)
	assert.Len(t, snap.Questions, 1)
	assert.Zero(t, b.calls())
}

func TestRunRefetchFailureKeepsLocalQuestions(t *testing.T) {
	b := &fakeBackend{streams: []io.ReadCloser{streamOf(twoPlusTwo)}, getErr: errors.New("not found")}
	g := New(b, WithLogger(quietLogger()))

	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, snap.Session.Status)
	assert.Equal(t, "not found", snap.RefetchError)
	assert.Nil(t, snap.Persisted)
	assert.Len(t, snap.Questions, 1)
	assert.Equal(t, 1, b.calls())
}

// waitFor returns an observer that signals ch once cond holds.
func waitFor(cond func(Snapshot) bool, ch chan<- struct{}) func(Snapshot) {
	var once sync.Once
	return func(s Snapshot) {
		if cond(s) {
			once.Do(func() { close(ch) })
		}
	}
}

func TestCancelKeepsAssembledQuestions(t *testing.T) {
	pr, pw := io.Pipe()
	b := &fakeBackend{streams: []io.ReadCloser{pr}}
	ready := make(chan struct{})
	g := New(b, WithLogger(quietLogger()), WithObserver(waitFor(func(s Snapshot) bool {
		return len(s.Questions) == 1 && len(s.Drafts) == 2
	}, ready)))

	go func() {
		_, _ = pw.Write([]byte("event: session:created\ndata: {\"session_id\":\"s1\"}\n\n" +
			"event: generation:question_complete\ndata: {\"question_id\":\"q1\",\"question_data\":{\"question_text\":\"done one\"}}\n\n" +
			"event: generation:chunk\ndata: {\"question_id\":\"q2\",\"content\":\"half\"}\n\n"))
	}()

	type result struct {
		snap Snapshot
		err  error
	}
	out := make(chan result, 1)
	go func() {
		snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "p"})
		out <- result{snap, err}
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not consumed")
	}
	g.Cancel()

	var res result
	select {
	case res = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	require.NoError(t, res.err)
	assert.Equal(t, model.StatusCancelled, res.snap.Session.Status)
	require.Len(t, res.snap.Questions, 1)
	assert.Equal(t, "done one", res.snap.Questions[0].Text)
	assert.Equal(t, "half", res.snap.Drafts[1].Text)
	assert.Equal(t, model.StatusCancelled, g.Snapshot().Session.Status)
}

func TestRunWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := New(&fakeBackend{}, WithLogger(quietLogger()))

	snap, err := g.Run(ctx, model.GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, snap.Session.Status)
}

func TestNewRunResetsState(t *testing.T) {
	second := "event: session:created\ndata: {\"session_id\":\"s2\"}\n\n" +
		"event: generation:question_complete\ndata: {\"question_id\":\"q7\",\"question_data\":{\"question_text\":\"Other\"}}\n\n" +
		"event: agent:thinking\ndata: {\"step\":\"thinking\"}\n\n" +
		"event: done\ndata: {}\n\n"
	first := twoPlusTwo[:strings.Index(twoPlusTwo, "event: done")] +
		"event: source:found\ndata: {\"source_id\":\"m1\",\"source_title\":\"Book\"}\n\nevent: done\ndata: {}\n\n"
	b := &fakeBackend{streams: []io.ReadCloser{streamOf(first), streamOf(second)}, detail: persistedDetail()}
	g := New(b, WithLogger(quietLogger()))

	_, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "one"})
	require.NoError(t, err)
	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "two"})
	require.NoError(t, err)

	assert.Equal(t, "s2", snap.Session.ID)
	require.Len(t, snap.Questions, 1)
	assert.Equal(t, "q7", snap.Questions[0].ID)
	assert.Empty(t, snap.Sources)
	assert.Len(t, snap.Steps, 1)
}

func TestStartingRunCancelsActiveOne(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	b := &fakeBackend{streams: []io.ReadCloser{pr, streamOf(twoPlusTwo)}, detail: persistedDetail()}
	opened := make(chan struct{})
	g := New(b, WithLogger(quietLogger()), WithObserver(waitFor(func(s Snapshot) bool {
		return s.Session.ID == "old"
	}, opened)))

	go func() {
		_, _ = pw.Write([]byte("event: session:created\ndata: {\"session_id\":\"old\"}\n\n"))
	}()
	firstDone := make(chan Snapshot, 1)
	go func() {
		snap, _ := g.Run(context.Background(), model.GenerateRequest{Prompt: "first"})
		firstDone <- snap
	}()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not start")
	}

	snap, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "second"})
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.Session.ID)

	select {
	case old := <-firstDone:
		assert.Equal(t, "old", old.Session.ID)
		assert.Equal(t, model.StatusCancelled, old.Session.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("first run never returned")
	}
	assert.Equal(t, "s1", g.Snapshot().Session.ID)
}

func TestClearDiscardsState(t *testing.T) {
	b := &fakeBackend{streams: []io.ReadCloser{streamOf(twoPlusTwo)}, detail: persistedDetail()}
	g := New(b, WithLogger(quietLogger()))
	_, err := g.Run(context.Background(), model.GenerateRequest{Prompt: "p"})
	require.NoError(t, err)

	g.Clear()
	assert.Equal(t, Snapshot{}, g.Snapshot())
}
