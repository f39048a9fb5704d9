package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/qgen/internal/model"
)

type fakeBackend struct {
	mu            sync.Mutex
	pending       []model.ReviewableQuestion
	sessions      []model.SessionDetail
	omitQuestions bool

	gate    chan struct{}
	entered chan struct{}
	err     error

	approveCalls int
	rejectCalls  int
	getCalls     int
	pendingReqs  []model.PageRequest
	sessionReqs  []model.PageRequest
	updates      []model.QuestionUpdate
}

func paginate[T any](items []T, p model.PageRequest) model.Page[T] {
	p = p.Normalize()
	start := min(p.Offset(), len(items))
	end := min(start+p.PageSize, len(items))
	return model.Page[T]{
		Items:    append([]T(nil), items[start:end]...),
		Total:    len(items),
		Page:     p.Page,
		PageSize: p.PageSize,
	}
}

func (f *fakeBackend) ListPending(_ context.Context, p model.PageRequest) (model.Page[model.ReviewableQuestion], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingReqs = append(f.pendingReqs, p)
	return paginate(f.pending, p), nil
}

func (f *fakeBackend) ListSessions(_ context.Context, p model.PageRequest) (model.Page[model.SessionDetail], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionReqs = append(f.sessionReqs, p)
	page := paginate(f.sessions, p)
	if f.omitQuestions {
		for i := range page.Items {
			page.Items[i].Questions = nil
		}
	}
	return page, nil
}

func (f *fakeBackend) GetSession(_ context.Context, id string) (*model.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	for _, s := range f.sessions {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) act(counter *int) error {
	f.mu.Lock()
	*counter++
	gate, entered, err := f.gate, f.entered, f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeBackend) Approve(context.Context, string, string) error { return f.act(&f.approveCalls) }
func (f *fakeBackend) Reject(context.Context, string, string) error  { return f.act(&f.rejectCalls) }

func (f *fakeBackend) UpdateQuestion(_ context.Context, sid, qid string, u model.QuestionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, u)
	for i := range f.pending {
		if f.pending[i].SessionID == sid && f.pending[i].ID == qid {
			f.pending[i].Text = u.Text
		}
	}
	return nil
}

func (f *fakeBackend) counts() (approve, reject int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approveCalls, f.rejectCalls
}

func question(sid, qid string) model.ReviewableQuestion {
	return model.ReviewableQuestion{
		GeneratedQuestion: model.GeneratedQuestion{
			ID:            qid,
			Type:          model.QuestionMCQ,
			Text:          "Question " + qid,
			Options:       []string{"a", "b"},
			CorrectAnswer: "a",
		},
		SessionID: sid,
		Status:    model.ReviewPending,
	}
}

func newFixture(n int) *fakeBackend {
	f := &fakeBackend{}
	s := model.SessionDetail{GenerationSession: model.GenerationSession{ID: "s1", Status: model.StatusCompleted}}
	for i := 1; i <= n; i++ {
		q := question("s1", fmt.Sprintf("q%d", i))
		f.pending = append(f.pending, q)
		s.Questions = append(s.Questions, q)
	}
	s.PendingCount = n
	f.sessions = append(f.sessions, s)
	for i := 2; i <= 12; i++ {
		f.sessions = append(f.sessions, model.SessionDetail{
			GenerationSession: model.GenerationSession{ID: fmt.Sprintf("s%d", i)},
			Questions:         []model.ReviewableQuestion{},
		})
	}
	return f
}

func newTestWorkflow(t *testing.T, b Backend) *Workflow {
	t.Helper()
	return New(b, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestApproveRemovesFromPending(t *testing.T) {
	b := newFixture(5)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	require.NoError(t, w.Load(ctx))
	require.Equal(t, 5, w.PendingCount())

	ok, err := w.Approve(ctx, "s1", "q3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, w.PendingCount())
	for _, q := range w.Pending().Items {
		assert.NotEqual(t, "q3", q.ID)
	}
}

func TestRejectRemovesFromPending(t *testing.T) {
	b := newFixture(2)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	require.NoError(t, w.Load(ctx))

	ok, err := w.Reject(ctx, "s1", "q1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, w.PendingCount())
	_, rejects := b.counts()
	assert.Equal(t, 1, rejects)
}

func TestDoubleApproveDecrementsOnce(t *testing.T) {
	b := newFixture(5)
	b.gate = make(chan struct{})
	b.entered = make(chan struct{}, 1)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	require.NoError(t, w.Load(ctx))

	first := make(chan error, 1)
	go func() {
		_, err := w.Approve(ctx, "s1", "q1")
		first <- err
	}()
	select {
	case <-b.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first approve never reached the server")
	}

	ok, err := w.Approve(ctx, "s1", "q1")
	require.NoError(t, err)
	assert.False(t, ok, "second approve should be suppressed while the first is in flight")

	close(b.gate)
	require.NoError(t, <-first)

	assert.Equal(t, 4, w.PendingCount())
	approves, _ := b.counts()
	assert.Equal(t, 1, approves)

	// A later approve of the same id no longer finds it locally.
	b.entered = nil
	ok, err = w.Approve(ctx, "s1", "q1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, w.PendingCount())
}

func TestApproveFailureLeavesStateUnchanged(t *testing.T) {
	b := newFixture(3)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	require.NoError(t, w.Load(ctx))
	before := w.Pending()

	b.err = errors.New("503 service unavailable")
	ok, err := w.Approve(ctx, "s1", "q2")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "approve question q2")
	assert.Equal(t, before, w.Pending())
	assert.Equal(t, 3, w.PendingCount())

	// The in-flight marker is released, so a retry goes through.
	b.err = nil
	ok, err = w.Approve(ctx, "s1", "q2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, w.PendingCount())
}

func TestApproveQuestionNotOnPageIsNoop(t *testing.T) {
	b := newFixture(3)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	require.NoError(t, w.Load(ctx))

	ok, err := w.Approve(ctx, "s1", "q99")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, w.PendingCount())
	assert.Len(t, w.Pending().Items, 3)
}

func TestIndependentPagination(t *testing.T) {
	b := newFixture(25)
	w := newTestWorkflow(t, b)
	ctx := context.Background()

	require.NoError(t, w.Load(ctx))
	require.NoError(t, w.NextPage(ctx))
	assert.Equal(t, 2, w.Pending().Page)
	assert.Equal(t, "q11", w.Pending().Items[0].ID)

	w.SetMode(ModeSessions)
	require.NoError(t, w.Load(ctx))
	sessions := w.Sessions()
	assert.Equal(t, 1, sessions.Page)
	assert.Equal(t, 12, sessions.Total)
	assert.Len(t, sessions.Items, 10)

	require.NoError(t, w.NextPage(ctx))
	assert.Equal(t, 2, w.Sessions().Page)
	assert.Len(t, w.Sessions().Items, 2)

	// Last sessions page reached.
	require.NoError(t, w.NextPage(ctx))
	assert.Equal(t, 2, w.Sessions().Page)

	w.SetMode(ModePending)
	assert.Equal(t, 2, w.Pending().Page)
	require.NoError(t, w.NextPage(ctx))
	assert.Equal(t, 3, w.Pending().Page)
	assert.Len(t, w.Pending().Items, 5)

	require.NoError(t, w.SetPage(ctx, 1))
	require.NoError(t, w.PrevPage(ctx))
	assert.Equal(t, 1, w.Pending().Page)

	require.NoError(t, w.SetPageSize(ctx, 20))
	assert.Equal(t, 20, w.Pending().PageSize)
	assert.Len(t, w.Pending().Items, 20)
	assert.Equal(t, 10, w.Sessions().PageSize)
}

func TestExpandFetchesQuestionsLazily(t *testing.T) {
	b := newFixture(2)
	b.omitQuestions = true
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	w.SetMode(ModeSessions)
	require.NoError(t, w.Load(ctx))

	g := w.Sessions().Items[0]
	assert.False(t, g.Loaded)
	assert.False(t, g.Expanded)

	require.NoError(t, w.Expand(ctx, "s1"))
	g = w.Sessions().Items[0]
	assert.True(t, g.Loaded)
	assert.True(t, g.Expanded)
	assert.Len(t, g.Session.Questions, 2)
	assert.Equal(t, 1, b.getCalls)

	w.Collapse("s1")
	require.NoError(t, w.Expand(ctx, "s1"))
	assert.Equal(t, 1, b.getCalls, "loaded session must not be fetched again")

	err := w.Expand(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestApproveInSessionView(t *testing.T) {
	b := newFixture(3)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	w.SetMode(ModeSessions)
	require.NoError(t, w.Load(ctx))
	require.NoError(t, w.Expand(ctx, "s1"))

	_, err := w.Reject(ctx, "s1", "q2")
	require.NoError(t, err)

	g := w.Sessions().Items[0]
	assert.Equal(t, 2, g.Session.PendingCount)
	assert.Equal(t, model.ReviewRejected, g.Session.Questions[1].Status)
	assert.True(t, g.Expanded)
}

func TestUpdateClearsEditAndRefreshes(t *testing.T) {
	b := newFixture(3)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	require.NoError(t, w.Load(ctx))
	loads := len(b.pendingReqs)

	draft, err := w.BeginEdit("s1", "q1")
	require.NoError(t, err)
	assert.Equal(t, "Question q1", draft.Text)
	assert.Equal(t, []string{"a", "b"}, draft.Options)

	draft.Text = "Which letter comes first?"
	w.EditDraft("s1", "q1", draft)
	got, ok := w.Editing("s1", "q1")
	require.True(t, ok)
	assert.Equal(t, "Which letter comes first?", got.Text)

	require.NoError(t, w.Update(ctx, "s1", "q1", got))
	_, ok = w.Editing("s1", "q1")
	assert.False(t, ok)
	assert.Equal(t, loads+1, len(b.pendingReqs))
	assert.Equal(t, "Which letter comes first?", w.Pending().Items[0].Text)
	require.Len(t, b.updates, 1)
}

func TestUpdateFailureKeepsEdit(t *testing.T) {
	b := newFixture(1)
	w := newTestWorkflow(t, b)
	ctx := context.Background()
	require.NoError(t, w.Load(ctx))

	draft, err := w.BeginEdit("s1", "q1")
	require.NoError(t, err)
	draft.Text = "new"
	w.EditDraft("s1", "q1", draft)

	b.err = errors.New("conflict")
	err = w.Update(ctx, "s1", "q1", draft)
	require.Error(t, err)
	got, ok := w.Editing("s1", "q1")
	require.True(t, ok)
	assert.Equal(t, "new", got.Text)
	assert.Equal(t, "Question q1", w.Pending().Items[0].Text)
}

func TestUpdateRejectsEmptyText(t *testing.T) {
	b := newFixture(1)
	w := newTestWorkflow(t, b)
	err := w.Update(context.Background(), "s1", "q1", model.QuestionUpdate{})
	require.Error(t, err)
	assert.Empty(t, b.updates)
}

func TestBeginEditUnknownQuestion(t *testing.T) {
	w := newTestWorkflow(t, newFixture(1))
	_, err := w.BeginEdit("s1", "q1")
	assert.ErrorIs(t, err, ErrUnknownQuestion)
}

func TestCancelEdit(t *testing.T) {
	b := newFixture(1)
	w := newTestWorkflow(t, b)
	require.NoError(t, w.Load(context.Background()))
	_, err := w.BeginEdit("s1", "q1")
	require.NoError(t, err)
	w.CancelEdit("s1", "q1")
	_, ok := w.Editing("s1", "q1")
	assert.False(t, ok)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "pending", ModePending.String())
	assert.Equal(t, "sessions", ModeSessions.String())
}
