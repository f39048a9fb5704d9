// Package review implements the approve/reject/edit workflow over
// persisted questions.
//
// Approve and Reject remove the question from the locally loaded pending
// list once the server confirms. The list is not reconciled with the server
// afterwards; it may be stale until the next page load.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/pavelanni/qgen/internal/model"
)

var (
	// ErrUnknownQuestion is returned when an edit addresses a question that
	// is not in any loaded page.
	ErrUnknownQuestion = errors.New("question not loaded")
	// ErrUnknownSession is returned when expanding a session not on the loaded page.
	ErrUnknownSession = errors.New("session not loaded")
)

// Backend is the server side of the workflow.
type Backend interface {
	ListPending(ctx context.Context, p model.PageRequest) (model.Page[model.ReviewableQuestion], error)
	ListSessions(ctx context.Context, p model.PageRequest) (model.Page[model.SessionDetail], error)
	GetSession(ctx context.Context, id string) (*model.SessionDetail, error)
	Approve(ctx context.Context, sessionID, questionID string) error
	Reject(ctx context.Context, sessionID, questionID string) error
	UpdateQuestion(ctx context.Context, sessionID, questionID string, u model.QuestionUpdate) error
}

// Mode selects which view paging operations act on.
type Mode int

const (
	ModePending Mode = iota
	ModeSessions
)

func (m Mode) String() string {
	if m == ModeSessions {
		return "sessions"
	}
	return "pending"
}

// SessionGroup is one session in the session view.
type SessionGroup struct {
	Session  model.SessionDetail
	Loaded   bool
	Expanded bool
}

type key struct {
	session, question string
}

// view is one independently paginated list.
type view[T any] struct {
	req   model.PageRequest
	items []T
	total int
	seq   int
}

func (v *view[T]) page() model.Page[T] {
	return model.Page[T]{
		Items:    slices.Clone(v.items),
		Total:    v.total,
		Page:     v.req.Page,
		PageSize: v.req.PageSize,
	}
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the workflow logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithPageSize sets the initial page size of both views.
func WithPageSize(n int) Option {
	return func(w *Workflow) {
		w.pending.req.PageSize = n
		w.sessions.req.PageSize = n
	}
}

// Workflow holds the review views and edit state. It is safe for concurrent
// use; the lock is not held during server calls.
type Workflow struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	mode     Mode
	pending  view[model.ReviewableQuestion]
	sessions view[SessionGroup]
	inFlight map[key]struct{}
	edits    map[key]model.QuestionUpdate
}

// New creates a Workflow in pending mode, positioned on page 1 of both views.
func New(b Backend, opts ...Option) *Workflow {
	w := &Workflow{
		backend:  b,
		logger:   slog.Default(),
		inFlight: make(map[key]struct{}),
		edits:    make(map[key]model.QuestionUpdate),
	}
	for _, o := range opts {
		o(w)
	}
	w.pending.req = w.pending.req.Normalize()
	w.sessions.req = w.sessions.req.Normalize()
	return w
}

// Mode returns the current view mode.
func (w *Workflow) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// SetMode switches the view that paging operations act on. Each view keeps
// its own page position.
func (w *Workflow) SetMode(m Mode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = m
}

// Pending returns the loaded page of the pending view.
func (w *Workflow) Pending() model.Page[model.ReviewableQuestion] {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.page()
}

// PendingCount returns the locally tracked number of pending questions.
func (w *Workflow) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.total
}

// Sessions returns the loaded page of the session view.
func (w *Workflow) Sessions() model.Page[SessionGroup] {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.sessions.page()
	for i := range p.Items {
		p.Items[i].Session.Questions = slices.Clone(p.Items[i].Session.Questions)
	}
	return p
}

// Load fetches the current page of the current view.
func (w *Workflow) Load(ctx context.Context) error {
	if w.Mode() == ModeSessions {
		return w.LoadSessions(ctx)
	}
	return w.LoadPending(ctx)
}

// LoadPending fetches the current page of the pending view.
func (w *Workflow) LoadPending(ctx context.Context) error {
	w.mu.Lock()
	w.pending.seq++
	seq, req := w.pending.seq, w.pending.req
	w.mu.Unlock()

	page, err := w.backend.ListPending(ctx, req)
	if err != nil {
		return fmt.Errorf("load pending questions: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if seq != w.pending.seq {
		return nil
	}
	w.pending.items = page.Items
	w.pending.total = page.Total
	return nil
}

// LoadSessions fetches the current page of the session view. Sessions that
// were expanded before stay expanded.
func (w *Workflow) LoadSessions(ctx context.Context) error {
	w.mu.Lock()
	w.sessions.seq++
	seq, req := w.sessions.seq, w.sessions.req
	w.mu.Unlock()

	page, err := w.backend.ListSessions(ctx, req)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if seq != w.sessions.seq {
		return nil
	}
	expanded := make(map[string]bool)
	for _, g := range w.sessions.items {
		if g.Expanded {
			expanded[g.Session.ID] = true
		}
	}
	groups := make([]SessionGroup, 0, len(page.Items))
	for _, s := range page.Items {
		groups = append(groups, SessionGroup{
			Session:  s,
			Loaded:   s.Questions != nil,
			Expanded: expanded[s.ID],
		})
	}
	w.sessions.items = groups
	w.sessions.total = page.Total
	return nil
}

func (w *Workflow) currentView() *model.PageRequest {
	if w.mode == ModeSessions {
		return &w.sessions.req
	}
	return &w.pending.req
}

func (w *Workflow) currentTotal() int {
	if w.mode == ModeSessions {
		return w.sessions.total
	}
	return w.pending.total
}

// SetPage moves the current view to page n and loads it.
func (w *Workflow) SetPage(ctx context.Context, n int) error {
	w.mu.Lock()
	req := w.currentView()
	*req = model.PageRequest{Page: n, PageSize: req.PageSize}.Normalize()
	w.mu.Unlock()
	return w.Load(ctx)
}

// SetPageSize changes the current view's page size and returns to page 1.
func (w *Workflow) SetPageSize(ctx context.Context, size int) error {
	w.mu.Lock()
	req := w.currentView()
	*req = model.PageRequest{Page: 1, PageSize: size}.Normalize()
	w.mu.Unlock()
	return w.Load(ctx)
}

// NextPage advances the current view unless it is on its last page.
func (w *Workflow) NextPage(ctx context.Context) error {
	w.mu.Lock()
	req := w.currentView()
	last := model.Page[struct{}]{Total: w.currentTotal(), PageSize: req.PageSize}.TotalPages()
	if req.Page >= last {
		w.mu.Unlock()
		return nil
	}
	req.Page++
	w.mu.Unlock()
	return w.Load(ctx)
}

// PrevPage moves the current view back unless it is on page 1.
func (w *Workflow) PrevPage(ctx context.Context) error {
	w.mu.Lock()
	req := w.currentView()
	if req.Page <= 1 {
		w.mu.Unlock()
		return nil
	}
	req.Page--
	w.mu.Unlock()
	return w.Load(ctx)
}

// Expand shows a session's questions, fetching them if the page did not
// include them.
func (w *Workflow) Expand(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	g := w.group(sessionID)
	if g == nil {
		w.mu.Unlock()
		return fmt.Errorf("expand session %s: %w", sessionID, ErrUnknownSession)
	}
	if g.Loaded {
		g.Expanded = true
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	detail, err := w.backend.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("expand session %s: %w", sessionID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if g := w.group(sessionID); g != nil {
		g.Session.Questions = detail.Questions
		g.Session.PendingCount = detail.PendingCount
		g.Loaded = true
		g.Expanded = true
	}
	return nil
}

// Collapse hides a session's questions. Loaded questions are kept.
func (w *Workflow) Collapse(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g := w.group(sessionID); g != nil {
		g.Expanded = false
	}
}

func (w *Workflow) group(sessionID string) *SessionGroup {
	for i := range w.sessions.items {
		if w.sessions.items[i].Session.ID == sessionID {
			return &w.sessions.items[i]
		}
	}
	return nil
}

// Approve approves a question. It reports false without calling the server
// when the same question already has an action in flight.
func (w *Workflow) Approve(ctx context.Context, sessionID, questionID string) (bool, error) {
	return w.decide(ctx, sessionID, questionID, model.ReviewApproved, w.backend.Approve)
}

// Reject rejects a question. See Approve.
func (w *Workflow) Reject(ctx context.Context, sessionID, questionID string) (bool, error) {
	return w.decide(ctx, sessionID, questionID, model.ReviewRejected, w.backend.Reject)
}

func (w *Workflow) decide(ctx context.Context, sessionID, questionID string, status model.ReviewStatus,
	call func(context.Context, string, string) error) (bool, error) {
	k := key{sessionID, questionID}

	w.mu.Lock()
	if _, busy := w.inFlight[k]; busy {
		w.mu.Unlock()
		w.logger.Debug("review action already in flight", "session_id", sessionID, "question_id", questionID)
		return false, nil
	}
	w.inFlight[k] = struct{}{}
	w.mu.Unlock()

	err := call(ctx, sessionID, questionID)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, k)
	if err != nil {
		return false, fmt.Errorf("%s question %s: %w", verb(status), questionID, err)
	}
	w.resolve(k, status)
	return true, nil
}

func verb(s model.ReviewStatus) string {
	if s == model.ReviewApproved {
		return "approve"
	}
	return "reject"
}

// resolve removes a decided question from the pending view and records the
// decision in the session view. Questions absent from the loaded pages are
// left alone.
func (w *Workflow) resolve(k key, status model.ReviewStatus) {
	before := len(w.pending.items)
	w.pending.items = slices.DeleteFunc(w.pending.items, func(q model.ReviewableQuestion) bool {
		return q.SessionID == k.session && q.ID == k.question
	})
	if removed := before - len(w.pending.items); removed > 0 {
		w.pending.total = max(0, w.pending.total-removed)
	}

	if g := w.group(k.session); g != nil {
		for i := range g.Session.Questions {
			q := &g.Session.Questions[i]
			if q.ID != k.question {
				continue
			}
			if q.Status == model.ReviewPending {
				g.Session.PendingCount = max(0, g.Session.PendingCount-1)
			}
			q.Status = status
		}
	}
	delete(w.edits, k)
}

func (w *Workflow) find(k key) (model.ReviewableQuestion, bool) {
	for _, q := range w.pending.items {
		if q.SessionID == k.session && q.ID == k.question {
			return q, true
		}
	}
	if g := w.group(k.session); g != nil {
		for _, q := range g.Session.Questions {
			if q.ID == k.question {
				return q, true
			}
		}
	}
	return model.ReviewableQuestion{}, false
}

// BeginEdit starts editing a loaded question, seeded with its current fields.
// An edit already in progress is returned unchanged.
func (w *Workflow) BeginEdit(sessionID, questionID string) (model.QuestionUpdate, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := key{sessionID, questionID}
	if u, ok := w.edits[k]; ok {
		return cloneUpdate(u), nil
	}
	q, ok := w.find(k)
	if !ok {
		return model.QuestionUpdate{}, fmt.Errorf("edit question %s: %w", questionID, ErrUnknownQuestion)
	}
	u := model.QuestionUpdate{
		Text:          q.Text,
		Options:       slices.Clone(q.Options),
		CorrectAnswer: q.CorrectAnswer,
		Explanation:   q.Explanation,
	}
	w.edits[k] = u
	return cloneUpdate(u), nil
}

// EditDraft replaces the in-progress edit of a question.
func (w *Workflow) EditDraft(sessionID, questionID string, u model.QuestionUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.edits[key{sessionID, questionID}] = cloneUpdate(u)
}

// Editing returns the in-progress edit of a question, if any.
func (w *Workflow) Editing(sessionID, questionID string) (model.QuestionUpdate, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	u, ok := w.edits[key{sessionID, questionID}]
	return cloneUpdate(u), ok
}

// CancelEdit discards the in-progress edit of a question.
func (w *Workflow) CancelEdit(sessionID, questionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.edits, key{sessionID, questionID})
}

// Update saves new fields for a question. On success the edit state is
// cleared and the current page reloaded; on failure both are left as is.
func (w *Workflow) Update(ctx context.Context, sessionID, questionID string, u model.QuestionUpdate) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("update question %s: %w", questionID, err)
	}
	if err := w.backend.UpdateQuestion(ctx, sessionID, questionID, u); err != nil {
		return fmt.Errorf("update question %s: %w", questionID, err)
	}
	w.CancelEdit(sessionID, questionID)
	if err := w.Load(ctx); err != nil {
		return fmt.Errorf("refresh after update: %w", err)
	}
	return nil
}

func cloneUpdate(u model.QuestionUpdate) model.QuestionUpdate {
	u.Options = slices.Clone(u.Options)
	return u
}
