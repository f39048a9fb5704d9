package generation

import (
	"time"

	"github.com/pavelanni/qgen/internal/event"
	"github.com/pavelanni/qgen/internal/model"
)

// Effect is I/O requested by applying an event. The caller performs it.
type Effect int

const (
	EffectNone Effect = iota
	// EffectRefetch asks for the persisted session to be fetched.
	EffectRefetch
)

// DefaultErrorMessage is shown when an error event carries no message.
const DefaultErrorMessage = "generation failed"

// State holds everything known about one generation session. A State is
// created per generation and never reused; it is not safe for concurrent use.
type State struct {
	session   model.GenerationSession
	errMsg    string
	steps     event.StepLog
	assembly  *Assembly
	sources   *Sources
	refetched bool

	persisted  *model.SessionDetail
	refetchErr string
}

// NewState returns a state in the initializing status.
func NewState(requested int, now time.Time) *State {
	return &State{
		session: model.GenerationSession{
			Status:        model.StatusInitializing,
			QuestionCount: requested,
			CreatedAt:     now,
		},
		assembly: NewAssembly(),
		sources:  NewSources(),
	}
}

// Status returns the session status.
func (s *State) Status() model.SessionStatus { return s.session.Status }

// Apply routes ev into the buffers and advances the status. Once the session
// is terminal every event is ignored.
func (s *State) Apply(ev event.Event) Effect {
	prev := s.session.Status
	if prev.IsTerminal() {
		return EffectNone
	}

	effect := EffectNone
	switch e := ev.(type) {
	case event.SessionCreated:
		if prev == model.StatusInitializing {
			s.session.ID = e.SessionID
			if e.QuestionCount > 0 {
				s.session.QuestionCount = e.QuestionCount
			}
		}
	case event.AgentStep:
		s.steps.Add(e)
	case event.SourceFound:
		s.sources.Add(e.Source)
	case event.Chunk:
		s.assembly.Append(e.QuestionID, e.Content)
	case event.QuestionComplete:
		s.assembly.Complete(e.QuestionID, e.Data)
	case event.ErrorMessage:
		s.errMsg = e.Message
		if s.errMsg == "" {
			s.errMsg = DefaultErrorMessage
		}
	case event.Done:
		if s.session.ID != "" && !s.refetched {
			s.refetched = true
			effect = EffectRefetch
		}
	}
	s.session.Status = Next(prev, ev)
	return effect
}

// Cancel marks a non-terminal session cancelled.
func (s *State) Cancel() {
	s.session.Status = Cancel(s.session.Status)
}

// Fail marks a non-terminal session failed with msg. Used for failures
// observed by the client rather than reported by the server.
func (s *State) Fail(msg string) {
	if s.session.Status.IsTerminal() {
		return
	}
	s.session.Status = model.StatusFailed
	s.errMsg = msg
}

// SetPersisted records the result of the post-completion session fetch.
func (s *State) SetPersisted(d *model.SessionDetail, err error) {
	if err != nil {
		s.refetchErr = err.Error()
		return
	}
	s.persisted = d
	s.refetchErr = ""
}

// Snapshot is a read-only copy of a State for display.
type Snapshot struct {
	Session      model.GenerationSession
	Error        string
	Steps        []event.AgentStep
	Drafts       []model.QuestionDraft
	Questions    []model.GeneratedQuestion
	Sources      []model.SourceRecord
	Persisted    *model.SessionDetail
	RefetchError string
}

// Snapshot copies the state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Session:      s.session,
		Error:        s.errMsg,
		Steps:        s.steps.Steps(),
		Drafts:       s.assembly.Drafts(),
		Questions:    s.assembly.Questions(),
		Sources:      s.sources.All(),
		RefetchError: s.refetchErr,
	}
	if s.persisted != nil {
		d := *s.persisted
		d.Questions = append([]model.ReviewableQuestion(nil), s.persisted.Questions...)
		snap.Persisted = &d
	}
	return snap
}
