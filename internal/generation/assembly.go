package generation

import (
	"strings"

	"github.com/pavelanni/qgen/internal/model"
)

type draft struct {
	text     strings.Builder
	complete bool
	question *model.GeneratedQuestion
}

// Assembly accumulates streamed fragments into per-question drafts and
// promotes them to finalized questions. Drafts keep first-seen order.
type Assembly struct {
	order  []string
	drafts map[string]*draft
}

// NewAssembly returns an empty buffer.
func NewAssembly() *Assembly {
	return &Assembly{drafts: make(map[string]*draft)}
}

func (a *Assembly) get(id string) *draft {
	d, ok := a.drafts[id]
	if !ok {
		d = &draft{}
		a.drafts[id] = d
		a.order = append(a.order, id)
	}
	return d
}

// Append adds content to the draft for id. It reports false when the draft
// is already complete and the fragment was ignored.
func (a *Assembly) Append(id, content string) bool {
	d := a.get(id)
	if d.complete {
		return false
	}
	d.text.WriteString(content)
	return true
}

// Complete finalizes the draft for id. The payload, when present, is
// authoritative; an empty question_text falls back to the streamed text.
// A draft that was never streamed is created on the spot. Completing an
// already complete draft is ignored and reports false.
func (a *Assembly) Complete(id string, p *model.QuestionPayload) (model.GeneratedQuestion, bool) {
	d := a.get(id)
	if d.complete {
		return d.question.Clone(), false
	}
	var payload model.QuestionPayload
	if p != nil {
		payload = *p
	}
	if payload.QuestionText == "" {
		payload.QuestionText = d.text.String()
	}
	q := payload.Question(id)
	d.complete = true
	d.question = &q
	return q.Clone(), true
}

// Draft returns the current state of the draft for id.
func (a *Assembly) Draft(id string) (model.QuestionDraft, bool) {
	d, ok := a.drafts[id]
	if !ok {
		return model.QuestionDraft{}, false
	}
	return d.view(id), true
}

// Drafts returns every draft, complete or not, in first-seen order.
func (a *Assembly) Drafts() []model.QuestionDraft {
	out := make([]model.QuestionDraft, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.drafts[id].view(id))
	}
	return out
}

// Questions returns the finalized questions in first-seen order.
func (a *Assembly) Questions() []model.GeneratedQuestion {
	var out []model.GeneratedQuestion
	for _, id := range a.order {
		if q := a.drafts[id].question; q != nil {
			out = append(out, q.Clone())
		}
	}
	return out
}

func (d *draft) view(id string) model.QuestionDraft {
	text := d.text.String()
	if d.complete {
		text = d.question.Text
	}
	return model.QuestionDraft{QuestionID: id, Text: text, Complete: d.complete}
}
