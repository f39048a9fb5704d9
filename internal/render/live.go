package render

import (
	"fmt"
	"strings"

	"github.com/pavelanni/qgen/internal/generation"
	appI18n "github.com/pavelanni/qgen/internal/i18n"
	"github.com/pavelanni/qgen/internal/model"
)

// Live prints a generation incrementally from successive snapshots. Each
// call prints only what changed since the previous one: new steps, new
// sources, streamed text and finalized questions.
type Live struct {
	p        *Printer
	session  string
	lastStep string
	sources  int
	shown    map[string]string
	done     map[string]bool
	open     string
	numbers  map[string]int
}

// NewLive returns a Live printer using p.
func NewLive(p *Printer) *Live {
	return &Live{
		p:       p,
		shown:   make(map[string]string),
		done:    make(map[string]bool),
		numbers: make(map[string]int),
	}
}

// Update prints the difference between s and what was printed before.
func (l *Live) Update(s generation.Snapshot) {
	if s.Session.ID != "" && s.Session.ID != l.session {
		l.closeLine()
		l.session = s.Session.ID
		l.p.SessionHeader(s.Session)
	}

	if n := len(s.Steps); n > 0 && s.Steps[n-1].Step != l.lastStep {
		l.closeLine()
		l.lastStep = s.Steps[n-1].Step
		fmt.Fprintf(l.p.w, "%s\n", dimColor.Sprint("› "+l.lastStep))
	}

	if len(s.Sources) > l.sources {
		l.closeLine()
		for _, src := range s.Sources[l.sources:] {
			l.p.source(src)
		}
		l.sources = len(s.Sources)
	}

	final := make(map[string]model.GeneratedQuestion, len(s.Questions))
	for _, q := range s.Questions {
		final[q.ID] = q
	}
	for _, d := range s.Drafts {
		if l.done[d.QuestionID] {
			continue
		}
		if _, ok := l.numbers[d.QuestionID]; !ok {
			l.numbers[d.QuestionID] = len(l.numbers) + 1
		}
		if d.Complete {
			l.finish(d.QuestionID, final[d.QuestionID])
			continue
		}
		l.stream(d)
	}
}

// stream prints the part of a draft not shown yet.
func (l *Live) stream(d model.QuestionDraft) {
	prev := l.shown[d.QuestionID]
	if !strings.HasPrefix(d.Text, prev) || len(d.Text) == len(prev) {
		return
	}
	if l.open != d.QuestionID {
		l.closeLine()
		l.open = d.QuestionID
		fmt.Fprintf(l.p.w, "%s %s", labelColor.Sprint(l.label(d.QuestionID)), prev)
	}
	fmt.Fprint(l.p.w, d.Text[len(prev):])
	l.shown[d.QuestionID] = d.Text
}

// finish prints a finalized question. The streamed line is kept when it
// already shows the final text.
func (l *Live) finish(id string, q model.GeneratedQuestion) {
	l.done[id] = true
	if l.open == id && l.shown[id] == q.Text {
		fmt.Fprintln(l.p.w)
		l.open = ""
		l.p.questionDetails(q)
		return
	}
	l.closeLine()
	l.p.Question(l.numbers[id], q)
}

// Finish prints the outcome of a completed run.
func (l *Live) Finish(s generation.Snapshot) {
	l.closeLine()
	switch s.Session.Status {
	case model.StatusCancelled:
		fmt.Fprintln(l.p.w, statusColors[model.StatusCancelled].Sprint(l.p.t("GenerationCancelled")))
	case model.StatusFailed:
		l.p.Error(l.p.td("GenerationFailed", map[string]any{"Error": s.Error}))
	}
	if s.RefetchError != "" {
		l.p.Error(l.p.td("RefetchFailed", map[string]any{"Error": s.RefetchError}))
	}
	fmt.Fprintln(l.p.w, appI18n.Tp(l.p.ctx, "QuestionsGenerated", len(s.Questions)))
}

func (l *Live) label(id string) string {
	return l.p.td("QuestionN", map[string]any{"N": l.numbers[id]}) + ":"
}

func (l *Live) closeLine() {
	if l.open != "" {
		fmt.Fprintln(l.p.w)
		l.open = ""
	}
}
