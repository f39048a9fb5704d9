// Package render prints generation progress and review listings to a terminal.
package render

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	appI18n "github.com/pavelanni/qgen/internal/i18n"
	"github.com/pavelanni/qgen/internal/model"
	"github.com/pavelanni/qgen/internal/review"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	labelColor  = color.New(color.Bold)
	dimColor    = color.New(color.Faint)
	answerColor = color.New(color.FgGreen)
	errorColor  = color.New(color.FgRed, color.Bold)

	statusColors = map[model.SessionStatus]*color.Color{
		model.StatusInitializing: color.New(color.FgBlue),
		model.StatusStreaming:    color.New(color.FgCyan),
		model.StatusCompleted:    color.New(color.FgGreen),
		model.StatusFailed:       color.New(color.FgRed),
		model.StatusCancelled:    color.New(color.FgYellow),
	}

	statusMessages = map[model.SessionStatus]string{
		model.StatusInitializing: "StatusInitializing",
		model.StatusStreaming:    "StatusStreaming",
		model.StatusCompleted:    "StatusCompleted",
		model.StatusFailed:       "StatusFailed",
		model.StatusCancelled:    "StatusCancelled",
	}

	reviewColors = map[model.ReviewStatus]*color.Color{
		model.ReviewPending:  color.New(color.FgYellow),
		model.ReviewApproved: color.New(color.FgGreen),
		model.ReviewRejected: color.New(color.FgRed),
	}
)

// Printer writes localized, colored output. Colors follow color.NoColor.
type Printer struct {
	ctx context.Context
	w   io.Writer
}

// New returns a Printer writing to w. ctx carries the localizer.
func New(ctx context.Context, w io.Writer) *Printer {
	return &Printer{ctx: ctx, w: w}
}

func (p *Printer) t(id string) string { return appI18n.T(p.ctx, id) }

func (p *Printer) td(id string, data map[string]any) string { return appI18n.Td(p.ctx, id, data) }

// Status returns the colored, localized name of a session status.
func (p *Printer) Status(s model.SessionStatus) string {
	name := string(s)
	if id, ok := statusMessages[s]; ok {
		name = p.t(id)
	}
	if c, ok := statusColors[s]; ok {
		return c.Sprint(name)
	}
	return name
}

// SessionHeader prints the session line.
func (p *Printer) SessionHeader(s model.GenerationSession) {
	fmt.Fprintf(p.w, "%s  [%s]\n", headerColor.Sprint(p.td("SessionN", map[string]any{"ID": s.ID})), p.Status(s.Status))
}

// Question prints one finalized question, numbered n.
func (p *Printer) Question(n int, q model.GeneratedQuestion) {
	fmt.Fprintf(p.w, "%s %s\n", labelColor.Sprint(p.td("QuestionN", map[string]any{"N": n})+":"), q.Text)
	p.questionDetails(q)
}

func (p *Printer) questionDetails(q model.GeneratedQuestion) {
	meta := []string{string(q.Type), string(q.Difficulty)}
	if q.BloomsLevel != "" {
		meta = append(meta, q.BloomsLevel)
	}
	fmt.Fprintf(p.w, "   %s\n", dimColor.Sprint(strings.Join(meta, " · ")))
	for i, opt := range q.Options {
		fmt.Fprintf(p.w, "   %c) %s\n", 'a'+rune(i%26), opt)
	}
	if q.CorrectAnswer != "" {
		fmt.Fprintf(p.w, "   %s %s\n", p.t("Answer")+":", answerColor.Sprint(q.CorrectAnswer))
	}
	if q.Explanation != "" {
		fmt.Fprintf(p.w, "   %s %s\n", p.t("Explanation")+":", q.Explanation)
	}
}

// Sources prints a citation list.
func (p *Printer) Sources(sources []model.SourceRecord) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(p.w, labelColor.Sprint(p.t("Sources")+":"))
	for _, s := range sources {
		p.source(s)
	}
}

func (p *Printer) source(s model.SourceRecord) {
	title := s.Title
	if title == "" {
		title = s.ID
	}
	fmt.Fprintf(p.w, "  - %s %s\n", title, dimColor.Sprintf("(%s)", s.ID))
}

// Error prints a highlighted error line.
func (p *Printer) Error(msg string) {
	fmt.Fprintln(p.w, errorColor.Sprint(msg))
}

// SessionDetail prints a persisted session with its questions and review states.
func (p *Printer) SessionDetail(d *model.SessionDetail) {
	p.SessionHeader(d.GenerationSession)
	if d.Prompt != "" {
		fmt.Fprintf(p.w, "  %s\n", dimColor.Sprint(d.Prompt))
	}
	if d.ErrorMessage != "" {
		p.Error(d.ErrorMessage)
	}
	fmt.Fprintln(p.w, appI18n.Tp(p.ctx, "QuestionsPending", d.PendingCount))
	for i, q := range d.Questions {
		p.reviewable(i+1, q)
	}
	p.Sources(d.Sources)
}

func (p *Printer) reviewable(n int, q model.ReviewableQuestion) {
	status := string(q.Status)
	if c, ok := reviewColors[q.Status]; ok {
		status = c.Sprint(status)
	}
	fmt.Fprintf(p.w, "%s %s  [%s]\n", labelColor.Sprint(p.td("QuestionN", map[string]any{"N": n})+":"), q.Text, status)
	fmt.Fprintf(p.w, "   %s\n", dimColor.Sprintf("%s/%s", q.SessionID, q.ID))
	p.questionDetails(q.GeneratedQuestion)
}

// PendingPage prints one page of the pending review queue.
func (p *Printer) PendingPage(page model.Page[model.ReviewableQuestion]) {
	if page.Total == 0 {
		fmt.Fprintln(p.w, p.t("NoPending"))
		return
	}
	fmt.Fprintln(p.w, headerColor.Sprint(appI18n.Tp(p.ctx, "QuestionsPending", page.Total)))
	offset := (page.Page - 1) * page.PageSize
	for i, q := range page.Items {
		p.reviewable(offset+i+1, q)
	}
	p.pageFooter(page.Page, page.TotalPages())
}

// SessionsPage prints one page of the session view. Collapsed sessions
// show only their header.
func (p *Printer) SessionsPage(page model.Page[review.SessionGroup]) {
	if page.Total == 0 {
		fmt.Fprintln(p.w, p.t("NoSessions"))
		return
	}
	for _, g := range page.Items {
		s := g.Session
		p.SessionHeader(s.GenerationSession)
		fmt.Fprintf(p.w, "  %s  %s\n", dimColor.Sprint(s.CreatedAt.Format("2006-01-02 15:04")),
			appI18n.Tp(p.ctx, "QuestionsPending", s.PendingCount))
		if !g.Expanded {
			continue
		}
		for i, q := range s.Questions {
			p.reviewable(i+1, q)
		}
	}
	p.pageFooter(page.Page, page.TotalPages())
}

func (p *Printer) pageFooter(page, pages int) {
	fmt.Fprintln(p.w, dimColor.Sprint(p.td("PageOf", map[string]any{"Page": page, "Pages": pages})))
}
