package model

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// SessionStatus represents the lifecycle state of a generation session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusStreaming    SessionStatus = "streaming"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
	StatusCancelled    SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave s.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// QuestionType is the kind of a generated question.
type QuestionType string

const (
	QuestionMCQ         QuestionType = "MCQ"
	QuestionTrueFalse   QuestionType = "TRUE_FALSE"
	QuestionShortAnswer QuestionType = "SHORT_ANSWER"
	QuestionEssay       QuestionType = "ESSAY"
)

// QuestionTypes lists every supported question type.
var QuestionTypes = []QuestionType{QuestionMCQ, QuestionTrueFalse, QuestionShortAnswer, QuestionEssay}

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	return slices.Contains(QuestionTypes, t)
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// ReviewStatus is the human review state of a persisted question.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// GenerationSession is one generation request's unit of work.
type GenerationSession struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	QuestionCount int           `json:"question_count"`
	CreatedAt     time.Time     `json:"created_at"`
}

// QuestionDraft is the in-progress text of one question before it is finalized.
type QuestionDraft struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
	Complete   bool   `json:"complete"`
}

// SourceRecord is a citation surfaced during generation.
type SourceRecord struct {
	ID      string `json:"source_id"`
	Title   string `json:"source_title"`
	Excerpt string `json:"source_excerpt"`
}

// QuestionPayload is the question_data object of a completion event.
type QuestionPayload struct {
	QuestionText    string       `json:"question_text"`
	QuestionType    QuestionType `json:"question_type,omitempty"`
	Difficulty      Difficulty   `json:"difficulty,omitempty"`
	Options         []string     `json:"options,omitempty"`
	CorrectAnswer   string       `json:"correct_answer"`
	Explanation     string       `json:"explanation,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	SourceCitations []string     `json:"source_citations,omitempty"`
	BloomsLevel     string       `json:"blooms_level,omitempty"`
}

// Question builds a finalized question with the given id from the payload.
func (p QuestionPayload) Question(id string) GeneratedQuestion {
	return GeneratedQuestion{
		ID:            id,
		Type:          p.QuestionType,
		Difficulty:    p.Difficulty,
		Text:          p.QuestionText,
		Options:       slices.Clone(p.Options),
		CorrectAnswer: p.CorrectAnswer,
		Explanation:   p.Explanation,
		Tags:          slices.Clone(p.Tags),
		Sources:       slices.Clone(p.SourceCitations),
		BloomsLevel:   p.BloomsLevel,
	}
}

// GeneratedQuestion is the finalized shape of a question.
type GeneratedQuestion struct {
	ID            string       `json:"id"`
	Type          QuestionType `json:"question_type"`
	Difficulty    Difficulty   `json:"difficulty"`
	Text          string       `json:"question_text"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer"`
	Explanation   string       `json:"explanation,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	Sources       []string     `json:"source_citations,omitempty"`
	BloomsLevel   string       `json:"blooms_level,omitempty"`
}

// Clone returns a deep copy of q.
func (q GeneratedQuestion) Clone() GeneratedQuestion {
	q.Options = slices.Clone(q.Options)
	q.Tags = slices.Clone(q.Tags)
	q.Sources = slices.Clone(q.Sources)
	return q
}

// ReviewableQuestion is a persisted question subject to human review.
type ReviewableQuestion struct {
	GeneratedQuestion
	SessionID string       `json:"session_id"`
	Status    ReviewStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// QuestionUpdate replaces the editable fields of a persisted question.
type QuestionUpdate struct {
	Text          string   `json:"question_text"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation"`
}

// Validate checks that the update carries a question text.
func (u QuestionUpdate) Validate() error {
	if u.Text == "" {
		return errors.New("question_text is required")
	}
	return nil
}

// SessionDetail is the persisted, server-authoritative view of a session.
type SessionDetail struct {
	GenerationSession
	Prompt       string               `json:"prompt"`
	Subject      string               `json:"subject,omitempty"`
	Topic        string               `json:"topic,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	PendingCount int                  `json:"pending_count"`
	Questions    []ReviewableQuestion `json:"questions"`
	Sources      []SourceRecord       `json:"sources,omitempty"`
}

// Question returns the question with the given id, if present.
func (d *SessionDetail) Question(id string) (ReviewableQuestion, bool) {
	for _, q := range d.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return ReviewableQuestion{}, false
}

// Generation request limits.
const (
	MaxQuestionCount     = 50
	DefaultQuestionCount = 5
)

// GenerateRequest is the body of a generation start request.
type GenerateRequest struct {
	Prompt        string         `json:"prompt"`
	QuestionCount int            `json:"question_count"`
	QuestionTypes []QuestionType `json:"question_types"`
	Difficulty    Difficulty     `json:"difficulty"`
	MaterialIDs   []string       `json:"material_ids,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	Topic         string         `json:"topic,omitempty"`
	AIProvider    string         `json:"ai_provider,omitempty"`
	ModelName     string         `json:"model_name,omitempty"`
	BloomsLevels  []string       `json:"blooms_levels,omitempty"`
}

// WithDefaults fills unset optional fields.
func (r GenerateRequest) WithDefaults() GenerateRequest {
	if r.QuestionCount == 0 {
		r.QuestionCount = DefaultQuestionCount
	}
	if len(r.QuestionTypes) == 0 {
		r.QuestionTypes = []QuestionType{QuestionMCQ}
	}
	if r.Difficulty == "" {
		r.Difficulty = DifficultyMedium
	}
	return r
}

// Validate reports the first invalid field of r.
func (r GenerateRequest) Validate() error {
	if r.Prompt == "" && r.Topic == "" {
		return errors.New("prompt or topic is required")
	}
	if r.QuestionCount < 1 || r.QuestionCount > MaxQuestionCount {
		return fmt.Errorf("question_count must be between 1 and %d", MaxQuestionCount)
	}
	for _, t := range r.QuestionTypes {
		if !t.Valid() {
			return fmt.Errorf("unknown question type %q", t)
		}
	}
	if r.Difficulty != "" && !r.Difficulty.Valid() {
		return fmt.Errorf("unknown difficulty %q", r.Difficulty)
	}
	return nil
}
