package handler

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/qgen/internal/model"
	"github.com/pavelanni/qgen/internal/store"
)

const defaultChunkSize = 24

var errSimulatedFailure = errors.New("simulated generation failure")

var bloomsByDifficulty = map[model.Difficulty]string{
	model.DifficultyEasy:   "remember",
	model.DifficultyMedium: "apply",
	model.DifficultyHard:   "analyze",
}

// buildSources turns the requested materials into citations.
func buildSources(req model.GenerateRequest) []model.SourceRecord {
	sources := make([]model.SourceRecord, 0, len(req.MaterialIDs))
	for i, id := range req.MaterialIDs {
		sources = append(sources, model.SourceRecord{
			ID:      id,
			Title:   fmt.Sprintf("Material %d", i+1),
			Excerpt: fmt.Sprintf("Reference material %s on %s.", id, subjectOf(req)),
		})
	}
	return sources
}

// buildQuestions deterministically writes the questions for req. Types
// rotate through the requested ones; the same request always yields the
// same texts.
func buildQuestions(req model.GenerateRequest) []model.GeneratedQuestion {
	subject := subjectOf(req)
	var tags []string
	for _, t := range []string{req.Subject, req.Topic} {
		if t != "" {
			tags = append(tags, strings.ToLower(t))
		}
	}

	questions := make([]model.GeneratedQuestion, 0, req.QuestionCount)
	for i := range req.QuestionCount {
		qt := req.QuestionTypes[i%len(req.QuestionTypes)]
		blooms := bloomsByDifficulty[req.Difficulty]
		if len(req.BloomsLevels) > 0 {
			blooms = req.BloomsLevels[i%len(req.BloomsLevels)]
		}
		q := model.GeneratedQuestion{
			ID:          store.NewQuestionID(),
			Type:        qt,
			Difficulty:  req.Difficulty,
			Tags:        tags,
			BloomsLevel: blooms,
			Sources:     req.MaterialIDs,
		}
		n := i + 1
		switch qt {
		case model.QuestionTrueFalse:
			q.Text = fmt.Sprintf("True or false: statement %d about %s holds in every case.", n, subject)
			q.Options = []string{"True", "False"}
			q.CorrectAnswer = "False"
			q.Explanation = fmt.Sprintf("Statement %d has exceptions covered in the %s material.", n, subject)
		case model.QuestionShortAnswer:
			q.Text = fmt.Sprintf("In one sentence, state key idea %d of %s.", n, subject)
			q.CorrectAnswer = fmt.Sprintf("Key idea %d of %s.", n, subject)
		case model.QuestionEssay:
			q.Text = fmt.Sprintf("Discuss how concept %d of %s applies to a real problem.", n, subject)
			q.Explanation = "Graded on accuracy and use of examples."
		default:
			q.Text = fmt.Sprintf("Which option best describes concept %d of %s?", n, subject)
			q.Options = []string{
				fmt.Sprintf("Definition %d", n),
				fmt.Sprintf("A common misconception about concept %d", n),
				"An unrelated term",
				"None of the above",
			}
			q.CorrectAnswer = q.Options[0]
			q.Explanation = fmt.Sprintf("Concept %d is defined directly in the %s material.", n, subject)
		}
		questions = append(questions, q.Clone())
	}
	return questions
}

func subjectOf(req model.GenerateRequest) string {
	switch {
	case req.Topic != "":
		return req.Topic
	case req.Subject != "":
		return req.Subject
	}
	return req.Prompt
}

// payloadOf is the completion payload announcing q.
func payloadOf(q model.GeneratedQuestion) *model.QuestionPayload {
	return &model.QuestionPayload{
		QuestionText:    q.Text,
		QuestionType:    q.Type,
		Difficulty:      q.Difficulty,
		Options:         q.Options,
		CorrectAnswer:   q.CorrectAnswer,
		Explanation:     q.Explanation,
		Tags:            q.Tags,
		SourceCitations: q.Sources,
		BloomsLevel:     q.BloomsLevel,
	}
}

// chunkText splits s into fragments of at most size runes whose
// concatenation is s.
func chunkText(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end, n := 0, 0
		for end < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[end:])
			end += w
			n++
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
