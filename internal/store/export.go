package store

import (
	"fmt"

	"github.com/pavelanni/qgen/internal/model"
)

// ExportQuestions collects every question with the given review status,
// grouped by session in creation order. Sessions without such questions
// are omitted.
func (s *Store) ExportQuestions(status model.ReviewStatus) (model.QuestionBankExport, error) {
	export := model.QuestionBankExport{
		ExportedAt: s.now(),
		Status:     status,
		Sessions:   []model.SessionExport{},
	}

	rows, err := s.db.Query(
		`SELECT id, prompt, subject, topic, created_at FROM generation_sessions ORDER BY created_at, id`)
	if err != nil {
		return export, fmt.Errorf("list sessions: %w", err)
	}
	var sessions []model.SessionExport
	for rows.Next() {
		var se model.SessionExport
		if err := rows.Scan(&se.SessionID, &se.Prompt, &se.Subject, &se.Topic, &se.CreatedAt); err != nil {
			rows.Close()
			return export, err
		}
		sessions = append(sessions, se)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return export, err
	}
	rows.Close()

	for _, se := range sessions {
		questions, err := s.queryQuestions(
			`SELECT `+questionColumns+` FROM generated_questions WHERE session_id = ? AND status = ? ORDER BY position`,
			se.SessionID, status)
		if err != nil {
			return export, fmt.Errorf("questions of session %s: %w", se.SessionID, err)
		}
		if len(questions) == 0 {
			continue
		}
		for _, q := range questions {
			se.Questions = append(se.Questions, q.GeneratedQuestion)
		}
		export.Total += len(se.Questions)
		export.Sessions = append(export.Sessions, se)
	}
	return export, nil
}
