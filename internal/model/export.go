package model

import "time"

// QuestionBankExport is the top-level JSON structure for exporting reviewed questions.
type QuestionBankExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Status     ReviewStatus    `json:"status"`
	Sessions   []SessionExport `json:"sessions"`
	Total      int             `json:"total"`
}

// SessionExport holds one session's exported questions.
type SessionExport struct {
	SessionID string              `json:"session_id"`
	Prompt    string              `json:"prompt"`
	Subject   string              `json:"subject,omitempty"`
	Topic     string              `json:"topic,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	Questions []GeneratedQuestion `json:"questions"`
}
