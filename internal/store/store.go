package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/pavelanni/qgen/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or question does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS generation_sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'initializing',
		prompt TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		question_count INTEGER NOT NULL DEFAULT 0,
		request_json TEXT NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generated_questions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		question_type TEXT NOT NULL,
		difficulty TEXT NOT NULL DEFAULT '',
		question_text TEXT NOT NULL,
		options_json TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		tags_json TEXT NOT NULL DEFAULT '[]',
		sources_json TEXT NOT NULL DEFAULT '[]',
		blooms_level TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES generation_sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_generated_questions_status
		ON generated_questions (status, created_at);

	CREATE TABLE IF NOT EXISTS session_sources (
		session_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		excerpt TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, source_id),
		FOREIGN KEY (session_id) REFERENCES generation_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS server_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewQuestionID returns a fresh, time-ordered question identifier.
func NewQuestionID() string {
	return ulid.Make().String()
}

// CreateSession stores a new session for req in the initializing status.
func (s *Store) CreateSession(req model.GenerateRequest) (model.GenerationSession, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return model.GenerationSession{}, fmt.Errorf("marshal request: %w", err)
	}
	now := s.now()
	sess := model.GenerationSession{
		ID:            uuid.NewString(),
		Status:        model.StatusInitializing,
		QuestionCount: req.QuestionCount,
		CreatedAt:     now,
	}
	_, err = s.db.Exec(
		`INSERT INTO generation_sessions (id, status, prompt, subject, topic, question_count, request_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, req.Prompt, req.Subject, req.Topic, req.QuestionCount, string(reqJSON), now, now,
	)
	if err != nil {
		return model.GenerationSession{}, err
	}
	return sess, nil
}

// UpdateSessionStatus sets a session's status and error message.
func (s *Store) UpdateSessionStatus(id string, status model.SessionStatus, errMsg string) error {
	res, err := s.db.Exec(
		`UPDATE generation_sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, s.now(), id,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// GetSession returns a session without its questions.
func (s *Store) GetSession(id string) (model.GenerationSession, error) {
	var sess model.GenerationSession
	err := s.db.QueryRow(
		`SELECT id, status, question_count, created_at FROM generation_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Status, &sess.QuestionCount, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, ErrNotFound
	}
	return sess, err
}

// InsertQuestion appends a question to a session as pending. An empty ID
// is assigned a new one.
func (s *Store) InsertQuestion(sessionID string, q model.GeneratedQuestion) (model.ReviewableQuestion, error) {
	if q.ID == "" {
		q.ID = NewQuestionID()
	}
	options, tags, sources, err := marshalLists(q)
	if err != nil {
		return model.ReviewableQuestion{}, err
	}
	now := s.now()
	_, err = s.db.Exec(
		`INSERT INTO generated_questions
		 (id, session_id, position, question_type, difficulty, question_text, options_json, correct_answer,
		  explanation, tags_json, sources_json, blooms_level, status, created_at, updated_at)
		 VALUES (?, ?, (SELECT COUNT(*) FROM generated_questions WHERE session_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, sessionID, sessionID, q.Type, q.Difficulty, q.Text, options, q.CorrectAnswer,
		q.Explanation, tags, sources, q.BloomsLevel, model.ReviewPending, now, now,
	)
	if err != nil {
		return model.ReviewableQuestion{}, err
	}
	return model.ReviewableQuestion{
		GeneratedQuestion: q,
		SessionID:         sessionID,
		Status:            model.ReviewPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// AddSource records a source for a session. Duplicate ids are ignored.
func (s *Store) AddSource(sessionID string, src model.SourceRecord) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO session_sources (session_id, source_id, position, title, excerpt)
		 VALUES (?, ?, (SELECT COUNT(*) FROM session_sources WHERE session_id = ?), ?, ?)`,
		sessionID, src.ID, sessionID, src.Title, src.Excerpt,
	)
	return err
}

// ListSources returns a session's sources in insertion order.
func (s *Store) ListSources(sessionID string) ([]model.SourceRecord, error) {
	rows, err := s.db.Query(
		`SELECT source_id, title, excerpt FROM session_sources WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sources []model.SourceRecord
	for rows.Next() {
		var src model.SourceRecord
		if err := rows.Scan(&src.ID, &src.Title, &src.Excerpt); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

const questionColumns = `id, session_id, question_type, difficulty, question_text, options_json, correct_answer,
	explanation, tags_json, sources_json, blooms_level, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (model.ReviewableQuestion, error) {
	var (
		q                      model.ReviewableQuestion
		options, tags, sources string
	)
	err := row.Scan(&q.ID, &q.SessionID, &q.Type, &q.Difficulty, &q.Text, &options, &q.CorrectAnswer,
		&q.Explanation, &tags, &sources, &q.BloomsLevel, &q.Status, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return q, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{options, &q.Options}, {tags, &q.Tags}, {sources, &q.Sources}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return q, fmt.Errorf("decode question %s: %w", q.ID, err)
		}
	}
	return q, nil
}

func marshalLists(q model.GeneratedQuestion) (options, tags, sources string, err error) {
	enc := func(v []string) (string, error) {
		if v == nil {
			v = []string{}
		}
		b, err := json.Marshal(v)
		return string(b), err
	}
	if options, err = enc(q.Options); err != nil {
		return
	}
	if tags, err = enc(q.Tags); err != nil {
		return
	}
	sources, err = enc(q.Sources)
	return
}

func (s *Store) queryQuestions(query string, args ...any) ([]model.ReviewableQuestion, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	questions := []model.ReviewableQuestion{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetQuestion returns one question of a session.
func (s *Store) GetQuestion(sessionID, questionID string) (model.ReviewableQuestion, error) {
	q, err := scanQuestion(s.db.QueryRow(
		`SELECT `+questionColumns+` FROM generated_questions WHERE session_id = ? AND id = ?`,
		sessionID, questionID))
	if errors.Is(err, sql.ErrNoRows) {
		return q, ErrNotFound
	}
	return q, err
}

// GetSessionDetail returns a session with its questions and sources.
func (s *Store) GetSessionDetail(id string) (*model.SessionDetail, error) {
	var d model.SessionDetail
	err := s.db.QueryRow(
		`SELECT id, status, question_count, created_at, prompt, subject, topic, error_message
		 FROM generation_sessions WHERE id = ?`, id,
	).Scan(&d.ID, &d.Status, &d.QuestionCount, &d.CreatedAt, &d.Prompt, &d.Subject, &d.Topic, &d.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.fillSession(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) fillSession(d *model.SessionDetail) error {
	questions, err := s.queryQuestions(
		`SELECT `+questionColumns+` FROM generated_questions WHERE session_id = ? ORDER BY position`, d.ID)
	if err != nil {
		return fmt.Errorf("questions of session %s: %w", d.ID, err)
	}
	d.Questions = questions
	d.PendingCount = 0
	for _, q := range questions {
		if q.Status == model.ReviewPending {
			d.PendingCount++
		}
	}
	if d.Sources, err = s.ListSources(d.ID); err != nil {
		return fmt.Errorf("sources of session %s: %w", d.ID, err)
	}
	return nil
}

// ListSessions returns one page of sessions, newest first, with their questions.
func (s *Store) ListSessions(p model.PageRequest) (model.Page[model.SessionDetail], error) {
	p = p.Normalize()
	page := model.Page[model.SessionDetail]{Page: p.Page, PageSize: p.PageSize, Items: []model.SessionDetail{}}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM generation_sessions`).Scan(&page.Total); err != nil {
		return page, err
	}

	rows, err := s.db.Query(
		`SELECT id, status, question_count, created_at, prompt, subject, topic, error_message
		 FROM generation_sessions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		p.PageSize, p.Offset())
	if err != nil {
		return page, err
	}
	for rows.Next() {
		var d model.SessionDetail
		if err := rows.Scan(&d.ID, &d.Status, &d.QuestionCount, &d.CreatedAt, &d.Prompt, &d.Subject, &d.Topic, &d.ErrorMessage); err != nil {
			rows.Close()
			return page, err
		}
		page.Items = append(page.Items, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return page, err
	}
	rows.Close()

	for i := range page.Items {
		if err := s.fillSession(&page.Items[i]); err != nil {
			return page, err
		}
	}
	return page, nil
}

// ListPendingQuestions returns one page of pending questions, oldest first.
func (s *Store) ListPendingQuestions(p model.PageRequest) (model.Page[model.ReviewableQuestion], error) {
	p = p.Normalize()
	page := model.Page[model.ReviewableQuestion]{Page: p.Page, PageSize: p.PageSize}
	total, err := s.PendingCount()
	if err != nil {
		return page, err
	}
	page.Total = total
	page.Items, err = s.queryQuestions(
		`SELECT `+questionColumns+` FROM generated_questions WHERE status = ?
		 ORDER BY created_at, session_id, position LIMIT ? OFFSET ?`,
		model.ReviewPending, p.PageSize, p.Offset())
	return page, err
}

// PendingCount returns the number of questions awaiting review.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM generated_questions WHERE status = ?`, model.ReviewPending).Scan(&n)
	return n, err
}

// SetQuestionStatus records a review decision.
func (s *Store) SetQuestionStatus(sessionID, questionID string, status model.ReviewStatus) error {
	res, err := s.db.Exec(
		`UPDATE generated_questions SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?`,
		status, s.now(), sessionID, questionID,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// UpdateQuestion replaces the editable fields of a question.
func (s *Store) UpdateQuestion(sessionID, questionID string, u model.QuestionUpdate) error {
	options, _, _, err := marshalLists(model.GeneratedQuestion{Options: u.Options})
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE generated_questions
		 SET question_text = ?, options_json = ?, correct_answer = ?, explanation = ?, updated_at = ?
		 WHERE session_id = ? AND id = ?`,
		u.Text, options, u.CorrectAnswer, u.Explanation, s.now(), sessionID, questionID,
	)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
