// Package handler serves the question-generator API backed by the store.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/qgen/internal/i18n"
	"github.com/pavelanni/qgen/internal/model"
	"github.com/pavelanni/qgen/internal/store"
)

// Config tunes the generation behavior of the server.
type Config struct {
	// EventDelay is the pause before each streamed event.
	EventDelay time.Duration
	// ChunkSize is the rune length of streamed text fragments.
	ChunkSize int
	// FailAfter makes a generation fail after that many questions. Zero disables it.
	FailAfter int
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	config    Config
	tokenHash []byte
}

// New creates a Handler. The API token hash is read from the store once;
// an empty hash leaves the API unauthenticated.
func New(s *store.Store, cfg Config) (*Handler, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	hash, err := s.TokenHash()
	if err != nil {
		return nil, fmt.Errorf("load token hash: %w", err)
	}
	h := &Handler{store: s, config: cfg}
	if hash != "" {
		h.tokenHash = []byte(hash)
	}
	return h, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Route("/api/v1/question-generator", func(api chi.Router) {
		api.Use(h.requireToken)
		api.Post("/generate/stream", h.handleGenerateStream)
		api.Post("/generate", h.handleGenerate)
		api.Get("/questions/pending", h.handleListPending)
		api.Get("/sessions", h.handleListSessions)
		api.Get("/sessions/{sessionID}", h.handleGetSession)
		api.Put("/sessions/{sessionID}/questions/{questionID}", h.handleUpdateQuestion)
		api.Post("/sessions/{sessionID}/questions/{questionID}/approve", h.handleDecision(model.ReviewApproved))
		api.Post("/sessions/{sessionID}/questions/{questionID}/reject", h.handleDecision(model.ReviewRejected))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGenerateRequest(w, r)
	if !ok {
		return
	}
	sess, err := h.store.CreateSession(req)
	if err != nil {
		h.internalError(w, r, "create session", err)
		return
	}

	var genErr error
	for i, q := range buildQuestions(req) {
		if h.config.FailAfter > 0 && i >= h.config.FailAfter {
			genErr = errSimulatedFailure
			break
		}
		if _, err := h.store.InsertQuestion(sess.ID, q); err != nil {
			genErr = err
			break
		}
	}
	for _, src := range buildSources(req) {
		if err := h.store.AddSource(sess.ID, src); err != nil && genErr == nil {
			genErr = err
		}
	}

	status, msg := model.StatusCompleted, ""
	if genErr != nil {
		slog.Error("generation failed", "session_id", sess.ID, "error", genErr)
		status, msg = model.StatusFailed, genErr.Error()
	}
	if err := h.store.UpdateSessionStatus(sess.ID, status, msg); err != nil {
		h.internalError(w, r, "update session", err)
		return
	}

	d, err := h.store.GetSessionDetail(sess.ID)
	if err != nil {
		h.internalError(w, r, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetSessionDetail(chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrSessionNotFound"))
		return
	}
	if err != nil {
		h.internalError(w, r, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	page, err := h.store.ListPendingQuestions(pageRequest(r))
	if err != nil {
		h.internalError(w, r, "list pending questions", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	page, err := h.store.ListSessions(pageRequest(r))
	if err != nil {
		h.internalError(w, r, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleDecision(status model.ReviewStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		questionID := chi.URLParam(r, "questionID")

		err := h.store.SetQuestionStatus(sessionID, questionID, status)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrQuestionNotFound"))
			return
		}
		if err != nil {
			h.internalError(w, r, "set question status", err)
			return
		}
		slog.Info("question reviewed", "session_id", sessionID, "question_id", questionID, "status", status)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var u model.QuestionUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidBody"))
		return
	}
	if err := u.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.store.UpdateQuestion(chi.URLParam(r, "sessionID"), chi.URLParam(r, "questionID"), u)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, appI18n.T(r.Context(), "ErrQuestionNotFound"))
		return
	}
	if err != nil {
		h.internalError(w, r, "update question", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeGenerateRequest reads and validates a generation request, writing a
// 400 response when it is unusable.
func decodeGenerateRequest(w http.ResponseWriter, r *http.Request) (model.GenerateRequest, bool) {
	var req model.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, appI18n.T(r.Context(), "ErrInvalidBody"))
		return req, false
	}
	// question_count is validated before defaults so an explicit 0 is rejected.
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req.WithDefaults(), true
}

func pageRequest(r *http.Request) model.PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	return model.PageRequest{Page: page, PageSize: size}.Normalize()
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.Error(op+" failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "ErrInternal"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
