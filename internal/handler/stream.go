package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pavelanni/qgen/internal/event"
	"github.com/pavelanni/qgen/internal/model"
	"github.com/pavelanni/qgen/internal/sse"
)

// errClientGone marks failures to deliver an event to the client.
var errClientGone = errors.New("client disconnected")

type stepPayload struct {
	Step string `json:"step"`
}

type donePayload struct {
	SessionID string `json:"session_id"`
}

// streamer emits the events of one streaming generation.
type streamer struct {
	ctx   context.Context
	enc   *sse.Encoder
	delay time.Duration
	seq   int
}

func (s *streamer) emit(kind event.Kind, payload any) error {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", errClientGone, s.ctx.Err())
		case <-t.C:
		}
	}
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	s.seq++
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if err := s.enc.WriteRecord(sse.Record{ID: strconv.Itoa(s.seq), Event: string(kind), Data: string(data)}); err != nil {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	return nil
}

func (h *Handler) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	req, ok := decodeGenerateRequest(w, r)
	if !ok {
		return
	}
	sess, err := h.store.CreateSession(req)
	if err != nil {
		h.internalError(w, r, "create session", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := slog.With("session_id", sess.ID)
	s := &streamer{ctx: r.Context(), enc: sse.NewEncoder(w), delay: h.config.EventDelay}
	err = h.generate(s, sess, req)

	switch {
	case err == nil:
		log.Info("generation completed", "questions", req.QuestionCount)
	case errors.Is(err, errClientGone):
		log.Info("generation cancelled by client")
		if err := h.store.UpdateSessionStatus(sess.ID, model.StatusCancelled, ""); err != nil {
			log.Error("mark session cancelled", "error", err)
		}
	default:
		log.Error("generation failed", "error", err)
		if err := h.store.UpdateSessionStatus(sess.ID, model.StatusFailed, err.Error()); err != nil {
			log.Error("mark session failed", "error", err)
		}
		if err := s.emit(event.KindError, event.ErrorMessage{Message: err.Error()}); err != nil {
			log.Warn("emit error event", "error", err)
		}
	}
}

// generate runs the full event sequence for sess. Questions are persisted
// before their completion event so a refetch after done sees all of them.
func (h *Handler) generate(s *streamer, sess model.GenerationSession, req model.GenerateRequest) error {
	err := s.emit(event.KindSessionCreated, event.SessionCreated{SessionID: sess.ID, QuestionCount: req.QuestionCount})
	if err != nil {
		return err
	}
	if err := h.store.UpdateSessionStatus(sess.ID, model.StatusStreaming, ""); err != nil {
		return fmt.Errorf("mark session streaming: %w", err)
	}
	if err := s.emit(event.KindAgentThinking, stepPayload{Step: fmt.Sprintf("Planning %d questions about %s", req.QuestionCount, subjectOf(req))}); err != nil {
		return err
	}

	for _, src := range buildSources(req) {
		if err := h.store.AddSource(sess.ID, src); err != nil {
			return fmt.Errorf("add source: %w", err)
		}
		if err := s.emit(event.KindSourceFound, src); err != nil {
			return err
		}
	}

	for i, q := range buildQuestions(req) {
		if h.config.FailAfter > 0 && i >= h.config.FailAfter {
			return errSimulatedFailure
		}
		step := stepPayload{Step: fmt.Sprintf("Writing question %d of %d", i+1, req.QuestionCount)}
		if err := s.emit(event.KindAgentAction, step); err != nil {
			return err
		}
		for _, part := range chunkText(q.Text, h.config.ChunkSize) {
			if err := s.emit(event.KindChunk, event.Chunk{QuestionID: q.ID, Content: part}); err != nil {
				return err
			}
		}
		if _, err := h.store.InsertQuestion(sess.ID, q); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		if err := s.emit(event.KindQuestionComplete, event.QuestionComplete{QuestionID: q.ID, Data: payloadOf(q)}); err != nil {
			return err
		}
	}

	if err := h.store.UpdateSessionStatus(sess.ID, model.StatusCompleted, ""); err != nil {
		return fmt.Errorf("mark session completed: %w", err)
	}
	return s.emit(event.KindDone, donePayload{SessionID: sess.ID})
}
