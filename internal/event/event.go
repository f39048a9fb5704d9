// Package event turns decoded stream records into typed generation events.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/qgen/internal/model"
	"github.com/pavelanni/qgen/internal/sse"
)

// Kind is the wire tag of an event.
type Kind string

const (
	KindSessionCreated   Kind = "session:created"
	KindAgentThinking    Kind = "agent:thinking"
	KindAgentAction      Kind = "agent:action"
	KindSourceFound      Kind = "source:found"
	KindChunk            Kind = "generation:chunk"
	KindQuestionComplete Kind = "generation:question_complete"
	KindError            Kind = "error:message"
	KindDone             Kind = "done"
)

// ErrMalformed is returned for records whose payload cannot be interpreted.
var ErrMalformed = errors.New("malformed event")

// Event is one of the concrete event types below.
type Event interface {
	Kind() Kind
}

// SessionCreated opens a generation session.
type SessionCreated struct {
	SessionID     string `json:"session_id"`
	QuestionCount int    `json:"question_count,omitempty"`
}

// AgentStep is a progress note from the generator.
type AgentStep struct {
	Action bool   `json:"-"`
	Step   string `json:"step"`
}

// SourceFound surfaces a citation.
type SourceFound struct {
	Source model.SourceRecord
}

// Chunk is a text fragment of one question.
type Chunk struct {
	QuestionID string `json:"question_id"`
	Content    string `json:"content"`
}

// QuestionComplete finalizes one question. Data is nil when the server sent
// no question_data.
type QuestionComplete struct {
	QuestionID string                 `json:"question_id"`
	Data       *model.QuestionPayload `json:"question_data,omitempty"`
}

// ErrorMessage reports a server-side failure of the session.
type ErrorMessage struct {
	Message string `json:"error_message"`
}

// Done ends the stream successfully.
type Done struct{}

// Unknown is any record whose tag is not recognized. It carries the raw
// payload and is otherwise ignored.
type Unknown struct {
	Type string
	Raw  string
}

func (SessionCreated) Kind() Kind   { return KindSessionCreated }
func (QuestionComplete) Kind() Kind { return KindQuestionComplete }
func (SourceFound) Kind() Kind      { return KindSourceFound }
func (Chunk) Kind() Kind            { return KindChunk }
func (ErrorMessage) Kind() Kind     { return KindError }
func (Done) Kind() Kind             { return KindDone }
func (u Unknown) Kind() Kind        { return Kind(u.Type) }

func (s AgentStep) Kind() Kind {
	if s.Action {
		return KindAgentAction
	}
	return KindAgentThinking
}

// Parse interprets one record. The tag comes from the record's event line,
// or from the payload's "type" field when the event line is absent.
// Empty data is treated as an empty object.
func Parse(rec sse.Record) (Event, error) {
	data := bytes.TrimSpace([]byte(rec.Data))
	if len(data) == 0 {
		data = []byte("{}")
	}

	tag := rec.Event
	if tag == "" || tag == "message" {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("%w: untagged record: %v", ErrMalformed, err)
		}
		tag = envelope.Type
	}

	switch Kind(tag) {
	case KindSessionCreated:
		var ev SessionCreated
		if err := decode(tag, data, &ev); err != nil {
			return nil, err
		}
		if ev.SessionID == "" {
			return nil, fmt.Errorf("%w: %s without session_id", ErrMalformed, tag)
		}
		return ev, nil
	case KindAgentThinking, KindAgentAction:
		var ev AgentStep
		if err := decode(tag, data, &ev); err != nil {
			return nil, err
		}
		ev.Action = Kind(tag) == KindAgentAction
		return ev, nil
	case KindSourceFound:
		var src model.SourceRecord
		if err := decode(tag, data, &src); err != nil {
			return nil, err
		}
		if src.ID == "" {
			return nil, fmt.Errorf("%w: %s without source_id", ErrMalformed, tag)
		}
		return SourceFound{Source: src}, nil
	case KindChunk:
		var ev Chunk
		if err := decode(tag, data, &ev); err != nil {
			return nil, err
		}
		if ev.QuestionID == "" {
			return nil, fmt.Errorf("%w: %s without question_id", ErrMalformed, tag)
		}
		return ev, nil
	case KindQuestionComplete:
		var ev QuestionComplete
		if err := decode(tag, data, &ev); err != nil {
			return nil, err
		}
		if ev.QuestionID == "" {
			return nil, fmt.Errorf("%w: %s without question_id", ErrMalformed, tag)
		}
		return ev, nil
	case KindError:
		var ev ErrorMessage
		if err := decode(tag, data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindDone:
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: %s: invalid JSON", ErrMalformed, tag)
		}
		return Done{}, nil
	default:
		return Unknown{Type: tag, Raw: rec.Data}, nil
	}
}

func decode(tag string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
	}
	return nil
}
