// Package generation reconstructs a generation session from its event stream.
package generation

import (
	"github.com/pavelanni/qgen/internal/event"
	"github.com/pavelanni/qgen/internal/model"
)

// Next returns the session status after ev is observed in status.
// Terminal statuses are never left, and no server event leads to cancelled.
func Next(status model.SessionStatus, ev event.Event) model.SessionStatus {
	if status.IsTerminal() {
		return status
	}
	switch ev.(type) {
	case event.SessionCreated:
		if status == model.StatusInitializing {
			return model.StatusStreaming
		}
	case event.ErrorMessage:
		return model.StatusFailed
	case event.Done:
		return model.StatusCompleted
	}
	return status
}

// Cancel returns the status after a client-initiated abort.
func Cancel(status model.SessionStatus) model.SessionStatus {
	if status.IsTerminal() {
		return status
	}
	return model.StatusCancelled
}
