// Package notify emits terminal-state events to external observers. Delivery
// is best-effort: a lost notification never changes a task's recorded state.
package notify

import (
	"context"
	"time"

	"filerelay/pkg/logger"
)

// Event describes a file task reaching a terminal state.
type Event struct {
	FileName     string    `json:"file_name"`
	State        string    `json:"state"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the application log. Used when no external
// notification channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	log := logger.Component("notify")
	log.Info().
		Str("file", ev.FileName).
		Str("state", ev.State).
		Str("error", ev.ErrorMessage).
		Msg("task reached terminal state")
	return nil
}
