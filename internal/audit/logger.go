package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Logger writes activity records and mirrors them to the structured log
type Logger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates a new audit logger
func NewLogger(store Store, logger *slog.Logger) *Logger {
	return &Logger{
		store:  store,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Log stamps and persists rec. The call returns once the record is durable,
// so records from one caller are stored in call order.
func (l *Logger) Log(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	if err := l.store.Append(ctx, rec); err != nil {
		l.logger.Warn("failed to write audit record",
			"type", rec.Type,
			"event_type", rec.EventType,
			"channel", rec.Channel,
			"error", err,
		)
		return fmt.Errorf("failed to write audit record: %w", err)
	}

	l.logger.Debug("audit record written",
		"seq", rec.Seq,
		"type", rec.Type,
		"event_type", rec.EventType,
		"channel", rec.Channel,
		"success", rec.Success,
	)
	return nil
}

// List returns matching records, newest first
func (l *Logger) List(ctx context.Context, filter Filter) ([]*Record, error) {
	return l.store.List(ctx, filter)
}

// Stats aggregates the whole log
func (l *Logger) Stats(ctx context.Context) (*Stats, error) {
	return l.store.Stats(ctx)
}
