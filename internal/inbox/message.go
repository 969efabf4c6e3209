package inbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a message does not exist for the user
var ErrNotFound = errors.New("inbox message not found")

// Message is a notification that no live channel could deliver
type Message struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	EventType string            `json:"event_type"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store persists per-user inbox messages
type Store interface {
	// Save stores a new message, assigning ID and CreatedAt when empty
	Save(ctx context.Context, msg *Message) error

	// List returns a user's messages, newest first. limit <= 0 means all.
	List(ctx context.Context, userID string, limit int) ([]*Message, error)

	// Get returns a single message or nil if it does not exist
	Get(ctx context.Context, userID, id string) (*Message, error)

	// Delete removes a message, returning ErrNotFound if it does not exist
	Delete(ctx context.Context, userID, id string) error

	// CleanupOlderThan removes messages created before now-maxAge
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}
