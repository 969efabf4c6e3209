package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/google/uuid"
)

// InboxStore is an inbox.Store on SQLite
type InboxStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewInboxStore creates an inbox store on an opened database
func NewInboxStore(db *sql.DB) *InboxStore {
	return &InboxStore{db: db, now: time.Now}
}

// Save stores a new message
func (s *InboxStore) Save(ctx context.Context, msg *inbox.Message) error {
	if msg.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inbox_messages (id, user_id, event_type, message, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.EventType, msg.Message, metadata, toUnix(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert inbox message: %w", err)
	}
	return nil
}

// List returns a user's messages, newest first
func (s *InboxStore) List(ctx context.Context, userID string, limit int) ([]*inbox.Message, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, event_type, message, metadata, created_at FROM inbox_messages
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*inbox.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Get returns a single message owned by userID
func (s *InboxStore) Get(ctx context.Context, userID, id string) (*inbox.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, event_type, message, metadata, created_at FROM inbox_messages WHERE id = ? AND user_id = ?`,
		id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// Delete removes a message owned by userID
func (s *InboxStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox_messages WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return inbox.ErrNotFound
	}
	return nil
}

// CleanupOlderThan removes messages created before now-maxAge
func (s *InboxStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox_messages WHERE created_at < ?`, toUnix(s.now().Add(-maxAge)))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanMessage(row scanner) (*inbox.Message, error) {
	var (
		msg      inbox.Message
		metadata string
		created  int64
	)
	if err := row.Scan(&msg.ID, &msg.UserID, &msg.EventType, &msg.Message, &metadata, &created); err != nil {
		return nil, err
	}
	msg.Metadata = decodeMetadata(metadata)
	msg.CreatedAt = fromUnix(created)
	return &msg, nil
}
