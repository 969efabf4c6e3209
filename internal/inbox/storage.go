package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInbox = []byte("inbox")
	bucketIndex = []byte("inbox_ids")
)

// keyLayout is fixed-width so keys sort chronologically
const keyLayout = "2006-01-02T15:04:05.000000000Z"

// BoltStorage keeps one nested bucket per user under "inbox", keyed by
// creation time, plus an id index pointing at the user and key.
type BoltStorage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStorage creates a new inbox storage
func NewBoltStorage(db *bolt.DB) (*BoltStorage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketInbox); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketIndex); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox buckets: %w", err)
	}
	return &BoltStorage{db: db, now: time.Now}, nil
}

// Save stores a new message
func (s *BoltStorage) Save(ctx context.Context, msg *Message) error {
	if msg.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if index.Get([]byte(msg.ID)) != nil {
			return fmt.Errorf("message %s already exists", msg.ID)
		}

		user, err := tx.Bucket(bucketInbox).CreateBucketIfNotExists([]byte(msg.UserID))
		if err != nil {
			return fmt.Errorf("failed to create user bucket: %w", err)
		}

		key := makeIndexKey(msg.CreatedAt, msg.ID)
		if err := user.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(msg.ID), indexValue(msg.UserID, key))
	})
}

// List returns a user's messages, newest first
func (s *BoltStorage) List(ctx context.Context, userID string, limit int) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		user := tx.Bucket(bucketInbox).Bucket([]byte(userID))
		if user == nil {
			return nil
		}

		c := user.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			messages = append(messages, &msg)
			if limit > 0 && len(messages) >= limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Get returns a single message
func (s *BoltStorage) Get(ctx context.Context, userID, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		owner, key, ok := parseIndexValue(tx.Bucket(bucketIndex).Get([]byte(id)))
		if !ok || owner != userID {
			return nil
		}
		user := tx.Bucket(bucketInbox).Bucket([]byte(userID))
		if user == nil {
			return nil
		}
		data := user.Get(key)
		if data == nil {
			return nil
		}
		msg = &Message{}
		return json.Unmarshal(data, msg)
	})

	return msg, err
}

// Delete removes a message owned by userID
func (s *BoltStorage) Delete(ctx context.Context, userID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		owner, key, ok := parseIndexValue(index.Get([]byte(id)))
		if !ok || owner != userID {
			return ErrNotFound
		}

		if user := tx.Bucket(bucketInbox).Bucket([]byte(userID)); user != nil {
			if err := user.Delete(key); err != nil {
				return err
			}
		}
		return index.Delete([]byte(id))
	})
}

// CleanupOlderThan removes messages created before now-maxAge
func (s *BoltStorage) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := makeIndexKey(s.now().Add(-maxAge), "")
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketInbox)
		index := tx.Bucket(bucketIndex)

		var users [][]byte
		if err := root.ForEach(func(k, v []byte) error {
			if v == nil {
				users = append(users, append([]byte{}, k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, name := range users {
			user := root.Bucket(name)

			var expired [][]byte
			c := user.Cursor()
			for k, _ := c.First(); k != nil && string(k) < string(cutoff); k, _ = c.Next() {
				expired = append(expired, append([]byte{}, k...))
			}

			for _, k := range expired {
				if err := user.Delete(k); err != nil {
					return err
				}
				if err := index.Delete([]byte(idFromKey(k))); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})

	return deleted, err
}

// makeIndexKey creates a chronologically sortable key
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(keyLayout) + ":" + id)
}

func idFromKey(key []byte) string {
	s := string(key)
	if len(s) <= len(keyLayout)+1 {
		return ""
	}
	return s[len(keyLayout)+1:]
}

func indexValue(userID string, key []byte) []byte {
	return append([]byte(userID+"\x00"), key...)
}

func parseIndexValue(v []byte) (userID string, key []byte, ok bool) {
	for i, b := range v {
		if b == 0 {
			return string(v[:i]), v[i+1:], true
		}
	}
	return "", nil, false
}
