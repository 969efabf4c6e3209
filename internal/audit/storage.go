package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketAudit = []byte("audit_log")

// Storage is a bbolt-backed audit Store. Keys are the bucket sequence, so
// cursor order equals append order.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates a new audit storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAudit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Append persists a record
func (s *Storage) Append(ctx context.Context, rec *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketAudit)

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal audit record: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// List returns matching records, newest first
func (s *Storage) List(ctx context.Context, filter Filter) ([]*Record, error) {
	limit := filter.EffectiveLimit()
	var records []*Record

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !filter.Matches(&rec) {
				continue
			}
			records = append(records, &rec)
			if len(records) >= limit {
				break
			}
		}
		return nil
	})

	return records, err
}

// Stats aggregates all records
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := NewStats()

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			stats.Add(&rec)
			return nil
		})
	})

	return stats, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
