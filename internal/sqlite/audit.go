package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/google/uuid"
)

// AuditStore is an append-only audit.Store on SQLite
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store on an opened database
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append inserts a record; the autoincrement key becomes its sequence
func (s *AuditStore) Append(ctx context.Context, rec *audit.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, type, event_type, channel, success, user_id, actor, message,
		                        metadata, template_id, version, attempt, policy, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.EventType, rec.Channel, rec.Success, rec.UserID, rec.Actor, rec.Message,
		metadata, rec.TemplateID, rec.Version, rec.Attempt, rec.Policy, rec.Error, toUnix(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.Seq = uint64(seq)
	return nil
}

// List returns matching records, newest first
func (s *AuditStore) List(ctx context.Context, filter audit.Filter) ([]*audit.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, toUnix(filter.Since))
	}

	query := `SELECT seq, id, type, event_type, channel, success, user_id, actor, message,
	                 metadata, template_id, version, attempt, policy, error, timestamp
	          FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*audit.Record
	for rows.Next() {
		var (
			rec      audit.Record
			typ      string
			metadata string
			ts       int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &typ, &rec.EventType, &rec.Channel, &rec.Success, &rec.UserID,
			&rec.Actor, &rec.Message, &metadata, &rec.TemplateID, &rec.Version, &rec.Attempt, &rec.Policy,
			&rec.Error, &ts); err != nil {
			return nil, err
		}
		rec.Type = audit.Type(typ)
		rec.Timestamp = fromUnix(ts)
		rec.Metadata = decodeMetadata(metadata)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Stats aggregates the log with GROUP BY queries
func (s *AuditStore) Stats(ctx context.Context) (*audit.Stats, error) {
	stats := audit.NewStats()

	err := s.groupCount(ctx, `SELECT type, COUNT(*) FROM audit_log GROUP BY type`, func(key string, n int) {
		stats.ByType[audit.Type(key)] = n
		stats.Total += n
	})
	if err != nil {
		return nil, err
	}

	err = s.groupCount(ctx, `SELECT channel, COUNT(*) FROM audit_log WHERE type = 'DELIVERY_ATTEMPT' GROUP BY channel`, func(key string, n int) {
		stats.AttemptsByChannel[key] = n
	})
	if err != nil {
		return nil, err
	}

	err = s.groupCount(ctx, `SELECT channel, COUNT(*) FROM audit_log WHERE type = 'DELIVERY_ATTEMPT' AND success = 1 GROUP BY channel`, func(key string, n int) {
		stats.SuccessesByChannel[key] = n
	})
	if err != nil {
		return nil, err
	}

	err = s.groupCount(ctx, `SELECT event_type, COUNT(*) FROM audit_log WHERE type = 'EVENT' GROUP BY event_type`, func(key string, n int) {
		stats.EventsByType[key] = n
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *AuditStore) groupCount(ctx context.Context, query string, fn func(key string, n int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
