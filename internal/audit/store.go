package audit

import "context"

// Store is an append-only record store. There is no update or delete.
type Store interface {
	// Append assigns the record its sequence number and persists it
	Append(ctx context.Context, rec *Record) error

	// List returns matching records, newest first
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// Stats aggregates all records
	Stats(ctx context.Context) (*Stats, error)
}
