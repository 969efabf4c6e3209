package template

import "context"

// Store persists templates. Lookups return nil, nil when nothing matches.
type Store interface {
	// Create stores a new template; its name must be unique
	Create(ctx context.Context, tmpl *Template) error

	// Get retrieves a template by ID
	Get(ctx context.Context, id string) (*Template, error)

	// GetByName retrieves a template by its unique name
	GetByName(ctx context.Context, name string) (*Template, error)

	// List returns templates ordered by name
	List(ctx context.Context, filter ListFilter) ([]*Template, error)

	// AppendVersion atomically adds version expected+1. It fails with
	// ErrVersionConflict when the latest stored version is not expected.
	AppendVersion(ctx context.Context, id string, expected int, body, editor string) (*Template, error)

	// Count returns the number of stored templates
	Count(ctx context.Context) (int, error)
}
