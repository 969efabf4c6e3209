package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

// Storage is a bbolt-backed template Store
type Storage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTemplateNames); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// Create stores a new template. A missing ID is generated and a template
// without versions gets an empty v1.
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if err := tmpl.Prepare(s.now()); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		if existing := names.Get([]byte(tmpl.Name)); existing != nil {
			return fmt.Errorf("%w: %q", ErrDuplicateName, tmpl.Name)
		}
		if templates.Get([]byte(tmpl.ID)) != nil {
			return fmt.Errorf("template with id %q already exists", tmpl.ID)
		}

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		if err := templates.Put([]byte(tmpl.ID), data); err != nil {
			return err
		}
		return names.Put([]byte(tmpl.Name), []byte(tmpl.ID))
	})
}

// Get retrieves a template by ID
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// GetByName retrieves a template by name
func (s *Storage) GetByName(ctx context.Context, name string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get([]byte(name))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketTemplates).Get(id)
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// List returns templates in name order, walking the name index
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	var result []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		c := tx.Bucket(bucketTemplateNames).Cursor()

		skipped := 0
		for k, id := c.First(); k != nil; k, id = c.Next() {
			data := templates.Get(id)
			if data == nil {
				continue
			}
			var tmpl Template
			if err := json.Unmarshal(data, &tmpl); err != nil {
				continue
			}
			if !filter.Matches(&tmpl) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			result = append(result, &tmpl)
			if filter.Limit > 0 && len(result) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return result, err
}

// AppendVersion adds the next version inside a single write transaction,
// so two edits based on the same version cannot both succeed.
func (s *Storage) AppendVersion(ctx context.Context, id string, expected int, body, editor string) (*Template, error) {
	var tmpl Template

	err := s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		data := templates.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
		}
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return err
		}

		if _, err := tmpl.AppendVersion(expected, body, editor, s.now()); err != nil {
			return err
		}

		out, err := json.Marshal(&tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return templates.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}

	return &tmpl, nil
}

// Count returns the number of stored templates
func (s *Storage) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTemplates).Stats().KeyN
		return nil
	})
	return n, err
}
