package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/notifysafe/internal/template"
)

// TemplateStore is a template.Store on SQLite
type TemplateStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTemplateStore creates a template store on an opened database
func NewTemplateStore(db *sql.DB) *TemplateStore {
	return &TemplateStore{db: db, now: time.Now}
}

// Create stores a new template with all of its versions
func (s *TemplateStore) Create(ctx context.Context, tmpl *template.Template) error {
	if err := tmpl.Prepare(s.now()); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates WHERE name = ?`, tmpl.Name).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("%w: %q", template.ErrDuplicateName, tmpl.Name)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO templates (id, name, category, description, latest_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tmpl.ID, tmpl.Name, tmpl.Category, tmpl.Description, tmpl.LatestVersion(),
		toUnix(tmpl.CreatedAt), toUnix(tmpl.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}

	for _, v := range tmpl.Versions {
		if err := insertVersion(ctx, tx, tmpl.ID, v); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get retrieves a template by ID
func (s *TemplateStore) Get(ctx context.Context, id string) (*template.Template, error) {
	return s.get(ctx, `SELECT id, name, category, description, created_at, updated_at FROM templates WHERE id = ?`, id)
}

// GetByName retrieves a template by name
func (s *TemplateStore) GetByName(ctx context.Context, name string) (*template.Template, error) {
	return s.get(ctx, `SELECT id, name, category, description, created_at, updated_at FROM templates WHERE name = ?`, name)
}

func (s *TemplateStore) get(ctx context.Context, query, arg string) (*template.Template, error) {
	tmpl, err := scanTemplate(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadVersions(ctx, tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// List returns templates ordered by name
func (s *TemplateStore) List(ctx context.Context, filter template.ListFilter) ([]*template.Template, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	search := "%" + strings.ToLower(filter.Search) + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, description, created_at, updated_at FROM templates
		 WHERE (? = '' OR lower(category) = lower(?))
		   AND (? = '' OR lower(name) LIKE ? OR lower(description) LIKE ?)
		 ORDER BY name
		 LIMIT ? OFFSET ?`,
		filter.Category, filter.Category,
		filter.Search, search, search,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, err
	}

	var result []*template.Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, tmpl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, tmpl := range result {
		if err := s.loadVersions(ctx, tmpl); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// AppendVersion adds version expected+1. The conditional update on
// latest_version makes the append atomic against concurrent editors.
func (s *TemplateStore) AppendVersion(ctx context.Context, id string, expected int, body, editor string) (*template.Template, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tmpl, err := scanTemplate(tx.QueryRowContext(ctx,
		`SELECT id, name, category, description, created_at, updated_at FROM templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", template.ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := loadVersions(ctx, tx, tmpl); err != nil {
		return nil, err
	}

	now := s.now()
	next, err := tmpl.AppendVersion(expected, body, editor, now)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE templates SET latest_version = ?, updated_at = ? WHERE id = ? AND latest_version = ?`,
		next, toUnix(now), id, expected,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("%w: %s changed during edit", template.ErrVersionConflict, tmpl.Name)
	}
	if err := insertVersion(ctx, tx, id, tmpl.Versions[len(tmpl.Versions)-1]); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// Count returns the number of stored templates
func (s *TemplateStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates`).Scan(&n)
	return n, err
}

func (s *TemplateStore) loadVersions(ctx context.Context, tmpl *template.Template) error {
	return loadVersions(ctx, s.db, tmpl)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadVersions(ctx context.Context, q querier, tmpl *template.Template) error {
	rows, err := q.QueryContext(ctx,
		`SELECT version, body, editor, created_at FROM template_versions WHERE template_id = ? ORDER BY version`, tmpl.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	tmpl.Versions = nil
	for rows.Next() {
		var (
			v       template.Version
			created int64
		)
		if err := rows.Scan(&v.Number, &v.Body, &v.Editor, &created); err != nil {
			return err
		}
		v.CreatedAt = fromUnix(created)
		tmpl.Versions = append(tmpl.Versions, v)
	}
	return rows.Err()
}

func insertVersion(ctx context.Context, tx *sql.Tx, id string, v template.Version) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO template_versions (template_id, version, body, editor, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, v.Number, v.Body, v.Editor, toUnix(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert template version: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row scanner) (*template.Template, error) {
	var (
		tmpl             template.Template
		created, updated int64
	)
	if err := row.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Category, &tmpl.Description, &created, &updated); err != nil {
		return nil, err
	}
	tmpl.CreatedAt = fromUnix(created)
	tmpl.UpdatedAt = fromUnix(updated)
	return &tmpl, nil
}
