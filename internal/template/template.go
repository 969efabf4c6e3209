package template

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTemplateNotFound is returned when no template has the requested name or ID
	ErrTemplateNotFound = errors.New("template not found")

	// ErrVersionConflict is returned when a version append raced with another edit
	ErrVersionConflict = errors.New("template version conflict")

	// ErrDuplicateName is returned when creating a template whose name is taken
	ErrDuplicateName = errors.New("template name already exists")
)

// Version is one immutable revision of a template body
type Version struct {
	Number    int       `json:"v"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Editor    string    `json:"editor,omitempty"`
}

// Template represents a named, versioned notification body
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Versions    []Version `json:"versions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Latest returns the highest-numbered version, or nil if there are none
func (t *Template) Latest() *Version {
	var latest *Version
	for i := range t.Versions {
		if latest == nil || t.Versions[i].Number > latest.Number {
			latest = &t.Versions[i]
		}
	}
	return latest
}

// LatestVersion returns the latest version number (0 for an empty template)
func (t *Template) LatestVersion() int {
	if v := t.Latest(); v != nil {
		return v.Number
	}
	return 0
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Limit    int
	Offset   int
	Search   string
	Category string
}

// RenderError describes why a template could not be rendered
type RenderError struct {
	Name string
	Err  error
}

func (e *RenderError) Error() string {
	return "render " + e.Name + ": " + e.Err.Error()
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Prepare fills defaults for a template about to be created. A missing ID is
// generated and a template without versions gets an empty v1.
func (t *Template) Prepare(now time.Time) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if len(t.Versions) == 0 {
		t.Versions = []Version{{Number: 1}}
	}
	last := 0
	for i := range t.Versions {
		v := &t.Versions[i]
		if v.Number <= last {
			return fmt.Errorf("template %q: version numbers must be increasing", t.Name)
		}
		last = v.Number
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// AppendVersion adds version expected+1 in memory. Stores call it inside
// their write transaction.
func (t *Template) AppendVersion(expected int, body, editor string, now time.Time) (int, error) {
	latest := t.LatestVersion()
	if latest != expected {
		return 0, fmt.Errorf("%w: %s is at v%d, edit based on v%d", ErrVersionConflict, t.Name, latest, expected)
	}
	next := latest + 1
	t.Versions = append(t.Versions, Version{
		Number:    next,
		Body:      body,
		CreatedAt: now,
		Editor:    editor,
	})
	t.UpdatedAt = now
	return next, nil
}

// Matches reports whether the template passes the filter's search and category
func (f ListFilter) Matches(t *Template) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, t.Category) {
		return false
	}
	if f.Search != "" {
		search := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.Name), search) &&
			!strings.Contains(strings.ToLower(t.Description), search) {
			return false
		}
	}
	return true
}
