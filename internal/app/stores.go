package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/config"
	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/foxzi/notifysafe/internal/sqlite"
	"github.com/foxzi/notifysafe/internal/template"
)

// Stores bundles the three stores behind the configured driver
type Stores struct {
	Templates template.Store
	Audit     audit.Store
	Inbox     inbox.Store

	// Exactly one of these is set
	Bolt *bolt.DB
	SQL  *sql.DB
}

// OpenStores opens the database selected by storage.driver
func OpenStores(cfg config.StorageConfig) (*Stores, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && cfg.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Templates: sqlite.NewTemplateStore(db),
			Audit:     sqlite.NewAuditStore(db),
			Inbox:     sqlite.NewInboxStore(db),
			SQL:       db,
		}, nil

	case config.DriverBolt, "":
		db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s := &Stores{Bolt: db}
		if s.Templates, err = template.NewStorage(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create template storage: %w", err)
		}
		if s.Audit, err = audit.NewStorage(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create audit storage: %w", err)
		}
		if s.Inbox, err = inbox.NewBoltStorage(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create inbox storage: %w", err)
		}
		return s, nil
	}

	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// Seed fills an empty template store with the built-in catalog
func (s *Stores) Seed(ctx context.Context, logger *slog.Logger) error {
	_, err := template.Seed(ctx, s.Templates, logger)
	return err
}

// Close closes the underlying database
func (s *Stores) Close() error {
	if s.Bolt != nil {
		return s.Bolt.Close()
	}
	if s.SQL != nil {
		return s.SQL.Close()
	}
	return nil
}
