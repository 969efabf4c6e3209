package inbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains inbox retention settings
type CleanerConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Cleaner periodically removes inbox messages past their retention
type Cleaner struct {
	store  Store
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once

	// OnCleanup is called with the number of deleted messages after each run
	OnCleanup func(deleted int)
}

// NewCleaner creates a new cleaner service
func NewCleaner(store Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "inbox-cleaner"),
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop. It is a no-op when retention is disabled.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		c.logger.Debug("inbox retention disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"max_age", c.cfg.MaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the loop to finish
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.store.CleanupOlderThan(ctx, c.cfg.MaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup inbox messages", "error", err)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("cleaned up inbox messages", "deleted", deleted)
	}
	if c.OnCleanup != nil {
		c.OnCleanup(deleted)
	}
	return deleted
}
