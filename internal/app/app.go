package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/notifysafe/internal/api"
	"github.com/foxzi/notifysafe/internal/config"
	"github.com/foxzi/notifysafe/internal/events"
	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/foxzi/notifysafe/internal/metrics"
)

// Version is set at build time
var Version = "dev"

type consumer interface {
	Run(ctx context.Context) error
	Close() error
}

// App is the main application
type App struct {
	config        *config.Config
	stores        *Stores
	apiServer     *api.Server
	cleaner       *inbox.Cleaner
	dispatcher    *events.Dispatcher
	consumers     []consumer
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	stores, err := OpenStores(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config: cfg,
		stores: stores,
		logger: logger,
	}
	if err := a.init(); err != nil {
		stores.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.config
	logger := a.logger

	if cfg.Storage.ShouldSeed() {
		if err := a.stores.Seed(context.Background(), logger.With("component", "seed")); err != nil {
			return err
		}
	}

	// Metrics are registered before anything can increment them
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		collector, err := metrics.NewCollector(a.stores.Bolt, m, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.collector = collector
		a.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger)
	}

	sim, err := NewSimulator(cfg.Channels, logger.With("component", "simulator"))
	if err != nil {
		return err
	}

	svc, auditLog, err := NewService(cfg, a.stores, sim, logger)
	if err != nil {
		return fmt.Errorf("failed to create delivery service: %w", err)
	}

	a.cleaner = inbox.NewCleaner(a.stores.Inbox, inbox.CleanerConfig{
		MaxAge:   cfg.Storage.InboxRetention,
		Interval: cfg.Storage.CleanupInterval,
	}, logger)
	a.cleaner.OnCleanup = metrics.AddInboxCleaned

	a.apiServer = api.NewServer(api.ServerOptions{
		Service:   svc,
		Templates: a.stores.Templates,
		Inbox:     a.stores.Inbox,
		Audit:     auditLog,
		Config:    &cfg.API,
		Logger:    logger.With("component", "api"),
		Version:   Version,
	})

	if cfg.Consumer.Kafka.Enabled || cfg.Consumer.AMQP.Enabled {
		a.dispatcher = events.NewDispatcher(svc, events.DispatcherConfig{
			Workers:   cfg.Consumer.Workers,
			QueueSize: cfg.Consumer.QueueSize,
			Timeout:   cfg.Delivery.Timeout,
		}, logger.With("component", "dispatcher"))
	}

	if cfg.Consumer.Kafka.Enabled {
		a.consumers = append(a.consumers, events.NewKafkaConsumer(events.KafkaConfig{
			Brokers: cfg.Consumer.Kafka.Brokers,
			Topic:   cfg.Consumer.Kafka.Topic,
			GroupID: cfg.Consumer.Kafka.GroupID,
		}, a.dispatcher, logger.With("component", "kafka_consumer")))
	}

	if cfg.Consumer.AMQP.Enabled {
		c, err := events.DialAMQP(events.AMQPConfig{
			URL:      cfg.Consumer.AMQP.URL,
			Queue:    cfg.Consumer.AMQP.Queue,
			Prefetch: cfg.Consumer.AMQP.Prefetch,
		}, a.dispatcher, logger.With("component", "amqp_consumer"))
		if err != nil {
			return err
		}
		a.consumers = append(a.consumers, c)
	}

	return nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting notifysafe",
		"name", a.config.Server.Name,
		"version", Version,
		"api_addr", a.config.API.ListenAddr,
		"storage_driver", a.config.Storage.Driver,
		"default_policy", a.config.Delivery.DefaultPolicy,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 3+len(a.consumers))

	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.cleaner.Start(ctx)

	if a.dispatcher != nil {
		a.dispatcher.Start(ctx)
	}
	for _, c := range a.consumers {
		go func(c consumer) {
			if err := c.Run(ctx); err != nil {
				errCh <- fmt.Errorf("event consumer: %w", err)
			}
		}(c)
	}

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Consumers stop reading when the run context ends. Drain queued events
	// before closing them so offsets and acks can still be written.
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	for _, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Error("consumer close error", "error", err)
		}
	}

	a.cleaner.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Persist counters before the database closes
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.stores.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// NewLogger exposes the configured logger for CLI commands
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return setupLogger(cfg)
}
