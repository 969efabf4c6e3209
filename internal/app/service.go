package app

import (
	"fmt"
	"log/slog"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/config"
	"github.com/foxzi/notifysafe/internal/delivery"
	"github.com/foxzi/notifysafe/internal/template"
)

// NewSimulator builds the channel simulator from configuration
func NewSimulator(cfg config.ChannelsConfig, logger *slog.Logger) (*channel.Simulator, error) {
	probs := make(map[channel.Channel]float64, len(cfg.Probabilities))
	for name, p := range cfg.Probabilities {
		ch, err := channel.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("channels.probabilities: %w", err)
		}
		probs[ch] = p
	}

	return channel.NewSimulator(channel.SimulatorConfig{
		Probabilities:      probs,
		DefaultProbability: cfg.DefaultProbability,
		MinLatency:         cfg.MinLatency,
		MaxLatency:         cfg.MaxLatency,
	}, logger), nil
}

// NewCatalog returns the default catalog with configured events applied
func NewCatalog(events []config.EventConfig) (*delivery.Catalog, error) {
	catalog := delivery.DefaultCatalog()
	for _, ev := range events {
		e, _ := catalog.Lookup(ev.Type)
		e.Type = ev.Type
		if len(ev.Channels) > 0 {
			channels, err := channel.ParseList(ev.Channels)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", ev.Type, err)
			}
			e.Channels = channels
		}
		if len(e.Channels) == 0 {
			e.Channels = delivery.DefaultChannels
		}
		if ev.Category != "" {
			e.Category = ev.Category
		}
		if ev.Policy != "" {
			e.Policy = ev.Policy
		}
		catalog.Put(e)
	}
	return catalog, nil
}

// NewService wires the simulator, orchestrator and policies over stores
func NewService(cfg *config.Config, stores *Stores, sender channel.Sender, logger *slog.Logger) (*delivery.Service, *audit.Logger, error) {
	auditLog := audit.NewLogger(stores.Audit, logger.With("component", "audit"))

	catalog, err := NewCatalog(cfg.Events)
	if err != nil {
		return nil, nil, err
	}

	orch := delivery.NewOrchestrator(sender, auditLog, stores.Inbox,
		delivery.OrchestratorConfig{Timeout: cfg.Delivery.Timeout},
		logger.With("component", "orchestrator"),
	)

	svc, err := delivery.NewService(
		orch,
		template.NewRenderer(stores.Templates),
		stores.Templates,
		auditLog,
		catalog,
		delivery.ServiceConfig{
			DefaultPolicy:    cfg.Delivery.DefaultPolicy,
			CategoryPolicies: cfg.Delivery.CategoryPolicies,
		},
		logger.With("component", "delivery"),
		delivery.OrderedFallback{},
		delivery.NewRetryUntilAllSucceed(cfg.Delivery.MaxAttempts, cfg.Delivery.RetryInterval, cfg.Delivery.MaxRetryInterval),
	)
	if err != nil {
		return nil, nil, err
	}
	return svc, auditLog, nil
}
