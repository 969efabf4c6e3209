package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/metrics"
	"github.com/foxzi/notifysafe/internal/template"
)

// ServiceConfig controls policy selection
type ServiceConfig struct {
	// DefaultPolicy is used when neither the event nor its category names one
	DefaultPolicy string

	// CategoryPolicies maps an event category to a policy name
	CategoryPolicies map[string]string

	// Restricted lists policies a caller may only request explicitly when
	// privileged. Defaults to retry_all.
	Restricted []string
}

// Service is the entry point for triggering events and editing templates
type Service struct {
	orchestrator *Orchestrator
	renderer     *template.Renderer
	templates    template.Store
	audit        AuditLogger
	catalog      *Catalog

	policies   map[string]Policy
	restricted map[string]bool
	cfg        ServiceConfig
	logger     *slog.Logger
}

// NewService wires the orchestrator with rendering and policy selection.
// Policies are registered under their Name.
func NewService(o *Orchestrator, renderer *template.Renderer, templates template.Store, auditLog AuditLogger, catalog *Catalog, cfg ServiceConfig, logger *slog.Logger, policies ...Policy) (*Service, error) {
	if len(policies) == 0 {
		policies = []Policy{OrderedFallback{}, NewRetryUntilAllSucceed(0, 0, 0)}
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = PolicyOrdered
	}
	if cfg.Restricted == nil {
		cfg.Restricted = []string{PolicyRetryAll}
	}
	if catalog == nil {
		catalog = NewCatalog()
	}

	s := &Service{
		orchestrator: o,
		renderer:     renderer,
		templates:    templates,
		audit:        auditLog,
		catalog:      catalog,
		policies:     make(map[string]Policy, len(policies)),
		restricted:   make(map[string]bool),
		cfg:          cfg,
		logger:       logger.With("component", "delivery"),
	}
	for _, p := range policies {
		s.policies[p.Name()] = p
	}
	for _, name := range cfg.Restricted {
		s.restricted[name] = true
	}

	if _, ok := s.policies[cfg.DefaultPolicy]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownPolicy, cfg.DefaultPolicy)
	}
	for category, name := range cfg.CategoryPolicies {
		if _, ok := s.policies[name]; !ok {
			return nil, fmt.Errorf("%w: %q for category %q", ErrUnknownPolicy, name, category)
		}
	}

	return s, nil
}

// Catalog returns the event catalog
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Renderer returns the template renderer
func (s *Service) Renderer() *template.Renderer {
	return s.renderer
}

// Trigger looks eventType up in the catalog and delivers it. Types missing
// from the catalog are delivered on the default channels.
func (s *Service) Trigger(ctx context.Context, eventType string, tc TriggerContext) (*Result, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}

	event, ok := s.catalog.Lookup(eventType)
	if !ok {
		event = Event{Type: eventType, Channels: DefaultChannels}
	}
	return s.TriggerEvent(ctx, event, tc)
}

// TriggerEvent renders the event's template and delivers it through the
// selected policy
func (s *Service) TriggerEvent(ctx context.Context, event Event, tc TriggerContext) (*Result, error) {
	if strings.TrimSpace(event.Type) == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	if strings.TrimSpace(tc.User) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}

	channels := event.Channels
	if len(tc.Channels) > 0 {
		channels = tc.Channels
	}
	channels, err := normalizeChannels(channels)
	if err != nil {
		return nil, err
	}

	policy, err := s.selectPolicy(event, tc)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string, len(tc.Metadata)+1)
	for k, v := range tc.Metadata {
		vars[k] = v
	}
	if _, ok := vars["user"]; !ok {
		vars["user"] = tc.User
	}
	message := s.renderer.RenderText(ctx, event.Type, vars)

	return s.orchestrator.Deliver(ctx, Request{
		EventType: event.Type,
		UserID:    tc.User,
		Actor:     tc.Actor,
		Message:   message,
		Metadata:  tc.Metadata,
		Channels:  channels,
	}, policy)
}

// selectPolicy picks, in order: an explicitly requested policy, the
// event's own policy, its category mapping, then the default
func (s *Service) selectPolicy(event Event, tc TriggerContext) (Policy, error) {
	if tc.Policy != "" {
		p, ok := s.policies[tc.Policy]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, tc.Policy)
		}
		if s.restricted[tc.Policy] && !tc.Privileged {
			return nil, fmt.Errorf("%w: %q", ErrNotPrivileged, tc.Policy)
		}
		return p, nil
	}

	name := event.Policy
	if name == "" {
		name = s.cfg.CategoryPolicies[event.Category]
	}
	if name == "" {
		name = s.cfg.DefaultPolicy
	}

	p, ok := s.policies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// TemplateEdit is a saved template edit. ObservabilityDegraded is set when
// the edit is stored but its TEMPLATE_EDIT record could not be written.
type TemplateEdit struct {
	*template.Template
	Version               int  `json:"version"`
	ObservabilityDegraded bool `json:"observability_degraded"`
}

// SaveTemplateEdit appends version expectedVersion+1 to a template and
// records the edit. A concurrent edit based on the same version loses with
// template.ErrVersionConflict.
func (s *Service) SaveTemplateEdit(ctx context.Context, templateID string, expectedVersion int, body, editor string) (*TemplateEdit, error) {
	if strings.TrimSpace(templateID) == "" {
		return nil, fmt.Errorf("%w: template id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(editor) == "" {
		return nil, fmt.Errorf("%w: editor is required", ErrInvalidInput)
	}
	if expectedVersion < 1 {
		return nil, fmt.Errorf("%w: expected version must be positive", ErrInvalidInput)
	}

	tmpl, err := s.templates.AppendVersion(ctx, templateID, expectedVersion, body, editor)
	if err != nil {
		switch {
		case errors.Is(err, template.ErrVersionConflict):
			metrics.IncTemplateEdits("conflict")
		case errors.Is(err, template.ErrTemplateNotFound):
			metrics.IncTemplateEdits("not_found")
		default:
			metrics.IncTemplateEdits("error")
		}
		return nil, err
	}
	metrics.IncTemplateEdits("ok")

	version := tmpl.LatestVersion()
	rec := &audit.Record{
		Type:       audit.TypeTemplateEdit,
		EventType:  tmpl.Name,
		Actor:      editor,
		TemplateID: tmpl.ID,
		Version:    version,
		Success:    true,
	}
	edit := &TemplateEdit{Template: tmpl, Version: version}
	if err := s.audit.Log(context.WithoutCancel(ctx), rec); err != nil {
		edit.ObservabilityDegraded = true
		metrics.IncAuditWriteFailures()
		s.logger.Warn("template edit saved but not audited",
			"template_id", tmpl.ID,
			"version", version,
			"error", err,
		)
	}

	s.logger.Info("template edited",
		"template_id", tmpl.ID,
		"name", tmpl.Name,
		"version", version,
		"editor", editor,
	)
	return edit, nil
}

// normalizeChannels parses, validates and de-duplicates channels in order
func normalizeChannels(channels []channel.Channel) ([]channel.Channel, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", ErrInvalidInput)
	}
	raw := make([]string, len(channels))
	for i, ch := range channels {
		raw[i] = string(ch)
	}
	out, err := channel.ParseList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}
