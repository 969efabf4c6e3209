package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/delivery"
	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/foxzi/notifysafe/internal/metrics"
	"github.com/foxzi/notifysafe/internal/template"
)

// TriggerRequest is the request body for POST /events/trigger
type TriggerRequest struct {
	EventType string            `json:"event_type"`
	User      string            `json:"user"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Channels  []string          `json:"channels,omitempty"`
	Policy    string            `json:"policy,omitempty"`
}

// VersionRequest is the request body for POST /templates/{id}/versions
type VersionRequest struct {
	ExpectedVersion int    `json:"expected_version"`
	Body            string `json:"body"`
}

// RenderRequest is the request body for POST /templates/render
type RenderRequest struct {
	Name string            `json:"name"`
	Vars map[string]string `json:"vars,omitempty"`
}

// RenderResponse is the response for POST /templates/render
type RenderResponse struct {
	Name         string   `json:"name"`
	Text         string   `json:"text"`
	Placeholders []string `json:"placeholders"`
}

// TemplateListResponse is the response for GET /templates
type TemplateListResponse struct {
	Templates []*template.Template `json:"templates"`
	Total     int                  `json:"total"`
}

// InboxResponse is the response for GET /inbox/{user}
type InboxResponse struct {
	User     string           `json:"user"`
	Messages []*inbox.Message `json:"messages"`
}

// LogsResponse is the response for GET /logs
type LogsResponse struct {
	Records []*audit.Record `json:"records"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleTrigger handles POST /api/v1/events/trigger
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	channels, err := channel.ParseList(req.Channels)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := PrincipalFrom(r.Context())
	result, err := s.service.Trigger(r.Context(), req.EventType, delivery.TriggerContext{
		User:       req.User,
		Metadata:   req.Metadata,
		Actor:      p.Actor,
		Privileged: p.Privileged,
		Channels:   channels,
		Policy:     req.Policy,
	})
	if err != nil {
		if result != nil {
			// Partial result: inbox write failure or timeout
			s.sendJSON(w, s.errorStatus(err), result)
			return
		}
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleEvents handles GET /api/v1/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"events": s.service.Catalog().List(),
	})
}

// handleTemplateList handles GET /api/v1/templates
func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := template.ListFilter{
		Search:   q.Get("search"),
		Category: q.Get("category"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	}

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	if templates == nil {
		templates = []*template.Template{}
	}

	s.sendJSON(w, http.StatusOK, TemplateListResponse{Templates: templates, Total: len(templates)})
}

// handleTemplateGet handles GET /api/v1/templates/{id}
func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tmpl, err := s.templates.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get template", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}
	if tmpl == nil {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}

	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleTemplateVersion handles POST /api/v1/templates/{id}/versions.
// The caller is the editor.
func (s *Server) handleTemplateVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req VersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	editor := PrincipalFrom(r.Context()).Actor
	edit, err := s.service.SaveTemplateEdit(r.Context(), id, req.ExpectedVersion, req.Body, editor)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, edit)
}

// handleTemplateRender handles POST /api/v1/templates/render
func (s *Server) handleTemplateRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	renderer := s.service.Renderer()
	text, err := renderer.Render(r.Context(), req.Name, req.Vars)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	tmpl, _ := s.templates.GetByName(r.Context(), req.Name)
	placeholders := []string{}
	if tmpl != nil && tmpl.Latest() != nil {
		placeholders = template.Placeholders(tmpl.Latest().Body)
	}

	s.sendJSON(w, http.StatusOK, RenderResponse{Name: req.Name, Text: text, Placeholders: placeholders})
}

// handleInboxList handles GET /api/v1/inbox/{user}
func (s *Server) handleInboxList(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	messages, err := s.inbox.List(r.Context(), user, queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("failed to list inbox", "user", user, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list inbox")
		return
	}
	if messages == nil {
		messages = []*inbox.Message{}
	}

	s.sendJSON(w, http.StatusOK, InboxResponse{User: user, Messages: messages})
}

// handleInboxDelete handles DELETE /api/v1/inbox/{user}/{id}
func (s *Server) handleInboxDelete(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	id := chi.URLParam(r, "id")

	if err := s.inbox.Delete(r.Context(), user, id); err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.logger.Info("inbox message deleted", "user", user, "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleLogs handles GET /api/v1/logs
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Type:      audit.Type(strings.ToUpper(q.Get("type"))),
		UserID:    q.Get("user"),
		EventType: q.Get("event_type"),
		Channel:   q.Get("channel"),
		Limit:     queryInt(r, "limit", 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	records, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit log", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list logs")
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}

	s.sendJSON(w, http.StatusOK, LogsResponse{Records: records})
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audit.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to compute stats")
		return
	}

	s.sendJSON(w, http.StatusOK, stats)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// errorStatus maps domain errors to HTTP status codes
func (s *Server) errorStatus(err error) int {
	switch {
	case errors.Is(err, delivery.ErrInvalidInput), errors.Is(err, delivery.ErrUnknownPolicy):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrNotPrivileged):
		return http.StatusForbidden
	case errors.Is(err, template.ErrTemplateNotFound), errors.Is(err, inbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, template.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError maps err and writes it; server errors are logged, not echoed
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	status := s.errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		metrics.IncAPIErrors("internal")
		s.sendError(w, status, http.StatusText(status))
		return
	}
	s.sendError(w, status, err.Error())
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
