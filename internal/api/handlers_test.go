package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/channel"
	"github.com/foxzi/notifysafe/internal/config"
	"github.com/foxzi/notifysafe/internal/delivery"
	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/foxzi/notifysafe/internal/template"
)

type testEnv struct {
	server    *Server
	simulator *channel.Simulator
	inbox     inbox.Store
	audit     *audit.Logger
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "api.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	templates, err := template.NewStorage(db)
	if err != nil {
		t.Fatalf("template.NewStorage() error = %v", err)
	}
	if _, err := template.Seed(context.Background(), templates, testLogger()); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	auditStore, err := audit.NewStorage(db)
	if err != nil {
		t.Fatalf("audit.NewStorage() error = %v", err)
	}
	inboxStore, err := inbox.NewBoltStorage(db)
	if err != nil {
		t.Fatalf("inbox.NewBoltStorage() error = %v", err)
	}

	sim := channel.NewSimulator(channel.SimulatorConfig{
		Probabilities:      map[channel.Channel]float64{channel.Email: 1, channel.SMS: 1, channel.InApp: 1},
		DefaultProbability: 1,
	}, testLogger())
	auditLog := audit.NewLogger(auditStore, testLogger())

	orch := delivery.NewOrchestrator(sim, auditLog, inboxStore, delivery.OrchestratorConfig{Timeout: 5 * time.Second}, testLogger())
	svc, err := delivery.NewService(orch, template.NewRenderer(templates), templates, auditLog, delivery.DefaultCatalog(),
		delivery.ServiceConfig{}, testLogger(),
		delivery.OrderedFallback{}, delivery.NewRetryUntilAllSucceed(2, 0, 0))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	server := NewServer(ServerOptions{
		Service:   svc,
		Templates: templates,
		Inbox:     inboxStore,
		Audit:     auditLog,
		Config:    &cfg,
		Logger:    testLogger(),
		Version:   "test",
	})
	return &testEnv{server: server, simulator: sim, inbox: inboxStore, audit: auditLog}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{APIKey: "secret"})

	rr := env.do(t, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{APIKey: "secret", JWTSecret: "jwt-secret"})

	token, err := GenerateToken("jwt-secret", "alice", false, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	foreign, _ := GenerateToken("other-secret", "mallory", true, time.Hour)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"wrong api key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key header", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"api key bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"jwt", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK},
		{"jwt wrong secret", map[string]string{"Authorization": "Bearer " + foreign}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/api/v1/events", nil, tt.headers)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestParseToken(t *testing.T) {
	token, err := GenerateToken("s", "ops", true, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, err := ParseToken("s", token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ops" || !claims.Privileged {
		t.Errorf("claims = %+v", claims)
	}

	expired, _ := GenerateToken("s", "ops", false, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, err := ParseToken("s", expired); err == nil {
		t.Error("ParseToken() accepted an expired token")
	}

	if _, err := GenerateToken("", "ops", false, time.Hour); err == nil {
		t.Error("GenerateToken() without secret should fail")
	}
}

func TestHandleTrigger(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rr := env.do(t, http.MethodPost, "/api/v1/events/trigger", TriggerRequest{
		EventType: "USER_LOGIN_SUCCESS",
		User:      "alice",
		Metadata:  map[string]string{"ip": "10.0.0.1"},
	}, map[string]string{"X-Actor": "tester"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var result delivery.Result
	decode(t, rr, &result)
	if !result.Success || result.Channel != channel.Email {
		t.Errorf("result = %+v, want success on email", result)
	}
	if !strings.Contains(result.Message, "alice") {
		t.Errorf("message = %q, want rendered user", result.Message)
	}

	events, _ := env.audit.List(context.Background(), audit.Filter{Type: audit.TypeEvent})
	if len(events) != 1 || events[0].Actor != "tester" {
		t.Errorf("EVENT records = %+v", events)
	}
}

func TestHandleTrigger_Errors(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing user", TriggerRequest{EventType: "OTP_SENT"}, http.StatusBadRequest},
		{"unknown channel", TriggerRequest{EventType: "OTP_SENT", User: "u", Channels: []string{"fax"}}, http.StatusBadRequest},
		{"unknown policy", TriggerRequest{EventType: "OTP_SENT", User: "u", Policy: "yolo"}, http.StatusBadRequest},
		{"retry all not privileged", TriggerRequest{EventType: "OTP_SENT", User: "u", Policy: delivery.PolicyRetryAll}, http.StatusForbidden},
		{"bad json", "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/v1/events/trigger", tt.body, nil)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestHandleTrigger_PrivilegedRetryAll(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{APIKey: "secret"})

	rr := env.do(t, http.MethodPost, "/api/v1/events/trigger", TriggerRequest{
		EventType: "TRANSACTION_COMPLETED",
		User:      "bob",
		Channels:  []string{"email", "sms"},
		Policy:    delivery.PolicyRetryAll,
	}, map[string]string{"X-API-Key": "secret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var result delivery.Result
	decode(t, rr, &result)
	if !result.Success || len(result.ChannelsDelivered) != 2 || result.Policy != delivery.PolicyRetryAll {
		t.Errorf("result = %+v", result)
	}
}

func TestHandleTrigger_InboxFallback(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	for _, ch := range channel.Known() {
		env.simulator.SetProbability(ch, 0)
	}

	rr := env.do(t, http.MethodPost, "/api/v1/events/trigger", TriggerRequest{EventType: "OTP_SENT", User: "carol"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var result delivery.Result
	decode(t, rr, &result)
	if result.Success || !result.SavedToInbox || len(result.FallbackEvents) != 3 {
		t.Fatalf("result = %+v, want inbox fallback", result)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/inbox/carol", nil, nil)
	var inboxResp InboxResponse
	decode(t, rr, &inboxResp)
	if len(inboxResp.Messages) != 1 || inboxResp.Messages[0].ID != result.InboxMessageID {
		t.Fatalf("inbox = %+v", inboxResp)
	}

	rr = env.do(t, http.MethodDelete, "/api/v1/inbox/carol/"+result.InboxMessageID, nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/api/v1/inbox/carol/"+result.InboxMessageID, nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestHandleEvents(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rr := env.do(t, http.MethodGet, "/api/v1/events", nil, nil)
	var resp struct {
		Events []delivery.Event `json:"events"`
	}
	decode(t, rr, &resp)
	if len(resp.Events) != 23 {
		t.Errorf("events = %d, want 23", len(resp.Events))
	}
}

func TestHandleTemplates(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rr := env.do(t, http.MethodGet, "/api/v1/templates?category=security", nil, nil)
	var list TemplateListResponse
	decode(t, rr, &list)
	if list.Total == 0 {
		t.Fatal("no security templates listed")
	}
	for _, tmpl := range list.Templates {
		if tmpl.Category != template.CategorySecurity {
			t.Errorf("template %s has category %s", tmpl.Name, tmpl.Category)
		}
	}

	rr = env.do(t, http.MethodGet, "/api/v1/templates/TEM001", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var tmpl template.Template
	decode(t, rr, &tmpl)
	if tmpl.Name != "USER_LOGIN_SUCCESS" {
		t.Errorf("template = %+v", tmpl)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/templates/TEM999", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing template status = %d, want 404", rr.Code)
	}
}

func TestHandleTemplateVersion(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	headers := map[string]string{"X-Actor": "editor-1"}

	rr := env.do(t, http.MethodPost, "/api/v1/templates/TEM001/versions",
		VersionRequest{ExpectedVersion: 1, Body: "Welcome back {{user}}"}, headers)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var edit struct {
		template.Template
		Version               int  `json:"version"`
		ObservabilityDegraded bool `json:"observability_degraded"`
	}
	decode(t, rr, &edit)
	if latest := edit.Latest(); latest.Number != 2 || latest.Editor != "editor-1" {
		t.Errorf("latest = %+v", latest)
	}
	if edit.Version != 2 || edit.ObservabilityDegraded {
		t.Errorf("version = %d, observability_degraded = %v", edit.Version, edit.ObservabilityDegraded)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/templates/TEM001/versions",
		VersionRequest{ExpectedVersion: 1, Body: "stale"}, headers)
	if rr.Code != http.StatusConflict {
		t.Errorf("stale edit status = %d, want 409", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/templates/TEM999/versions",
		VersionRequest{ExpectedVersion: 1, Body: "x"}, headers)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing template status = %d, want 404", rr.Code)
	}

	edits, _ := env.audit.List(context.Background(), audit.Filter{Type: audit.TypeTemplateEdit})
	if len(edits) != 1 || edits[0].Actor != "editor-1" || edits[0].Version != 2 {
		t.Errorf("TEMPLATE_EDIT records = %+v", edits)
	}
}

func TestHandleTemplateRender(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rr := env.do(t, http.MethodPost, "/api/v1/templates/render",
		RenderRequest{Name: "USER_LOGIN_SUCCESS", Vars: map[string]string{"user": "dave", "time": "09:00"}}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp RenderResponse
	decode(t, rr, &resp)
	if !strings.Contains(resp.Text, "dave") || strings.Contains(resp.Text, "{{") {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.Placeholders) == 0 {
		t.Error("placeholders empty")
	}

	rr = env.do(t, http.MethodPost, "/api/v1/templates/render", RenderRequest{Name: "NOPE"}, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown template status = %d, want 404", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/api/v1/templates/render", RenderRequest{}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", rr.Code)
	}
}

func TestHandleLogsAndStats(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	for _, user := range []string{"u1", "u2"} {
		rr := env.do(t, http.MethodPost, "/api/v1/events/trigger", TriggerRequest{EventType: "OTP_SENT", User: user}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("trigger status = %d", rr.Code)
		}
	}

	rr := env.do(t, http.MethodGet, "/api/v1/logs?user=u1", nil, nil)
	var logs LogsResponse
	decode(t, rr, &logs)
	if len(logs.Records) != 3 {
		t.Errorf("u1 records = %d, want 3 (event, attempt, success)", len(logs.Records))
	}
	if logs.Records[0].Type != audit.TypeDeliverySuccess {
		t.Errorf("newest record = %s, want DELIVERY_SUCCESS", logs.Records[0].Type)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/logs?type=event&limit=1", nil, nil)
	decode(t, rr, &logs)
	if len(logs.Records) != 1 || logs.Records[0].UserID != "u2" {
		t.Errorf("records = %+v", logs.Records)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/logs?since=yesterday", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	var stats audit.Stats
	decode(t, rr, &stats)
	if stats.EventsByType["OTP_SENT"] != 2 || stats.SuccessesByChannel["email"] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
