package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgeworks/forge/internal/auth"
	"github.com/forgeworks/forge/internal/factory"
	"github.com/forgeworks/forge/internal/keymanager"
	"github.com/forgeworks/forge/pkg/config"
	"github.com/forgeworks/forge/pkg/models"
)

func newTestServer(t *testing.T, cfg *config.Config) (*Server, http.Handler) {
	t.Helper()

	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.Security.EnableAuth = false
	}
	cfg.Providers = []config.Provider{
		{ID: "mock", Name: "Mock", Type: "mock", Enabled: true},
	}

	core, err := factory.New(cfg)
	if err != nil {
		t.Fatalf("factory.New() error = %v", err)
	}
	if err := core.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(core.Shutdown)

	km := keymanager.New(filepath.Join(t.TempDir(), "keys.enc"))
	if err := km.Unlock("test-password"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	core.SetKeyManager(km)

	am := auth.NewManager("test-secret", cfg.Security.JWTIssuer, cfg.Security.JWTAudience, cfg.Security.APIKeys)
	srv := NewServer(core, km, am, cfg)
	return srv, srv.SetupRoutes()
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rec.Code, http.StatusOK)
	}

	var health map[string]string
	decode(t, rec, &health)
	if health["core"] != "ok" {
		t.Errorf("health[core] = %q, want ok", health["core"])
	}
}

func TestCreateAndGetProject(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/projects", map[string]string{
		"name":         "billing service",
		"requirements": "invoice generation with PDF export",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created models.Project
	decode(t, rec, &created)
	if created.ID == "" {
		t.Fatal("created project has empty ID")
	}
	if created.Status != models.ProjectStatusPlanning {
		t.Errorf("Status = %q, want %q", created.Status, models.ProjectStatusPlanning)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/projects/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	var got models.Project
	decode(t, rec, &got)
	if got.Name != "billing service" {
		t.Errorf("Name = %q, want %q", got.Name, "billing service")
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/projects", map[string]string{
		"description": "no name",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetUnknownProject(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/projects/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestProjectTasksAndProgress(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/projects", map[string]string{"name": "p"})
	var created models.Project
	decode(t, rec, &created)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/projects/"+created.ID+"/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks status = %d", rec.Code)
	}
	var tasks []models.Task
	decode(t, rec, &tasks)
	if len(tasks) != len(models.AllRoles()) {
		t.Errorf("len(tasks) = %d, want %d", len(tasks), len(models.AllRoles()))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/projects/"+created.ID+"/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress status = %d", rec.Code)
	}
	var progress models.Progress
	decode(t, rec, &progress)
	if progress.Total != len(tasks) {
		t.Errorf("progress.Total = %d, want %d", progress.Total, len(tasks))
	}
}

func TestCancelProject(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/projects", map[string]string{"name": "doomed"})
	var created models.Project
	decode(t, rec, &created)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+created.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got models.Project
	decode(t, rec, &got)
	if got.Status != models.ProjectStatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, models.ProjectStatusCancelled)
	}

	// Cancelling twice conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+created.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestApproveRequiresReview(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/projects", map[string]string{"name": "p"})
	var created models.Project
	decode(t, rec, &created)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/projects/"+created.ID+"/approve", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("approve status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestListAgents(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agents status = %d", rec.Code)
	}

	var agents []models.Agent
	decode(t, rec, &agents)
	if len(agents) != len(models.AllRoles()) {
		t.Errorf("len(agents) = %d, want %d", len(agents), len(models.AllRoles()))
	}
	for _, a := range agents {
		if a.Status != models.AgentStatusIdle {
			t.Errorf("agent %s status = %q, want idle", a.Name, a.Status)
		}
	}
}

func TestAgentStats(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil)
	var agents []models.Agent
	decode(t, rec, &agents)

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/agents/"+agents[0].ID+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	var stats models.AgentStats
	decode(t, rec, &stats)
	if stats.AgentID != agents[0].ID {
		t.Errorf("AgentID = %q, want %q", stats.AgentID, agents[0].ID)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/agents/nope/stats", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.EnableAuth = true
	cfg.Security.APIKeys = []string{"sekrit"}
	srv, handler := newTestServer(t, cfg)

	// No credentials.
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no creds status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	// Health stays open.
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Valid API key.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("api key status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Wrong API key.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad api key status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	// Bearer JWT issued by the server's own auth manager.
	token, err := srv.auth.IssueToken("tester")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestIssueToken(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/token", map[string]string{"subject": "cli"})
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d", rec.Code)
	}

	var resp map[string]string
	decode(t, rec, &resp)
	if resp["token"] == "" {
		t.Error("empty token")
	}
}

func TestAPIKeySettings(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/settings/api-keys", map[string]string{
		"provider":    "openrouter",
		"description": "prod key",
		"key":         "sk-or-1234567890abcdef",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("store status = %d, body %s", rec.Code, rec.Body.String())
	}

	var stored map[string]string
	decode(t, rec, &stored)
	if strings.Contains(stored["masked_key"], "1234567890ab") {
		t.Errorf("masked key leaks material: %q", stored["masked_key"])
	}
	if !strings.HasSuffix(stored["masked_key"], "cdef") {
		t.Errorf("masked key = %q, want suffix cdef", stored["masked_key"])
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/settings/api-keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []map[string]string
	decode(t, rec, &list)
	if len(list) != 1 || list[0]["provider"] != "openrouter" {
		t.Fatalf("list = %+v, want one openrouter entry", list)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/settings/api-keys/openrouter", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/settings/api-keys/openrouter", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestProvidersMasked(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/providers", map[string]interface{}{
		"id":      "or-1",
		"name":    "OpenRouter",
		"type":    "openrouter",
		"api_key": "sk-or-abcdefghij",
		"model":   "test-model",
		"enabled": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create provider status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/providers/or-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get provider status = %d", rec.Code)
	}
	var view providerView
	decode(t, rec, &view)
	if strings.Contains(view.APIKey, "abcdefg") {
		t.Errorf("provider view leaks key: %q", view.APIKey)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/providers/or-1/disable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d", rec.Code)
	}
	decode(t, rec, &view)
	if view.Enabled {
		t.Error("provider still enabled after disable")
	}
}

func TestHistoryRequiresDatabase(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/history/projects", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("history projects status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/history/projects/p-1/tasks", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("history tasks status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, handler := newTestServer(t, nil)

	rec := doJSON(t, handler, http.MethodPut, "/api/v1/projects", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
