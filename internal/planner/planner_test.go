package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/forgeworks/forge/internal/provider"
	"github.com/forgeworks/forge/pkg/config"
	"github.com/forgeworks/forge/pkg/models"
)

func testProject() *models.Project {
	return &models.Project{
		ID:           "p1",
		Name:         "todo-app",
		Requirements: "A todo list with user accounts",
		Status:       models.ProjectStatusPending,
	}
}

func TestPhasePlannerPipeline(t *testing.T) {
	specs, err := NewPhasePlanner().Plan(context.Background(), testProject())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(specs) != len(models.AllRoles()) {
		t.Fatalf("len(specs) = %d, want %d", len(specs), len(models.AllRoles()))
	}

	// Phase order: architecture first, validation after development,
	// documentation last.
	if specs[0].Role != models.RoleArchitect {
		t.Errorf("specs[0].Role = %s, want architect", specs[0].Role)
	}
	if specs[len(specs)-1].Role != models.RoleWriter {
		t.Errorf("last role = %s, want writer", specs[len(specs)-1].Role)
	}

	pos := make(map[models.Role]int)
	for i, s := range specs {
		pos[s.Role] = i
		if s.Title == "" || s.Payload == "" {
			t.Errorf("spec %d missing title or payload", i)
		}
	}
	if pos[models.RoleQA] < pos[models.RoleBackend] {
		t.Error("qa scheduled before backend development")
	}
	if pos[models.RoleSecurity] < pos[models.RoleBackend] {
		t.Error("security scheduled before backend development")
	}
}

func registryWithMock(t *testing.T, mock *provider.MockProvider) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry()
	if err := r.Upsert(config.Provider{ID: "mock", Type: "mock", Enabled: true}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	// Replace the built mock with the scripted one.
	reg, _ := r.Get("mock")
	reg.Provider = mock
	return r
}

func TestProviderPlannerParsesJSON(t *testing.T) {
	mock := &provider.MockProvider{Result: `[
		{"role": "backend", "title": "API", "payload": "build the API"},
		{"role": "qa", "title": "Tests", "payload": "test the API"}
	]`}
	p := NewProviderPlanner(registryWithMock(t, mock))

	specs, err := p.Plan(context.Background(), testProject())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Role != models.RoleBackend || specs[1].Role != models.RoleQA {
		t.Errorf("roles = %s,%s, want backend,qa", specs[0].Role, specs[1].Role)
	}
}

func TestProviderPlannerToleratesCodeFence(t *testing.T) {
	mock := &provider.MockProvider{Result: "```json\n[{\"role\": \"writer\", \"title\": \"Docs\", \"payload\": \"write docs\"}]\n```"}
	p := NewProviderPlanner(registryWithMock(t, mock))

	specs, err := p.Plan(context.Background(), testProject())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(specs) != 1 || specs[0].Role != models.RoleWriter {
		t.Errorf("specs = %v, want single writer task", specs)
	}
}

func TestProviderPlannerFallsBack(t *testing.T) {
	tests := []struct {
		name string
		mock *provider.MockProvider
	}{
		{"provider failure", &provider.MockProvider{Fail: errors.New("down")}},
		{"malformed json", &provider.MockProvider{Result: "not json at all"}},
		{"unknown role", &provider.MockProvider{Result: `[{"role": "intern", "title": "x", "payload": "y"}]`}},
		{"empty plan", &provider.MockProvider{Result: `[]`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProviderPlanner(registryWithMock(t, tt.mock))
			specs, err := p.Plan(context.Background(), testProject())
			if err != nil {
				t.Fatalf("Plan() error = %v, want fallback", err)
			}
			if len(specs) != len(models.AllRoles()) {
				t.Errorf("len(specs) = %d, want pipeline fallback %d", len(specs), len(models.AllRoles()))
			}
		})
	}
}
