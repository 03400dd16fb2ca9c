// Package planner turns project requirements into an ordered list of
// role-tagged task specs. Decomposition quality is a capability concern; the
// orchestration core only needs the ordered output.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/forgeworks/forge/internal/provider"
	"github.com/forgeworks/forge/pkg/models"
)

// Planner decomposes requirements into tasks.
type Planner interface {
	Plan(ctx context.Context, project *models.Project) ([]models.TaskSpec, error)
}

// phase groups the roles that work a delivery stage together.
type phase struct {
	name  string
	roles []models.Role
}

// pipeline is the standard delivery sequence.
var pipeline = []phase{
	{"planning", []models.Role{models.RoleArchitect}},
	{"development", []models.Role{models.RoleDatabase, models.RoleBackend, models.RoleFrontend}},
	{"testing", []models.Role{models.RoleQA, models.RoleSecurity}},
	{"deployment", []models.Role{models.RoleDevOps}},
	{"documentation", []models.Role{models.RoleWriter}},
}

var phaseTitles = map[models.Role]string{
	models.RoleArchitect: "Design system architecture",
	models.RoleDatabase:  "Design and implement data model",
	models.RoleBackend:   "Implement backend services",
	models.RoleFrontend:  "Implement user interface",
	models.RoleQA:        "Test the implementation",
	models.RoleSecurity:  "Security review",
	models.RoleDevOps:    "Prepare deployment",
	models.RoleWriter:    "Write documentation",
}

// PhasePlanner emits one task per pipeline role, in phase order. It is the
// default planner and the fallback when LLM-driven planning misbehaves.
type PhasePlanner struct{}

// NewPhasePlanner creates the static pipeline planner.
func NewPhasePlanner() *PhasePlanner {
	return &PhasePlanner{}
}

// Plan produces the standard pipeline for the project.
func (p *PhasePlanner) Plan(ctx context.Context, project *models.Project) ([]models.TaskSpec, error) {
	var specs []models.TaskSpec
	for _, ph := range pipeline {
		for _, role := range ph.roles {
			specs = append(specs, models.TaskSpec{
				Role:    role,
				Title:   phaseTitles[role],
				Payload: fmt.Sprintf("Project: %s\nPhase: %s\nRequirements:\n%s", project.Name, ph.name, project.Requirements),
			})
		}
	}
	return specs, nil
}

// ProviderPlanner asks an LLM to decompose the requirements into a JSON task
// list. Malformed or empty output falls back to the static pipeline rather
// than failing project creation.
type ProviderPlanner struct {
	registry *provider.Registry
	fallback Planner
}

// NewProviderPlanner creates an LLM-backed planner over the provider
// registry.
func NewProviderPlanner(registry *provider.Registry) *ProviderPlanner {
	return &ProviderPlanner{
		registry: registry,
		fallback: NewPhasePlanner(),
	}
}

const planPrompt = `Decompose the following software project into tasks.
Respond with a JSON array only, each element {"role": "...", "title": "...", "payload": "..."}.
Valid roles: architect, backend, frontend, database, devops, qa, security, writer.

Project: %s
Requirements:
%s`

// Plan requests a decomposition from the active provider, validating every
// role against the closed set.
func (p *ProviderPlanner) Plan(ctx context.Context, project *models.Project) ([]models.TaskSpec, error) {
	raw, err := p.registry.Execute(ctx, models.RoleArchitect, fmt.Sprintf(planPrompt, project.Name, project.Requirements))
	if err != nil {
		log.Printf("[Planner] Provider plan for %s failed, using pipeline: %v", project.ID, err)
		return p.fallback.Plan(ctx, project)
	}

	specs, err := parsePlan(raw)
	if err != nil {
		log.Printf("[Planner] Malformed plan for %s, using pipeline: %v", project.ID, err)
		return p.fallback.Plan(ctx, project)
	}
	return specs, nil
}

// parsePlan extracts and validates the JSON task array, tolerating markdown
// code fences around it.
func parsePlan(raw string) ([]models.TaskSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if start := strings.Index(trimmed, "["); start >= 0 {
		if end := strings.LastIndex(trimmed, "]"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}

	var specs []models.TaskSpec
	if err := json.Unmarshal([]byte(trimmed), &specs); err != nil {
		return nil, fmt.Errorf("failed to parse task list: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("plan contained no tasks")
	}
	for i, spec := range specs {
		if !models.ValidRole(spec.Role) {
			return nil, fmt.Errorf("task %d has unknown role %q", i, spec.Role)
		}
		if strings.TrimSpace(spec.Title) == "" {
			return nil, fmt.Errorf("task %d has no title", i)
		}
	}
	return specs, nil
}
