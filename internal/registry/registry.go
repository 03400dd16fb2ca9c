// Package registry holds the fixed agent catalog and tracks per-agent status
// and lifetime counters. Agents are created once at bootstrap; afterwards the
// registry only moves them between idle, busy, error and offline.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/pkg/models"
)

// ErrInvalidTransition is returned when an agent status change is requested
// from the wrong source state.
var ErrInvalidTransition = errors.New("invalid agent status transition")

// ErrNoIdleAgent signals that no idle agent exists for a role right now.
// It is backpressure, not a failure: the dispatcher waits and retries.
var ErrNoIdleAgent = errors.New("no idle agent available")

// ErrAgentNotFound is returned when an agent ID is not in the catalog.
var ErrAgentNotFound = errors.New("agent not found")

// catalogNames is the fixed bootstrap catalog, one agent per role.
var catalogNames = map[models.Role]string{
	models.RoleArchitect: "Atlas",
	models.RoleBackend:   "Bolt",
	models.RoleFrontend:  "Pixel",
	models.RoleDatabase:  "Vault",
	models.RoleDevOps:    "Rig",
	models.RoleQA:        "Probe",
	models.RoleSecurity:  "Sentinel",
	models.RoleWriter:    "Quill",
}

// Registry is the in-memory agent catalog. All status transitions for all
// agents are serialized under a single mutex, so per-agent transition order
// is total.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
	byRole map[models.Role][]string
}

// New creates an empty registry. Call Bootstrap to populate the catalog.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*models.Agent),
		byRole: make(map[models.Role][]string),
	}
}

// Bootstrap registers the fixed catalog: one agent per role. It is called
// once at startup; calling it on a non-empty registry is an error.
func (r *Registry) Bootstrap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.agents) > 0 {
		return fmt.Errorf("registry already bootstrapped with %d agents", len(r.agents))
	}

	now := time.Now().UTC()
	for _, role := range models.AllRoles() {
		agent := &models.Agent{
			ID:        uuid.New().String(),
			Name:      catalogNames[role],
			Role:      role,
			Status:    models.AgentStatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.agents[agent.ID] = agent
		r.byRole[role] = append(r.byRole[role], agent.ID)
	}

	log.Printf("[Registry] Bootstrapped %d agents across %d roles", len(r.agents), len(r.byRole))
	return nil
}

// Get returns a copy of the agent with the given ID.
func (r *Registry) Get(id string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	copied := *agent
	return &copied, nil
}

// List returns copies of all agents, ordered by role then name.
func (r *Registry) List() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Role != agents[j].Role {
			return agents[i].Role < agents[j].Role
		}
		return agents[i].Name < agents[j].Name
	})
	return agents
}

// FindIdle returns a copy of an idle agent with the given role, or
// ErrNoIdleAgent when every agent of that role is busy, errored or offline.
func (r *Registry) FindIdle(role models.Role) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.byRole[role] {
		agent := r.agents[id]
		if agent.Status == models.AgentStatusIdle {
			copied := *agent
			return &copied, nil
		}
	}
	return nil, ErrNoIdleAgent
}

// BusyCount returns the number of agents currently in the busy state.
func (r *Registry) BusyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, agent := range r.agents {
		if agent.Status == models.AgentStatusBusy {
			count++
		}
	}
	return count
}

// MarkBusy moves an idle agent to busy and records its current task.
func (r *Registry) MarkBusy(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status != models.AgentStatusIdle {
		return fmt.Errorf("%w: %s is %s, want idle", ErrInvalidTransition, id, agent.Status)
	}

	agent.Status = models.AgentStatusBusy
	agent.CurrentTaskID = taskID
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkIdle returns a busy agent to idle after an attempt. When success is
// true the attempt counted as a completion and the counters advance; when
// false the attempt is being retried or its outcome was discarded, and the
// counters stay untouched.
func (r *Registry) MarkIdle(id string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status != models.AgentStatusBusy {
		return fmt.Errorf("%w: %s is %s, want busy", ErrInvalidTransition, id, agent.Status)
	}

	agent.Status = models.AgentStatusIdle
	agent.CurrentTaskID = ""
	if success {
		agent.TotalTasks++
		agent.CompletedTasks++
	}
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkError moves a busy agent to the error state after a malfunction. The
// attempt counts as a failure.
func (r *Registry) MarkError(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status != models.AgentStatusBusy {
		return fmt.Errorf("%w: %s is %s, want busy", ErrInvalidTransition, id, agent.Status)
	}

	agent.Status = models.AgentStatusError
	agent.CurrentTaskID = ""
	agent.TotalTasks++
	agent.FailedTasks++
	agent.UpdatedAt = time.Now().UTC()
	log.Printf("[Registry] Agent %s (%s) marked error after malfunction", agent.Name, agent.Role)
	return nil
}

// Recover returns an errored agent to idle, typically by operator action.
func (r *Registry) Recover(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status != models.AgentStatusError {
		return fmt.Errorf("%w: %s is %s, want error", ErrInvalidTransition, id, agent.Status)
	}

	agent.Status = models.AgentStatusIdle
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkOffline removes an agent from scheduling. Only idle or errored agents
// can go offline; a busy agent must finish its attempt first.
func (r *Registry) MarkOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status != models.AgentStatusIdle && agent.Status != models.AgentStatusError {
		return fmt.Errorf("%w: %s is %s, want idle or error", ErrInvalidTransition, id, agent.Status)
	}

	agent.Status = models.AgentStatusOffline
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkOnline returns an offline agent to idle.
func (r *Registry) MarkOnline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status != models.AgentStatusOffline {
		return fmt.Errorf("%w: %s is %s, want offline", ErrInvalidTransition, id, agent.Status)
	}

	agent.Status = models.AgentStatusIdle
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// Stats returns the statistics view for a single agent.
func (r *Registry) Stats(id string) (*models.AgentStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return &models.AgentStats{
		AgentID:        agent.ID,
		Name:           agent.Name,
		Role:           agent.Role,
		Status:         string(agent.Status),
		TotalTasks:     agent.TotalTasks,
		CompletedTasks: agent.CompletedTasks,
		FailedTasks:    agent.FailedTasks,
		SuccessRate:    agent.SuccessRate(),
	}, nil
}
