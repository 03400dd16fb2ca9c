// Package project tracks project lifecycle. Status is derived from task
// outcomes by the state machine in state.go; the manager adds storage,
// forced cancellation and the review approval signal.
package project

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/internal/events"
	"github.com/forgeworks/forge/pkg/models"
)

// ErrProjectNotFound is returned when a project ID is unknown.
var ErrProjectNotFound = errors.New("project not found")

// ErrProjectClosed is returned for operations on a terminal project.
var ErrProjectClosed = errors.New("project is closed")

// ErrInvalidTransition is returned when a forced transition is requested
// from the wrong source state.
var ErrInvalidTransition = errors.New("invalid project status transition")

// ErrProjectInFlight is returned when deleting a project with active tasks.
var ErrProjectInFlight = errors.New("project has tasks in flight")

// TaskSource exposes the task view the state machine recomputes from.
type TaskSource interface {
	TasksByProject(projectID string) []*models.Task
	InFlight(projectID string) bool
}

// Manager is the in-memory project store plus the state machine driver.
type Manager struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	tasks    TaskSource
	bus      events.Bus
}

// NewManager creates a project manager over the given task source. The event
// bus is optional.
func NewManager(tasks TaskSource, bus events.Bus) *Manager {
	return &Manager{
		projects: make(map[string]*models.Project),
		tasks:    tasks,
		bus:      bus,
	}
}

// Create registers a new project in the pending state.
func (m *Manager) Create(name, description, requirements, createdBy string) (*models.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	now := time.Now().UTC()
	p := &models.Project{
		ID:           uuid.New().String(),
		Name:         name,
		Description:  description,
		Requirements: requirements,
		Status:       models.ProjectStatusPending,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.projects[p.ID] = p
	m.mu.Unlock()

	m.publish(events.Event{Type: events.TypeProjectCreated, ProjectID: p.ID, Status: string(p.Status)})
	copied := *p
	return &copied, nil
}

// Get returns a copy of the project.
func (m *Manager) Get(id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	copied := *p
	return &copied, nil
}

// List returns copies of all projects, newest first.
func (m *Manager) List() []*models.Project {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		copied := *p
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes a project. A project with assigned or running tasks cannot
// be deleted; cancel it first and let the attempts drain.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[id]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if m.tasks.InFlight(id) {
		return fmt.Errorf("%w: %s", ErrProjectInFlight, id)
	}
	delete(m.projects, id)
	return nil
}

// OnTaskOutcome recomputes the project status from its tasks. It is invoked
// on every task transition worth observing, and is safe to replay: the
// recompute is pure, so duplicate notifications are no-ops.
func (m *Manager) OnTaskOutcome(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	next := Recompute(p.Status, m.tasks.TasksByProject(projectID))
	if next == p.Status {
		return nil
	}

	log.Printf("[Project] %s: %s -> %s", p.Name, p.Status, next)
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	m.publish(events.Event{Type: events.TypeProjectStatus, ProjectID: p.ID, Status: string(next)})
	return nil
}

// Cancel forces the project into the terminal cancelled state from any
// non-terminal state.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrProjectClosed, id, p.Status)
	}

	now := time.Now().UTC()
	p.Status = models.ProjectStatusCancelled
	p.UpdatedAt = now
	p.CompletedAt = &now
	log.Printf("[Project] %s cancelled", p.Name)
	m.publish(events.Event{Type: events.TypeProjectStatus, ProjectID: p.ID, Status: string(p.Status)})
	return nil
}

// Approve is the external approval signal: review -> completed.
func (m *Manager) Approve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if p.Status != models.ProjectStatusReview {
		return fmt.Errorf("%w: %s is %s, want review", ErrInvalidTransition, id, p.Status)
	}

	now := time.Now().UTC()
	p.Status = models.ProjectStatusCompleted
	p.UpdatedAt = now
	p.CompletedAt = &now
	log.Printf("[Project] %s approved and completed", p.Name)
	m.publish(events.Event{Type: events.TypeProjectStatus, ProjectID: p.ID, Status: string(p.Status)})
	return nil
}

// Progress returns the per-status task counts for a project.
func (m *Manager) Progress(id string) (*models.Progress, error) {
	m.mu.RLock()
	_, ok := m.projects[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}

	tasks := m.tasks.TasksByProject(id)
	progress := &models.Progress{
		Total:    len(tasks),
		ByStatus: make(map[models.TaskStatus]int),
	}
	for _, t := range tasks {
		progress.ByStatus[t.Status]++
	}
	progress.Succeeded = progress.ByStatus[models.TaskStatusSucceeded]
	progress.Failed = progress.ByStatus[models.TaskStatusFailed]
	return progress, nil
}

func (m *Manager) publish(event events.Event) {
	if m.bus != nil {
		m.bus.Publish(event)
	}
}
