// Package queue is the ordered backlog of tasks awaiting assignment. It owns
// the task records for their whole lifetime; other components see copies.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/pkg/models"
)

// ErrProjectClosed is returned when enqueueing into a cancelled or completed
// project.
var ErrProjectClosed = errors.New("project is closed")

// ErrTaskNotFound is returned when a task ID is unknown.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when a task status change is requested
// from the wrong source state.
var ErrInvalidTransition = errors.New("invalid task status transition")

type entry struct {
	task *models.Task
	seq  uint64 // enqueue order, preserved across requeues
}

// Manager is the in-memory task backlog. Pending tasks are peekable in FIFO
// order per role; everything else is reachable by ID or project.
type Manager struct {
	mu      sync.RWMutex
	tasks   map[string]*entry
	closed  map[string]bool // projects no longer accepting tasks
	nextSeq uint64
}

// NewManager creates an empty task queue.
func NewManager() *Manager {
	return &Manager{
		tasks:  make(map[string]*entry),
		closed: make(map[string]bool),
	}
}

// Enqueue creates a pending task for the project from the given spec. It
// fails with ErrProjectClosed once the project has been cancelled or
// completed.
func (m *Manager) Enqueue(projectID string, spec models.TaskSpec) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed[projectID] {
		return nil, fmt.Errorf("%w: %s", ErrProjectClosed, projectID)
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Role:      spec.Role,
		Title:     spec.Title,
		Payload:   spec.Payload,
		Status:    models.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.nextSeq++
	m.tasks[task.ID] = &entry{task: task, seq: m.nextSeq}

	copied := *task
	return &copied, nil
}

// PeekNext returns the oldest pending task for the role whose project passes
// the eligibility predicate, without removing it. FIFO within the role by
// enqueue order, ties broken by task ID. Returns nil when nothing is
// eligible.
func (m *Manager) PeekNext(role models.Role, eligible func(projectID string) bool) *models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *entry
	for _, e := range m.tasks {
		if e.task.Status != models.TaskStatusPending || e.task.Role != role {
			continue
		}
		if eligible != nil && !eligible(e.task.ProjectID) {
			continue
		}
		if best == nil || e.seq < best.seq || (e.seq == best.seq && e.task.ID < best.task.ID) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	copied := *best.task
	return &copied
}

// MarkAssigned transitions a pending task to assigned and records the agent,
// removing it from the peekable set.
func (m *Manager) MarkAssigned(taskID, agentID string) error {
	return m.transition(taskID, models.TaskStatusPending, func(t *models.Task) {
		t.Status = models.TaskStatusAssigned
		t.AssignedAgent = agentID
	})
}

// MarkRunning transitions an assigned task to running and stamps the attempt
// start time.
func (m *Manager) MarkRunning(taskID string) error {
	return m.transition(taskID, models.TaskStatusAssigned, func(t *models.Task) {
		t.Status = models.TaskStatusRunning
		now := time.Now().UTC()
		t.StartedAt = &now
	})
}

// Complete transitions a running task to succeeded with its result.
func (m *Manager) Complete(taskID, result string) error {
	return m.transition(taskID, models.TaskStatusRunning, func(t *models.Task) {
		t.Status = models.TaskStatusSucceeded
		t.Result = result
		t.Error = ""
		now := time.Now().UTC()
		t.CompletedAt = &now
	})
}

// Requeue returns a failed running task to pending for another attempt. The
// attempt counter advances and the task keeps its original queue position,
// so a retried task does not lose its FIFO seniority.
func (m *Manager) Requeue(taskID, reason string) error {
	return m.transition(taskID, models.TaskStatusRunning, func(t *models.Task) {
		t.Status = models.TaskStatusPending
		t.AssignedAgent = ""
		t.Attempts++
		t.Error = reason
		t.StartedAt = nil
	})
}

// Fail terminally fails a running task after its retries are exhausted.
func (m *Manager) Fail(taskID, reason string) error {
	return m.transition(taskID, models.TaskStatusRunning, func(t *models.Task) {
		t.Status = models.TaskStatusFailed
		t.Attempts++
		t.Error = reason
		now := time.Now().UTC()
		t.CompletedAt = &now
	})
}

// MarkCancelled cancels a single running task whose outcome was discarded.
func (m *Manager) MarkCancelled(taskID string) error {
	return m.transition(taskID, models.TaskStatusRunning, func(t *models.Task) {
		t.Status = models.TaskStatusCancelled
		now := time.Now().UTC()
		t.CompletedAt = &now
	})
}

func (m *Manager) transition(taskID string, from models.TaskStatus, apply func(*models.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.task.Status != from {
		return fmt.Errorf("%w: task %s is %s, want %s", ErrInvalidTransition, taskID, e.task.Status, from)
	}
	apply(e.task)
	e.task.UpdatedAt = time.Now().UTC()
	return nil
}

// CancelProject closes the project and cancels all of its pending tasks.
// Assigned and running tasks are left for their executors to resolve.
func (m *Manager) CancelProject(projectID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed[projectID] = true
	now := time.Now().UTC()
	var cancelled []string
	for _, e := range m.tasks {
		if e.task.ProjectID == projectID && e.task.Status == models.TaskStatusPending {
			e.task.Status = models.TaskStatusCancelled
			e.task.UpdatedAt = now
			e.task.CompletedAt = &now
			cancelled = append(cancelled, e.task.ID)
		}
	}
	return cancelled
}

// CloseProject stops further enqueues into a completed project.
func (m *Manager) CloseProject(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[projectID] = true
}

// ProjectClosed reports whether the project no longer accepts tasks.
func (m *Manager) ProjectClosed(projectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed[projectID]
}

// Get returns a copy of a task by ID.
func (m *Manager) Get(taskID string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	copied := *e.task
	return &copied, nil
}

// TasksByProject returns copies of all tasks of a project in enqueue order.
func (m *Manager) TasksByProject(projectID string) []*models.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*entry
	for _, e := range m.tasks {
		if e.task.ProjectID == projectID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	tasks := make([]*models.Task, 0, len(entries))
	for _, e := range entries {
		copied := *e.task
		tasks = append(tasks, &copied)
	}
	return tasks
}

// InFlight reports whether the project has at least one assigned or running
// task.
func (m *Manager) InFlight(projectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inFlightLocked(projectID)
}

func (m *Manager) inFlightLocked(projectID string) bool {
	for _, e := range m.tasks {
		if e.task.ProjectID != projectID {
			continue
		}
		if e.task.Status == models.TaskStatusAssigned || e.task.Status == models.TaskStatusRunning {
			return true
		}
	}
	return false
}

// InFlightProjects returns the set of projects with assigned or running
// tasks.
func (m *Manager) InFlightProjects() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inflight := make(map[string]bool)
	for _, e := range m.tasks {
		if e.task.Status == models.TaskStatusAssigned || e.task.Status == models.TaskStatusRunning {
			inflight[e.task.ProjectID] = true
		}
	}
	return inflight
}

// PendingRoles returns the set of roles that currently have at least one
// pending task, so the dispatcher can skip roles with nothing to do.
func (m *Manager) PendingRoles() []models.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[models.Role]bool)
	for _, e := range m.tasks {
		if e.task.Status == models.TaskStatusPending {
			seen[e.task.Role] = true
		}
	}
	roles := make([]models.Role, 0, len(seen))
	for _, role := range models.AllRoles() {
		if seen[role] {
			roles = append(roles, role)
		}
	}
	return roles
}
