package database

import (
	"context"
	"log"

	"github.com/forgeworks/forge/internal/events"
	"github.com/forgeworks/forge/internal/project"
	"github.com/forgeworks/forge/internal/queue"
	"github.com/forgeworks/forge/internal/registry"
)

// Mirror consumes bus events and writes the affected snapshots to the
// database. It runs as an ordinary bus subscriber; mirror lag never blocks
// the core.
type Mirror struct {
	db       *Database
	projects *project.Manager
	queue    *queue.Manager
	registry *registry.Registry
}

// NewMirror creates the write-behind mirror.
func NewMirror(db *Database, projects *project.Manager, q *queue.Manager, reg *registry.Registry) *Mirror {
	return &Mirror{db: db, projects: projects, queue: q, registry: reg}
}

// Handler returns the bus subscriber that mirrors affected entities.
func (m *Mirror) Handler(ctx context.Context) func(events.Event) {
	return func(e events.Event) {
		if e.ProjectID != "" {
			if p, err := m.projects.Get(e.ProjectID); err == nil {
				if err := m.db.UpsertProject(ctx, p); err != nil {
					log.Printf("[Mirror] %v", err)
				}
			}
		}
		if e.TaskID != "" {
			if t, err := m.queue.Get(e.TaskID); err == nil {
				if err := m.db.UpsertTask(ctx, t); err != nil {
					log.Printf("[Mirror] %v", err)
				}
			}
		}
		if e.AgentID != "" {
			if a, err := m.registry.Get(e.AgentID); err == nil {
				if err := m.db.UpsertAgent(ctx, a); err != nil {
					log.Printf("[Mirror] %v", err)
				}
			}
		}
	}
}

// SyncAgents writes the full agent catalog, used once at startup.
func (m *Mirror) SyncAgents(ctx context.Context) error {
	for _, a := range m.registry.List() {
		if err := m.db.UpsertAgent(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
