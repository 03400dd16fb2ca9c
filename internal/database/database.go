// Package database mirrors orchestrator state into PostgreSQL. The core
// runs fully in memory; the mirror exists for the dashboard's history views
// and for warm restarts. Writes are snapshot-style upserts driven by bus
// events, so a lost write is repaired by the next one.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/forgeworks/forge/pkg/models"
)

// Database wraps the PostgreSQL mirror connection.
type Database struct {
	db *sql.DB
}

// New opens the mirror database and initializes the schema.
func New(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Printf("[Database] Connected to postgres mirror")
	return d, nil
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		requirements TEXT,
		status TEXT NOT NULL,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		title TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		assigned_agent TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		current_task_id TEXT,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		completed_tasks INTEGER NOT NULL DEFAULT 0,
		failed_tasks INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		provider TEXT PRIMARY KEY,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

// UpsertProject writes the current snapshot of a project.
func (d *Database) UpsertProject(ctx context.Context, p *models.Project) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, requirements, status, created_by, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			requirements = EXCLUDED.requirements,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		p.ID, p.Name, p.Description, p.Requirements, string(p.Status), p.CreatedBy,
		p.CreatedAt, p.UpdatedAt, nullTime(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", p.ID, err)
	}
	return nil
}

// UpsertTask writes the current snapshot of a task.
func (d *Database) UpsertTask(ctx context.Context, t *models.Task) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, role, title, payload, status, assigned_agent, attempts, result, error, created_at, updated_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_agent = EXCLUDED.assigned_agent,
			attempts = EXCLUDED.attempts,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		t.ID, t.ProjectID, string(t.Role), t.Title, t.Payload, string(t.Status), t.AssignedAgent,
		t.Attempts, t.Result, t.Error, t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

// UpsertAgent writes the current snapshot of an agent.
func (d *Database) UpsertAgent(ctx context.Context, a *models.Agent) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, status, current_task_id, total_tasks, completed_tasks, failed_tasks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_task_id = EXCLUDED.current_task_id,
			total_tasks = EXCLUDED.total_tasks,
			completed_tasks = EXCLUDED.completed_tasks,
			failed_tasks = EXCLUDED.failed_tasks,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, string(a.Role), string(a.Status), a.CurrentTaskID,
		a.TotalTasks, a.CompletedTasks, a.FailedTasks, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// UpsertAPIKeyMeta records that a credential exists for a provider. The key
// material itself never reaches the database.
func (d *Database) UpsertAPIKeyMeta(ctx context.Context, provider, description string) error {
	now := time.Now().UTC()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO api_keys (provider, description, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (provider) DO UPDATE SET
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at`,
		provider, description, now)
	if err != nil {
		return fmt.Errorf("failed to upsert api key meta for %s: %w", provider, err)
	}
	return nil
}

// DeleteAPIKeyMeta removes the credential record for a provider.
func (d *Database) DeleteAPIKeyMeta(ctx context.Context, provider string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM api_keys WHERE provider = $1`, provider)
	if err != nil {
		return fmt.Errorf("failed to delete api key meta for %s: %w", provider, err)
	}
	return nil
}

// LoadProjects returns all mirrored projects, newest first.
func (d *Database) LoadProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, description, requirements, status, created_by, created_at, updated_at, completed_at
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var p models.Project
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Requirements, &status,
			&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.Status = models.ProjectStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			p.CompletedAt = &t
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// LoadTasks returns all mirrored tasks for a project in creation order.
func (d *Database) LoadTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, project_id, role, title, payload, status, assigned_agent, attempts, result, error, created_at, updated_at, started_at, completed_at
		FROM tasks WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for %s: %w", projectID, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		var role, status string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.ProjectID, &role, &t.Title, &t.Payload, &status,
			&t.AssignedAgent, &t.Attempts, &t.Result, &t.Error,
			&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Role = models.Role(role)
		t.Status = models.TaskStatus(status)
		if startedAt.Valid {
			v := startedAt.Time
			t.StartedAt = &v
		}
		if completedAt.Valid {
			v := completedAt.Time
			t.CompletedAt = &v
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// Health pings the database.
func (d *Database) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
