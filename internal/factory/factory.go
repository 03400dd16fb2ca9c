// Package factory assembles the orchestration core: the agent registry, task
// queue, dispatcher, executor, project manager and their supporting
// infrastructure. It owns construction order and lifecycle; the HTTP layer
// and the CLI talk to the rest of the system through it.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/forgeworks/forge/internal/cache"
	"github.com/forgeworks/forge/internal/database"
	"github.com/forgeworks/forge/internal/dispatch"
	"github.com/forgeworks/forge/internal/events"
	"github.com/forgeworks/forge/internal/executor"
	"github.com/forgeworks/forge/internal/keymanager"
	"github.com/forgeworks/forge/internal/metrics"
	"github.com/forgeworks/forge/internal/planner"
	"github.com/forgeworks/forge/internal/project"
	"github.com/forgeworks/forge/internal/provider"
	"github.com/forgeworks/forge/internal/queue"
	"github.com/forgeworks/forge/internal/registry"
	"github.com/forgeworks/forge/pkg/config"
	"github.com/forgeworks/forge/pkg/models"
)

// Factory wires the orchestration components together.
type Factory struct {
	cfg *config.Config

	registry   *registry.Registry
	queue      *queue.Manager
	bus        events.Bus
	providers  *provider.Registry
	planner    *planner.ProviderPlanner
	projects   *project.Manager
	metrics    *metrics.Metrics
	executor   *executor.Executor
	dispatcher *dispatch.Dispatcher

	keys   *keymanager.Manager
	cache  *cache.Cache
	db     *database.Database
	mirror *database.Mirror

	natsBus *events.NatsBus
}

// meteredBus counts published events by type before delegating to the real
// bus.
type meteredBus struct {
	events.Bus
	m *metrics.Metrics
}

func (b *meteredBus) Publish(event events.Event) {
	b.m.EventsPublished.WithLabelValues(event.Type).Inc()
	b.Bus.Publish(event)
}

// execRunner hands assigned tasks to the executor without blocking the
// dispatch pass. The indirection through Factory breaks the construction
// cycle between dispatcher and executor.
type execRunner struct{ f *Factory }

func (r *execRunner) Dispatch(ctx context.Context, taskID, agentID string) {
	go r.f.executor.Run(ctx, taskID, agentID)
}

// dispatchWaker lets the executor nudge the dispatcher after resolving a
// task.
type dispatchWaker struct{ f *Factory }

func (w *dispatchWaker) Wake() { w.f.dispatcher.Wake() }

// New builds the core from configuration. Infrastructure that needs a
// network connection (NATS, Redis, PostgreSQL) is only attempted when
// configured; the core runs without any of it.
func New(cfg *config.Config) (*Factory, error) {
	f := &Factory{cfg: cfg}

	f.metrics = metrics.NewMetrics()

	f.registry = registry.New()
	if err := f.registry.Bootstrap(); err != nil {
		return nil, fmt.Errorf("failed to bootstrap agents: %w", err)
	}
	for _, a := range f.registry.List() {
		f.metrics.SetAgentStatus(a)
	}

	f.queue = queue.NewManager()

	if cfg.NATS.URL != "" {
		bus, err := events.NewNatsBus(events.NatsConfig{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect event bus: %w", err)
		}
		f.natsBus = bus
		f.bus = bus
	} else {
		f.bus = events.NewMemoryBus()
	}
	f.bus = &meteredBus{Bus: f.bus, m: f.metrics}

	f.providers = provider.NewRegistry()
	f.planner = planner.NewProviderPlanner(f.providers)
	f.projects = project.NewManager(f.queue, f.bus)

	f.executor = executor.New(f.queue, f.registry, f.providers, f.projects,
		&dispatchWaker{f}, f.bus, f.metrics, executor.Config{
			RetryLimit:  cfg.Dispatch.RetryLimit,
			TaskTimeout: cfg.Dispatch.TaskTimeout,
		})

	f.dispatcher = dispatch.New(f.registry, f.queue, &execRunner{f}, f.projects,
		f.bus, f.metrics, dispatch.Config{
			MaxBusyAgents:       cfg.Dispatch.MaxBusyAgents,
			MaxInFlightProjects: cfg.Dispatch.MaxInFlightProjects,
			TickInterval:        cfg.Dispatch.TickInterval,
		})

	return f, nil
}

// SetKeyManager attaches the unlocked credential store. Must be called
// before Initialize so provider configs can resolve their keys.
func (f *Factory) SetKeyManager(km *keymanager.Manager) {
	f.keys = km
}

// Initialize loads providers and connects the optional infrastructure.
// The context bounds subscriber handlers for the lifetime of the process.
func (f *Factory) Initialize(ctx context.Context) error {
	if err := f.providers.LoadAll(f.resolveProviderKeys(f.cfg.Providers)); err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	// Keep the per-status project gauge in step with the state machine.
	err := f.bus.Subscribe("project-gauge", func(e events.Event) {
		if e.Type != events.TypeProjectCreated && e.Type != events.TypeProjectStatus {
			return
		}
		f.recordProjectCounts()
	})
	if err != nil {
		return err
	}

	if f.cfg.Redis.Addr != "" {
		c, err := cache.New(ctx, cache.Config{
			Addr:     f.cfg.Redis.Addr,
			Password: f.cfg.Redis.Password,
			DB:       f.cfg.Redis.DB,
			TTL:      f.cfg.Redis.TTL,
		}, f.metrics)
		if err != nil {
			return fmt.Errorf("failed to connect cache: %w", err)
		}
		f.cache = c
		if err := f.bus.Subscribe("cache-invalidator", c.Invalidator(ctx)); err != nil {
			return err
		}
	}

	if f.cfg.Database.DSN != "" {
		db, err := database.New(f.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}
		f.db = db
		f.mirror = database.NewMirror(db, f.projects, f.queue, f.registry)
		if err := f.mirror.SyncAgents(ctx); err != nil {
			return fmt.Errorf("failed to sync agents: %w", err)
		}
		if err := f.bus.Subscribe("db-mirror", f.mirror.Handler(ctx)); err != nil {
			return err
		}
	}

	return nil
}

// resolveProviderKeys fills empty api_key fields from the credential store,
// keyed by provider ID. Keys written in the config file win.
func (f *Factory) resolveProviderKeys(cfgs []config.Provider) []config.Provider {
	out := make([]config.Provider, len(cfgs))
	copy(out, cfgs)
	if f.keys == nil || !f.keys.IsUnlocked() {
		return out
	}
	for i := range out {
		if out[i].APIKey != "" {
			continue
		}
		key, err := f.keys.Get(out[i].ID)
		if err != nil {
			continue
		}
		out[i].APIKey = key
	}
	return out
}

// recordProjectCounts recomputes the per-status project gauge from the full
// project list.
func (f *Factory) recordProjectCounts() {
	counts := make(map[models.ProjectStatus]int)
	for _, p := range f.projects.List() {
		counts[p.Status]++
	}
	f.metrics.SetProjectCounts(counts)
}

// Wake nudges the dispatcher to run a pass, used when an agent rejoins the
// pool through the API.
func (f *Factory) Wake() {
	f.dispatcher.Wake()
}

// Start launches the dispatcher loop.
func (f *Factory) Start(ctx context.Context) {
	go f.dispatcher.Start(ctx)
	log.Printf("[Factory] Core started")
}

// Shutdown releases infrastructure connections.
func (f *Factory) Shutdown() {
	if f.cache != nil {
		f.cache.Close()
	}
	if f.db != nil {
		f.db.Close()
	}
	if err := f.bus.Close(); err != nil {
		log.Printf("[Factory] Event bus close: %v", err)
	}
	log.Printf("[Factory] Shutdown complete")
}

// CreateProject creates a project, plans its tasks and enqueues them, then
// wakes the dispatcher.
func (f *Factory) CreateProject(ctx context.Context, name, description, requirements, createdBy string) (*models.Project, error) {
	p, err := f.projects.Create(name, description, requirements, createdBy)
	if err != nil {
		return nil, err
	}
	f.metrics.ProjectsCreated.Inc()

	specs, err := f.planner.Plan(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to plan project %s: %w", p.ID, err)
	}

	for _, spec := range specs {
		task, err := f.queue.Enqueue(p.ID, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue %s task: %w", spec.Role, err)
		}
		f.metrics.TasksEnqueued.WithLabelValues(string(spec.Role)).Inc()
		f.bus.Publish(events.Event{
			Type:      events.TypeTaskEnqueued,
			ProjectID: p.ID,
			TaskID:    task.ID,
			Status:    string(task.Status),
			Detail:    task.Title,
			Timestamp: time.Now().UTC(),
		})
	}

	if err := f.projects.OnTaskOutcome(p.ID); err != nil {
		return nil, err
	}
	f.dispatcher.Wake()

	log.Printf("[Factory] Created project %s with %d task(s)", p.ID, len(specs))
	return f.projects.Get(p.ID)
}

// CancelProject force-cancels a project and discards its pending tasks.
// Running attempts finish on their own and are discarded by the executor.
func (f *Factory) CancelProject(id string) error {
	if err := f.projects.Cancel(id); err != nil {
		return err
	}
	for _, taskID := range f.queue.CancelProject(id) {
		f.bus.Publish(events.Event{
			Type:      events.TypeTaskCancelled,
			ProjectID: id,
			TaskID:    taskID,
			Status:    string(models.TaskStatusCancelled),
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// ApproveProject moves a reviewed project to completed and closes its queue.
func (f *Factory) ApproveProject(id string) error {
	if err := f.projects.Approve(id); err != nil {
		return err
	}
	f.queue.CloseProject(id)
	return nil
}

// Progress returns task progress for a project, read through the cache when
// one is configured.
func (f *Factory) Progress(ctx context.Context, projectID string) (*models.Progress, error) {
	if f.cache != nil {
		if p, err := f.cache.GetProgress(ctx, projectID); err == nil {
			return p, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			log.Printf("[Factory] Cache read failed for %s: %v", projectID, err)
		}
	}
	p, err := f.projects.Progress(projectID)
	if err != nil {
		return nil, err
	}
	if f.cache != nil {
		f.cache.SetProgress(ctx, projectID, p)
	}
	return p, nil
}

// AgentStats returns execution statistics for an agent, read through the
// cache when one is configured.
func (f *Factory) AgentStats(ctx context.Context, agentID string) (*models.AgentStats, error) {
	if f.cache != nil {
		if s, err := f.cache.GetAgentStats(ctx, agentID); err == nil {
			return s, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			log.Printf("[Factory] Cache read failed for agent %s: %v", agentID, err)
		}
	}
	s, err := f.registry.Stats(agentID)
	if err != nil {
		return nil, err
	}
	if f.cache != nil {
		f.cache.SetAgentStats(ctx, agentID, s)
	}
	return s, nil
}

// Health reports the status of the core and its optional infrastructure.
func (f *Factory) Health(ctx context.Context) map[string]string {
	health := map[string]string{"core": "ok"}
	if f.natsBus != nil {
		health["nats"] = statusOf(f.natsBus.Health())
	}
	if f.cache != nil {
		health["redis"] = statusOf(f.cache.Health(ctx))
	}
	if f.db != nil {
		health["postgres"] = statusOf(f.db.Health(ctx))
	}
	return health
}

func statusOf(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

// Accessors for the HTTP layer.

func (f *Factory) Projects() *project.Manager    { return f.projects }
func (f *Factory) Registry() *registry.Registry  { return f.registry }
func (f *Factory) Queue() *queue.Manager         { return f.queue }
func (f *Factory) Providers() *provider.Registry { return f.providers }
func (f *Factory) Bus() events.Bus               { return f.bus }
func (f *Factory) Metrics() *metrics.Metrics     { return f.metrics }
func (f *Factory) Database() *database.Database  { return f.db }
func (f *Factory) Keys() *keymanager.Manager     { return f.keys }
