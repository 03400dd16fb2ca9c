// Package dispatch pairs idle agents with pending tasks. All pairing
// decisions run through one serialized critical section, which is what makes
// assignment atomic across the registry and the queue.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/forgeworks/forge/internal/events"
	"github.com/forgeworks/forge/internal/metrics"
	"github.com/forgeworks/forge/internal/queue"
	"github.com/forgeworks/forge/internal/registry"
	"github.com/forgeworks/forge/internal/telemetry"
)

// Runner receives successfully assigned pairs. Dispatch must not block: the
// production runner hands the pair to an executor goroutine.
type Runner interface {
	Dispatch(ctx context.Context, taskID, agentID string)
}

// ProjectNotifier lets the dispatcher trigger a status recompute when
// assignment moves a project out of planning.
type ProjectNotifier interface {
	OnTaskOutcome(projectID string) error
}

// Config holds the scheduling ceilings.
type Config struct {
	MaxBusyAgents       int
	MaxInFlightProjects int
	TickInterval        time.Duration
}

// Dispatcher is the scheduling core. It is reactive: enqueues and
// agent-idle events wake it through a buffered channel, with a coarse ticker
// as a safety net against missed wakeups.
type Dispatcher struct {
	registry *registry.Registry
	queue    *queue.Manager
	runner   Runner
	projects ProjectNotifier
	bus      events.Bus
	metrics  *metrics.Metrics
	cfg      Config

	mu     sync.Mutex // serializes scheduling passes
	wakeCh chan struct{}
}

// New creates a dispatcher. The bus and metrics are optional.
func New(reg *registry.Registry, q *queue.Manager, runner Runner, projects ProjectNotifier, bus events.Bus, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	return &Dispatcher{
		registry: reg,
		queue:    q,
		runner:   runner,
		projects: projects,
		bus:      bus,
		metrics:  m,
		cfg:      cfg,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Wake requests a scheduling pass. Non-blocking; a pending wake coalesces
// with later ones.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the scheduling loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("[Dispatcher] Started (max busy agents %d, max in-flight projects %d)",
		d.cfg.MaxBusyAgents, d.cfg.MaxInFlightProjects)

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] Stopped")
			return
		case <-d.wakeCh:
			d.DispatchOnce(ctx)
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce runs one scheduling pass and returns the number of
// assignments made. A pass that pairs nothing is a no-op, not a failure.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	assigned := 0

	// Admission control: once the in-flight ceiling is reached, only
	// projects that already have work in flight may receive assignments.
	// Newly assigned projects join the set mid-pass.
	inflight := d.queue.InFlightProjects()
	eligible := func(projectID string) bool {
		if inflight[projectID] {
			return true
		}
		return len(inflight) < d.cfg.MaxInFlightProjects
	}

	for _, role := range d.queue.PendingRoles() {
		for {
			if d.registry.BusyCount() >= d.cfg.MaxBusyAgents {
				d.finishPass(start, assigned)
				return assigned
			}

			task := d.queue.PeekNext(role, eligible)
			if task == nil {
				break
			}

			agent, err := d.registry.FindIdle(role)
			if errors.Is(err, registry.ErrNoIdleAgent) {
				break
			}
			if err != nil {
				log.Printf("[Dispatcher] FindIdle(%s) failed: %v", role, err)
				break
			}

			// Atomic assignment: agent idle->busy and task
			// pending->assigned happen inside this critical section,
			// with a registry rollback if the queue side fails.
			if err := d.registry.MarkBusy(agent.ID, task.ID); err != nil {
				log.Printf("[Dispatcher] MarkBusy(%s) failed: %v", agent.ID, err)
				break
			}
			if err := d.queue.MarkAssigned(task.ID, agent.ID); err != nil {
				log.Printf("[Dispatcher] MarkAssigned(%s) failed, rolling back agent %s: %v",
					task.ID, agent.ID, err)
				if rbErr := d.registry.MarkIdle(agent.ID, false); rbErr != nil {
					log.Printf("[Dispatcher] Rollback failed for agent %s: %v", agent.ID, rbErr)
				}
				break
			}

			inflight[task.ProjectID] = true
			assigned++

			if d.bus != nil {
				d.bus.Publish(events.Event{
					Type:      events.TypeTaskAssigned,
					ProjectID: task.ProjectID,
					TaskID:    task.ID,
					AgentID:   agent.ID,
				})
			}
			if d.metrics != nil {
				d.metrics.TaskTransitions.WithLabelValues("assigned").Inc()
				d.metrics.TasksInFlight.Inc()
				if a, err := d.registry.Get(agent.ID); err == nil {
					d.metrics.SetAgentStatus(a)
				}
			}
			if d.projects != nil {
				if err := d.projects.OnTaskOutcome(task.ProjectID); err != nil {
					log.Printf("[Dispatcher] Project recompute for %s failed: %v", task.ProjectID, err)
				}
			}

			telemetry.TasksDispatched.Add(ctx, 1)
			d.runner.Dispatch(ctx, task.ID, agent.ID)
		}
	}

	d.finishPass(start, assigned)
	return assigned
}

func (d *Dispatcher) finishPass(start time.Time, assigned int) {
	if d.metrics != nil {
		d.metrics.DispatchPasses.Inc()
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}
	telemetry.DispatchLatency.Record(context.Background(),
		float64(time.Since(start).Microseconds())/1000.0)
	if assigned > 0 {
		log.Printf("[Dispatcher] Pass assigned %d task(s)", assigned)
	}
}
