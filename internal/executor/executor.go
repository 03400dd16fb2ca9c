// Package executor runs single task attempts. It is the only component that
// moves a task out of running, and it reports every resolution back to the
// agent registry and the project state machine.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forgeworks/forge/internal/events"
	"github.com/forgeworks/forge/internal/metrics"
	"github.com/forgeworks/forge/internal/provider"
	"github.com/forgeworks/forge/internal/queue"
	"github.com/forgeworks/forge/internal/registry"
	"github.com/forgeworks/forge/internal/telemetry"
	"github.com/forgeworks/forge/pkg/models"
)

// Capability executes one (role, payload) call. The provider registry
// satisfies this.
type Capability interface {
	Execute(ctx context.Context, role models.Role, payload string) (string, error)
}

// Projects is the slice of the project manager the executor needs.
type Projects interface {
	Get(id string) (*models.Project, error)
	OnTaskOutcome(projectID string) error
}

// Waker lets the executor nudge the dispatcher when an agent frees up.
type Waker interface {
	Wake()
}

// Config holds the retry policy.
type Config struct {
	// RetryLimit is the maximum number of attempts per task.
	RetryLimit int
	// TaskTimeout bounds a single capability call.
	TaskTimeout time.Duration
}

// Executor resolves one attempt per Run call. Instances are safe for
// concurrent use; each attempt touches a distinct (task, agent) pair.
type Executor struct {
	queue      *queue.Manager
	registry   *registry.Registry
	capability Capability
	projects   Projects
	waker      Waker
	bus        events.Bus
	metrics    *metrics.Metrics
	cfg        Config
}

// New creates an executor. Waker, bus and metrics are optional.
func New(q *queue.Manager, reg *registry.Registry, cap Capability, projects Projects, waker Waker, bus events.Bus, m *metrics.Metrics, cfg Config) *Executor {
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return &Executor{
		queue:      q,
		registry:   reg,
		capability: cap,
		projects:   projects,
		waker:      waker,
		bus:        bus,
		metrics:    m,
		cfg:        cfg,
	}
}

// Run executes exactly one attempt of the task on the agent: assigned ->
// running, capability call under the timeout, then resolution. The parent
// context covers daemon shutdown; the attempt deadline is layered on top.
func (e *Executor) Run(ctx context.Context, taskID, agentID string) {
	task, err := e.queue.Get(taskID)
	if err != nil {
		log.Printf("[Executor] Task %s vanished before start: %v", taskID, err)
		e.releaseAgent(agentID, false)
		e.wake()
		return
	}

	if err := e.queue.MarkRunning(taskID); err != nil {
		log.Printf("[Executor] Cannot start task %s: %v", taskID, err)
		e.releaseAgent(agentID, false)
		e.wake()
		return
	}
	e.publish(events.Event{Type: events.TypeTaskStarted, ProjectID: task.ProjectID, TaskID: taskID, AgentID: agentID})

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	attemptCtx, span := telemetry.Tracer.Start(attemptCtx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.role", string(task.Role)),
			attribute.String("project.id", task.ProjectID),
		))
	telemetry.TasksActive.Add(attemptCtx, 1)

	start := time.Now()
	result, execErr := e.capability.Execute(attemptCtx, task.Role, task.Payload)
	elapsed := time.Since(start)

	telemetry.TasksActive.Add(attemptCtx, -1)
	telemetry.TasksResolved.Add(attemptCtx, 1)
	telemetry.TaskExecutionTime.Record(attemptCtx, float64(elapsed.Milliseconds()))
	if execErr != nil {
		span.RecordError(execErr)
	}
	span.End()

	// A project cancelled mid-attempt discards the outcome either way:
	// the task is closed out as cancelled, the agent returns to idle
	// without counter movement, and the state machine hears nothing.
	if e.projectCancelled(task.ProjectID) {
		e.discard(task, agentID)
		return
	}

	if execErr == nil {
		e.succeed(task, agentID, result, elapsed)
		return
	}
	e.fail(task, agentID, execErr, elapsed)
}

func (e *Executor) projectCancelled(projectID string) bool {
	p, err := e.projects.Get(projectID)
	if err != nil {
		return false
	}
	return p.Status == models.ProjectStatusCancelled
}

func (e *Executor) discard(task *models.Task, agentID string) {
	log.Printf("[Executor] Discarding outcome of task %s: project %s cancelled", task.ID, task.ProjectID)
	if err := e.queue.MarkCancelled(task.ID); err != nil {
		log.Printf("[Executor] Failed to cancel task %s: %v", task.ID, err)
	}
	e.releaseAgent(agentID, false)
	e.publish(events.Event{Type: events.TypeTaskCancelled, ProjectID: task.ProjectID, TaskID: task.ID, AgentID: agentID})
	e.observe(agentID, task.Role, "cancelled", 0)
	e.wake()
}

func (e *Executor) succeed(task *models.Task, agentID, result string, elapsed time.Duration) {
	if err := e.queue.Complete(task.ID, result); err != nil {
		log.Printf("[Executor] Failed to complete task %s: %v", task.ID, err)
		return
	}
	e.releaseAgent(agentID, true)
	e.notifyProject(task.ProjectID)
	e.publish(events.Event{Type: events.TypeTaskSucceeded, ProjectID: task.ProjectID, TaskID: task.ID, AgentID: agentID})
	e.observe(agentID, task.Role, "success", elapsed)
	log.Printf("[Executor] Task %s (%s) succeeded in %v", task.ID, task.Role, elapsed.Round(time.Millisecond))
	e.wake()
}

func (e *Executor) fail(task *models.Task, agentID string, execErr error, elapsed time.Duration) {
	class := provider.Classify(execErr)
	reason := fmt.Sprintf("attempt %d (%s): %v", task.Attempts+1, class, execErr)

	if task.Attempts+1 < e.cfg.RetryLimit {
		// Attempts remain: back to pending, agent back to idle. The
		// state machine is not notified until retries exhaust.
		if err := e.queue.Requeue(task.ID, reason); err != nil {
			log.Printf("[Executor] Failed to requeue task %s: %v", task.ID, err)
			return
		}
		e.releaseAgent(agentID, false)
		e.publish(events.Event{Type: events.TypeTaskRequeued, ProjectID: task.ProjectID, TaskID: task.ID, AgentID: agentID, Detail: reason})
		e.observe(agentID, task.Role, "retry", elapsed)
		if e.metrics != nil {
			e.metrics.TaskRetries.Inc()
		}
		log.Printf("[Executor] Task %s requeued: %s", task.ID, reason)
		e.wake()
		return
	}

	// Retries exhausted: the task fails terminally. The agent is only
	// condemned when the failure says the agent itself malfunctioned.
	if err := e.queue.Fail(task.ID, reason); err != nil {
		log.Printf("[Executor] Failed to fail task %s: %v", task.ID, err)
		return
	}
	if class == provider.FailureAgent {
		if err := e.registry.MarkError(agentID); err != nil {
			log.Printf("[Executor] Failed to mark agent %s errored: %v", agentID, err)
		}
		e.recordAgentStatus(agentID)
	} else {
		e.releaseAgent(agentID, false)
	}
	e.notifyProject(task.ProjectID)
	e.publish(events.Event{Type: events.TypeTaskFailed, ProjectID: task.ProjectID, TaskID: task.ID, AgentID: agentID, Detail: reason})
	e.observe(agentID, task.Role, "failure", elapsed)
	log.Printf("[Executor] Task %s failed terminally: %s", task.ID, reason)
	e.wake()
}

func (e *Executor) releaseAgent(agentID string, success bool) {
	if err := e.registry.MarkIdle(agentID, success); err != nil {
		log.Printf("[Executor] Failed to idle agent %s: %v", agentID, err)
		return
	}
	e.recordAgentStatus(agentID)
}

func (e *Executor) wake() {
	if e.waker != nil {
		e.waker.Wake()
	}
}

func (e *Executor) recordAgentStatus(agentID string) {
	agent, err := e.registry.Get(agentID)
	if err != nil {
		return
	}
	if e.metrics != nil {
		e.metrics.SetAgentStatus(agent)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.TypeAgentStatus, AgentID: agentID, Status: string(agent.Status)})
	}
}

func (e *Executor) notifyProject(projectID string) {
	if err := e.projects.OnTaskOutcome(projectID); err != nil {
		log.Printf("[Executor] Project recompute for %s failed: %v", projectID, err)
	}
}

func (e *Executor) publish(event events.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}

func (e *Executor) observe(agentID string, role models.Role, result string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.TasksInFlight.Dec()
	e.metrics.TaskDuration.WithLabelValues(string(role), result).Observe(elapsed.Seconds())
	e.metrics.TaskTransitions.WithLabelValues(result).Inc()
	e.metrics.AgentTasksTotal.WithLabelValues(agentID, string(role), result).Inc()
}
