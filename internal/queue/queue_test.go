package queue

import (
	"errors"
	"testing"

	"github.com/forgeworks/forge/pkg/models"
)

func TestEnqueueAndPeekFIFO(t *testing.T) {
	q := NewManager()

	t1, err := q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend, Title: "first"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	t2, _ := q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend, Title: "second"})
	q.Enqueue("p1", models.TaskSpec{Role: models.RoleFrontend, Title: "other role"})

	got := q.PeekNext(models.RoleBackend, nil)
	if got == nil || got.ID != t1.ID {
		t.Fatalf("PeekNext() = %v, want oldest backend task %s", got, t1.ID)
	}

	// Peek does not remove.
	if again := q.PeekNext(models.RoleBackend, nil); again == nil || again.ID != t1.ID {
		t.Errorf("second PeekNext() = %v, want %s", again, t1.ID)
	}

	if err := q.MarkAssigned(t1.ID, "agent-1"); err != nil {
		t.Fatalf("MarkAssigned() error = %v", err)
	}
	if got := q.PeekNext(models.RoleBackend, nil); got == nil || got.ID != t2.ID {
		t.Errorf("PeekNext() after assignment = %v, want %s", got, t2.ID)
	}
}

func TestPeekNextEligibility(t *testing.T) {
	q := NewManager()
	q.Enqueue("p1", models.TaskSpec{Role: models.RoleQA, Title: "a"})
	t2, _ := q.Enqueue("p2", models.TaskSpec{Role: models.RoleQA, Title: "b"})

	got := q.PeekNext(models.RoleQA, func(projectID string) bool { return projectID == "p2" })
	if got == nil || got.ID != t2.ID {
		t.Errorf("PeekNext() with predicate = %v, want %s", got, t2.ID)
	}

	if got := q.PeekNext(models.RoleQA, func(string) bool { return false }); got != nil {
		t.Errorf("PeekNext() with nothing eligible = %v, want nil", got)
	}
}

func TestEnqueueClosedProject(t *testing.T) {
	q := NewManager()
	q.CancelProject("p1")

	if _, err := q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend}); !errors.Is(err, ErrProjectClosed) {
		t.Errorf("Enqueue() into cancelled project = %v, want ErrProjectClosed", err)
	}

	q.CloseProject("p2")
	if _, err := q.Enqueue("p2", models.TaskSpec{Role: models.RoleBackend}); !errors.Is(err, ErrProjectClosed) {
		t.Errorf("Enqueue() into completed project = %v, want ErrProjectClosed", err)
	}
}

func TestTaskLifecycleTransitions(t *testing.T) {
	q := NewManager()
	task, _ := q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend, Title: "work"})

	if err := q.MarkRunning(task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkRunning() on pending = %v, want ErrInvalidTransition", err)
	}

	q.MarkAssigned(task.ID, "agent-1")
	if err := q.MarkRunning(task.ID); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	got, _ := q.Get(task.ID)
	if got.StartedAt == nil {
		t.Error("StartedAt = nil after MarkRunning")
	}

	if err := q.Complete(task.ID, "done"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ = q.Get(task.ID)
	if got.Status != models.TaskStatusSucceeded || got.Result != "done" {
		t.Errorf("task = {%s %q}, want {succeeded done}", got.Status, got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt = nil after Complete")
	}

	if err := q.Complete(task.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Complete() on terminal task = %v, want ErrInvalidTransition", err)
	}
}

func TestRequeueKeepsFIFOPosition(t *testing.T) {
	q := NewManager()
	t1, _ := q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend, Title: "first"})
	q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend, Title: "second"})

	q.MarkAssigned(t1.ID, "agent-1")
	q.MarkRunning(t1.ID)
	if err := q.Requeue(t1.ID, "provider hiccup"); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}

	got, _ := q.Get(t1.ID)
	if got.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.AssignedAgent != "" {
		t.Errorf("AssignedAgent = %q, want cleared", got.AssignedAgent)
	}

	// The retried task is still the oldest for its role.
	if next := q.PeekNext(models.RoleBackend, nil); next == nil || next.ID != t1.ID {
		t.Errorf("PeekNext() after requeue = %v, want %s", next, t1.ID)
	}
}

func TestFailTerminal(t *testing.T) {
	q := NewManager()
	task, _ := q.Enqueue("p1", models.TaskSpec{Role: models.RoleQA})
	q.MarkAssigned(task.ID, "agent-1")
	q.MarkRunning(task.ID)

	if err := q.Fail(task.ID, "retries exhausted"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ := q.Get(task.ID)
	if got.Status != models.TaskStatusFailed || got.Error != "retries exhausted" {
		t.Errorf("task = {%s %q}, want {failed retries exhausted}", got.Status, got.Error)
	}
	if !got.Status.Terminal() {
		t.Error("failed status should be terminal")
	}
}

func TestCancelProject(t *testing.T) {
	q := NewManager()
	p1, _ := q.Enqueue("p2", models.TaskSpec{Role: models.RoleBackend})
	p2, _ := q.Enqueue("p2", models.TaskSpec{Role: models.RoleFrontend})
	running, _ := q.Enqueue("p2", models.TaskSpec{Role: models.RoleQA})
	q.MarkAssigned(running.ID, "agent-1")
	q.MarkRunning(running.ID)

	cancelled := q.CancelProject("p2")
	if len(cancelled) != 2 {
		t.Fatalf("CancelProject() cancelled %d tasks, want 2", len(cancelled))
	}

	for _, id := range []string{p1.ID, p2.ID} {
		got, _ := q.Get(id)
		if got.Status != models.TaskStatusCancelled {
			t.Errorf("pending task %s = %s, want cancelled", id, got.Status)
		}
	}

	// The running task is left for its executor.
	got, _ := q.Get(running.ID)
	if got.Status != models.TaskStatusRunning {
		t.Errorf("running task = %s, want running", got.Status)
	}
	if err := q.MarkCancelled(running.ID); err != nil {
		t.Fatalf("MarkCancelled() error = %v", err)
	}
	got, _ = q.Get(running.ID)
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("running task after discard = %s, want cancelled", got.Status)
	}
}

func TestInFlightProjects(t *testing.T) {
	q := NewManager()
	q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend})
	t2, _ := q.Enqueue("p2", models.TaskSpec{Role: models.RoleBackend})

	if q.InFlight("p2") {
		t.Error("InFlight(p2) = true before assignment")
	}

	q.MarkAssigned(t2.ID, "agent-1")
	inflight := q.InFlightProjects()
	if !inflight["p2"] || inflight["p1"] {
		t.Errorf("InFlightProjects() = %v, want only p2", inflight)
	}
	if !q.InFlight("p2") {
		t.Error("InFlight(p2) = false after assignment")
	}
}

func TestPendingRoles(t *testing.T) {
	q := NewManager()
	q.Enqueue("p1", models.TaskSpec{Role: models.RoleWriter})
	q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend})
	q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend})

	roles := q.PendingRoles()
	if len(roles) != 2 {
		t.Fatalf("PendingRoles() = %v, want 2 roles", roles)
	}
	want := map[models.Role]bool{models.RoleWriter: true, models.RoleBackend: true}
	for _, r := range roles {
		if !want[r] {
			t.Errorf("unexpected role %s", r)
		}
	}
}

func TestTasksByProjectOrder(t *testing.T) {
	q := NewManager()
	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		task, _ := q.Enqueue("p1", models.TaskSpec{Role: models.RoleBackend, Title: title})
		ids = append(ids, task.ID)
	}
	q.Enqueue("other", models.TaskSpec{Role: models.RoleBackend})

	tasks := q.TasksByProject("p1")
	if len(tasks) != 3 {
		t.Fatalf("len(TasksByProject()) = %d, want 3", len(tasks))
	}
	for i, task := range tasks {
		if task.ID != ids[i] {
			t.Errorf("tasks[%d].ID = %s, want %s (enqueue order)", i, task.ID, ids[i])
		}
	}
}
