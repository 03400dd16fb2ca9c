package models

import "time"

// Role identifies an agent specialization. The catalog is closed: every agent
// and every task carries exactly one of these values.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleBackend   Role = "backend"
	RoleFrontend  Role = "frontend"
	RoleDatabase  Role = "database"
	RoleDevOps    Role = "devops"
	RoleQA        Role = "qa"
	RoleSecurity  Role = "security"
	RoleWriter    Role = "writer"
)

// AllRoles returns the closed set of roles in stable order.
func AllRoles() []Role {
	return []Role{
		RoleArchitect,
		RoleBackend,
		RoleFrontend,
		RoleDatabase,
		RoleDevOps,
		RoleQA,
		RoleSecurity,
		RoleWriter,
	}
}

// ValidRole reports whether r is a member of the closed role set.
func ValidRole(r Role) bool {
	for _, known := range AllRoles() {
		if r == known {
			return true
		}
	}
	return false
}

// IsValidationRole reports whether tasks of this role gate the testing phase.
func IsValidationRole(r Role) bool {
	return r == RoleQA || r == RoleSecurity
}

// AgentStatus represents the live status of an agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// AllAgentStatuses returns the closed set of agent statuses in stable order.
func AllAgentStatuses() []AgentStatus {
	return []AgentStatus{
		AgentStatusIdle,
		AgentStatusBusy,
		AgentStatusError,
		AgentStatusOffline,
	}
}

// Agent represents a long-lived specialized worker. Agents are created at
// registry bootstrap and never destroyed at runtime; only their status and
// counters change.
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Role           Role        `json:"role"`
	Status         AgentStatus `json:"status"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	TotalTasks     int         `json:"total_tasks"`
	CompletedTasks int         `json:"completed_tasks"`
	FailedTasks    int         `json:"failed_tasks"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SuccessRate returns completed/total as a percentage, 0 when no tasks ran.
func (a *Agent) SuccessRate() float64 {
	if a.TotalTasks == 0 {
		return 0
	}
	return float64(a.CompletedTasks) / float64(a.TotalTasks) * 100
}

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status will never transition again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is the unit of work derived from a project's requirements. Each attempt
// runs on exactly one agent; a retried task may land on a different agent for
// its next attempt.
type Task struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Role          Role       `json:"role"`
	Title         string     `json:"title"`
	Payload       string     `json:"payload"`
	Status        TaskStatus `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Attempts      int        `json:"attempts"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskSpec is a planner-produced task description, before the task exists.
type TaskSpec struct {
	Role    Role   `json:"role"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusPending    ProjectStatus = "pending"
	ProjectStatusPlanning   ProjectStatus = "planning"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusTesting    ProjectStatus = "testing"
	ProjectStatusReview     ProjectStatus = "review"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusCancelled  ProjectStatus = "cancelled"
)

// AllProjectStatuses returns the closed set of project statuses in stable order.
func AllProjectStatuses() []ProjectStatus {
	return []ProjectStatus{
		ProjectStatusPending,
		ProjectStatusPlanning,
		ProjectStatusInProgress,
		ProjectStatusTesting,
		ProjectStatusReview,
		ProjectStatusCompleted,
		ProjectStatusCancelled,
	}
}

// Terminal reports whether a project in this status will never transition again.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusCancelled
}

// Project represents a piece of work the factory executes end to end. Status
// is derived from the statuses of its tasks, except for the forced terminal
// cancelled state.
type Project struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Requirements string        `json:"requirements,omitempty"`
	Status       ProjectStatus `json:"status"`
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Progress is the per-status task count breakdown for a project.
type Progress struct {
	Total     int                `json:"total"`
	ByStatus  map[TaskStatus]int `json:"by_status"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
}

// AgentStats is the statistics view exposed for a single agent.
type AgentStats struct {
	AgentID        string  `json:"agent_id"`
	Name           string  `json:"name"`
	Role           Role    `json:"role"`
	Status         string  `json:"status"`
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	SuccessRate    float64 `json:"success_rate"`
}
