// Package events carries lifecycle notifications between the orchestration
// core and its observers: the WebSocket stream, the cache invalidator and the
// database mirror.
package events

import "time"

// Event types published by the core.
const (
	TypeTaskEnqueued   = "task.enqueued"
	TypeTaskAssigned   = "task.assigned"
	TypeTaskStarted    = "task.started"
	TypeTaskSucceeded  = "task.succeeded"
	TypeTaskRequeued   = "task.requeued"
	TypeTaskFailed     = "task.failed"
	TypeTaskCancelled  = "task.cancelled"
	TypeAgentStatus    = "agent.status"
	TypeProjectStatus  = "project.status"
	TypeProjectCreated = "project.created"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"project_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the publish side plus subscription management. Publish never blocks
// the caller on slow subscribers.
type Bus interface {
	Publish(event Event)
	Subscribe(id string, handler func(Event)) error
	Unsubscribe(id string)
	Close() error
}
