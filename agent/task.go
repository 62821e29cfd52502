package agent

import (
	"maps"
	"slices"
	"time"
)

// Priority 消息与任务共用的优先级
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; unknown values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskDelegated  TaskStatus = "delegated"
)

// Terminal reports whether the status is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskDelegated:
		return true
	}
	return false
}

// TaskResult is the typed outcome an agent reports for a finished task.
type TaskResult struct {
	Summary string             `json:"summary"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Task 是由单个 Agent 持有的工作单元
type Task struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Description   string      `json:"description"`
	Priority      Priority    `json:"priority"`
	Status        TaskStatus  `json:"status"`
	AssignedBy    string      `json:"assigned_by"`
	Owner         string      `json:"owner"`
	SessionID     string      `json:"session_id,omitempty"`
	Collaborators []string    `json:"collaborators,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	Deadline      *time.Time  `json:"deadline,omitempty"`
	Dependencies  []string    `json:"dependencies,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached completed or failed.
func (t *Task) Terminal() bool {
	return t.Status.Terminal()
}

// Finish moves the task into a terminal status at the given time.
// A task that is already terminal is left untouched.
func (t *Task) Finish(status TaskStatus, result *TaskResult, errMsg string, at time.Time) bool {
	if t.Terminal() || !status.Terminal() {
		return false
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &at
	return true
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Collaborators = slices.Clone(t.Collaborators)
	c.Dependencies = slices.Clone(t.Dependencies)
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	if t.Result != nil {
		r := *t.Result
		r.Metrics = maps.Clone(t.Result.Metrics)
		c.Result = &r
	}
	return &c
}
