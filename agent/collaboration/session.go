package collaboration

import (
	"maps"
	"slices"
	"time"

	"github.com/BaSui01/agentcoord/agent"
)

// SessionStatus 协作会话状态
type SessionStatus string

const (
	SessionPlanning  SessionStatus = "planning"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Request 是 CreateCollaborativeTask 的输入
type Request struct {
	Objective            string                  `json:"objective"`
	RequiredCapabilities []string                `json:"required_capabilities"`
	Priority             agent.Priority          `json:"priority"`
	Type                 agent.OrchestrationType `json:"type"`
	Deadline             *time.Time              `json:"deadline,omitempty"`
}

// SessionResult 会话完成时的汇总结果
type SessionResult struct {
	Summary        string             `json:"summary"`
	TasksCompleted int                `json:"tasks_completed"`
	TasksFailed    int                `json:"tasks_failed"`
	Decisions      map[string]string  `json:"decisions,omitempty"` // decision id -> consensus option id
	Metrics        map[string]float64 `json:"metrics,omitempty"`   // summed task metrics
}

// Session 是多 Agent 协作会话
type Session struct {
	ID           string                  `json:"id"`
	Participants []string                `json:"participants"` // selection order
	Coordinator  string                  `json:"coordinator"`
	Objective    string                  `json:"objective"`
	Type         agent.OrchestrationType `json:"type"`
	Status       SessionStatus           `json:"status"`
	Tasks        []*agent.Task           `json:"tasks"`
	Decisions    []*Decision             `json:"decisions"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	Results      *SessionResult          `json:"results,omitempty"`

	RequiredCapabilities []string        `json:"required_capabilities"`
	Priority             agent.Priority  `json:"priority"`
	InviteDeadline       time.Time       `json:"invite_deadline"`
	Deadline             *time.Time      `json:"deadline,omitempty"`
	Acknowledged         map[string]bool `json:"acknowledged"`
	FailureReason        string          `json:"failure_reason,omitempty"`
}

// HasParticipant reports whether id takes part in the session.
func (s *Session) HasParticipant(id string) bool {
	return slices.Contains(s.Participants, id)
}

// AllAcknowledged reports whether every participant accepted the invite.
func (s *Session) AllAcknowledged() bool {
	for _, p := range s.Participants {
		if !s.Acknowledged[p] {
			return false
		}
	}
	return true
}

// AllTasksTerminal reports whether the session has tasks and all of them are
// completed or failed.
func (s *Session) AllTasksTerminal() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if !t.Terminal() {
			return false
		}
	}
	return true
}

// Task returns the session task with the given ID.
func (s *Session) Task(id string) (*agent.Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Decision returns the session decision with the given ID.
func (s *Session) Decision(id string) (*Decision, bool) {
	for _, d := range s.Decisions {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.RequiredCapabilities = slices.Clone(s.RequiredCapabilities)
	c.Acknowledged = maps.Clone(s.Acknowledged)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	if s.Deadline != nil {
		d := *s.Deadline
		c.Deadline = &d
	}
	if s.Results != nil {
		r := *s.Results
		r.Decisions = maps.Clone(s.Results.Decisions)
		r.Metrics = maps.Clone(s.Results.Metrics)
		c.Results = &r
	}
	c.Tasks = make([]*agent.Task, len(s.Tasks))
	for i, t := range s.Tasks {
		c.Tasks[i] = t.Clone()
	}
	c.Decisions = make([]*Decision, len(s.Decisions))
	for i, d := range s.Decisions {
		c.Decisions[i] = d.Clone()
	}
	return &c
}

func (s *Session) summarize() *SessionResult {
	r := &SessionResult{
		Decisions: make(map[string]string),
		Metrics:   make(map[string]float64),
	}
	for _, t := range s.Tasks {
		switch t.Status {
		case agent.TaskCompleted:
			r.TasksCompleted++
		case agent.TaskFailed:
			r.TasksFailed++
		}
		if t.Result != nil {
			for k, v := range t.Result.Metrics {
				r.Metrics[k] += v
			}
		}
	}
	for _, d := range s.Decisions {
		if d.Resolved() {
			r.Decisions[d.ID] = d.Consensus
		}
	}
	r.Summary = summaryLine(s.Objective, r.TasksCompleted, r.TasksFailed)
	return r
}
