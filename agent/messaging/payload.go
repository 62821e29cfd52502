package messaging

import (
	"time"

	"github.com/BaSui01/agentcoord/agent"
)

// Payload is the typed content of a message. Each message type has exactly
// one payload struct; Kind names it.
type Payload interface {
	Kind() MessageType
}

// TaskRequest asks the recipient to take ownership of a task.
type TaskRequest struct {
	TaskID        string         `json:"task_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	TaskType      string         `json:"task_type"`
	Description   string         `json:"description"`
	Priority      agent.Priority `json:"priority,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Collaborators []string       `json:"collaborators,omitempty"`
}

// TaskResponse acknowledges an invite (TaskID empty) or reports task progress.
type TaskResponse struct {
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`

	// Accepted answers a collaboration invite.
	Accepted bool `json:"accepted,omitempty"`

	Status     agent.TaskStatus  `json:"status,omitempty"`
	Result     *agent.TaskResult `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	DelegateTo string            `json:"delegate_to,omitempty"`
}

// IsInviteAck reports whether the response answers an invite rather than a task.
func (r *TaskResponse) IsInviteAck() bool {
	return r.TaskID == ""
}

// CollaborationInvite asks a participant to join a session.
type CollaborationInvite struct {
	SessionID            string                  `json:"session_id"`
	Objective            string                  `json:"objective"`
	Orchestration        agent.OrchestrationType `json:"orchestration"`
	Coordinator          string                  `json:"coordinator"`
	Participants         []string                `json:"participants"`
	RequiredCapabilities []string                `json:"required_capabilities"`
}

// KnowledgeShare is informational.
type KnowledgeShare struct {
	Topic   string            `json:"topic"`
	Summary string            `json:"summary"`
	Facts   map[string]string `json:"facts,omitempty"`
}

// StatusUpdate carries an agent's status and performance deltas, or, when
// sent by the coordinator, a session status mirror.
type StatusUpdate struct {
	Status      agent.Status            `json:"status,omitempty"`
	Performance *agent.PerformanceDelta `json:"performance,omitempty"`

	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`
	Summary       string `json:"summary,omitempty"`
}

// ConflictResolution casts a vote on a collaborative decision.
type ConflictResolution struct {
	SessionID  string `json:"session_id"`
	DecisionID string `json:"decision_id"`
	OptionID   string `json:"option_id"`
	Rationale  string `json:"rationale,omitempty"`
}

// CoordinationRequest proposes a new collaborative decision. Sent by the
// coordinator with DecisionID set, it is a ballot asking participants to vote.
type CoordinationRequest struct {
	SessionID  string   `json:"session_id"`
	DecisionID string   `json:"decision_id,omitempty"`
	Question   string   `json:"question"`
	Options    []string `json:"options"`
	Method     string   `json:"method,omitempty"`
}

// Heartbeat signals liveness.
type Heartbeat struct {
	Load float64 `json:"load,omitempty"`
}

// Emergency is delivered ahead of everything else queued in the same drain.
type Emergency struct {
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
}

func (*TaskRequest) Kind() MessageType         { return TypeTaskRequest }
func (*TaskResponse) Kind() MessageType        { return TypeTaskResponse }
func (*CollaborationInvite) Kind() MessageType { return TypeCollaborationInvite }
func (*KnowledgeShare) Kind() MessageType      { return TypeKnowledgeShare }
func (*StatusUpdate) Kind() MessageType        { return TypeStatusUpdate }
func (*ConflictResolution) Kind() MessageType  { return TypeConflictResolution }
func (*CoordinationRequest) Kind() MessageType { return TypeCoordinationRequest }
func (*Heartbeat) Kind() MessageType           { return TypeHeartbeat }
func (*Emergency) Kind() MessageType           { return TypeEmergency }
