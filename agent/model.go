package agent

import (
	"slices"
	"time"
)

// Status 是 Agent 的运行状态
type Status string

const (
	StatusActive        Status = "active"
	StatusIdle          Status = "idle"
	StatusBusy          Status = "busy"
	StatusOffline       Status = "offline"
	StatusError         Status = "error"
	StatusCollaborating Status = "collaborating"
)

// Available reports whether an agent in this status may be picked for new work.
func (s Status) Available() bool {
	return s == StatusActive || s == StatusIdle
}

// Domain 是 Agent 声明的能力领域（封闭集合）
type Domain string

const (
	DomainAnalytics     Domain = "analytics"
	DomainExecution     Domain = "execution"
	DomainStrategy      Domain = "strategy"
	DomainLearning      Domain = "learning"
	DomainCommunication Domain = "communication"
	DomainIntegration   Domain = "integration"
	DomainContent       Domain = "content"
	DomainPredictive    Domain = "predictive"
)

// Valid reports whether d belongs to the closed domain set.
func (d Domain) Valid() bool {
	switch d {
	case DomainAnalytics, DomainExecution, DomainStrategy, DomainLearning,
		DomainCommunication, DomainIntegration, DomainContent, DomainPredictive:
		return true
	}
	return false
}

// CommunicationStyle 协作沟通风格
type CommunicationStyle string

const (
	StyleDirect       CommunicationStyle = "direct"
	StyleConsensus    CommunicationStyle = "consensus"
	StyleHierarchical CommunicationStyle = "hierarchical"
)

// ConflictResolution 冲突解决偏好
type ConflictResolution string

const (
	ResolveNegotiate  ConflictResolution = "negotiate"
	ResolveEscalate   ConflictResolution = "escalate"
	ResolveCompromise ConflictResolution = "compromise"
)

// AutonomyLevel 自主程度
type AutonomyLevel string

const (
	AutonomyLow    AutonomyLevel = "low"
	AutonomyMedium AutonomyLevel = "medium"
	AutonomyHigh   AutonomyLevel = "high"
)

// OrchestrationType 协作会话的编排方式
type OrchestrationType string

const (
	OrchestrationConsensus  OrchestrationType = "consensus"
	OrchestrationDelegation OrchestrationType = "delegation"
	OrchestrationParallel   OrchestrationType = "parallel"
	OrchestrationSequential OrchestrationType = "sequential"
)

// Valid reports whether t is a known orchestration type.
func (t OrchestrationType) Valid() bool {
	switch t {
	case OrchestrationConsensus, OrchestrationDelegation, OrchestrationParallel, OrchestrationSequential:
		return true
	}
	return false
}

// Performance 是 Agent 的滚动绩效数据
type Performance struct {
	TasksCompleted      int       `json:"tasks_completed"`
	TasksSuccessful     int       `json:"tasks_successful"`
	CollaborationScore  float64   `json:"collaboration_score"`  // [0,1]
	SpecialtyEfficiency float64   `json:"specialty_efficiency"` // [0,1]
	LastUpdate          time.Time `json:"last_update"`
}

// PerformanceDelta carries incremental performance changes reported by an agent.
type PerformanceDelta struct {
	TasksCompleted  int `json:"tasks_completed,omitempty"`
	TasksSuccessful int `json:"tasks_successful,omitempty"`
}

// Preferences 协作偏好
type Preferences struct {
	PreferredPartners  []string           `json:"preferred_partners,omitempty"`
	CommunicationStyle CommunicationStyle `json:"communication_style,omitempty"`
	ConflictResolution ConflictResolution `json:"conflict_resolution,omitempty"`
	AutonomyLevel      AutonomyLevel      `json:"autonomy_level,omitempty"`
}

// Agent 是注册到协调核心的自治工作者
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Domain         Domain      `json:"domain"`
	Status         Status      `json:"status"`
	Capabilities   []string    `json:"capabilities"`
	Specialization []string    `json:"specialization,omitempty"`
	CurrentTasks   []string    `json:"current_tasks,omitempty"` // task IDs, in assignment order
	Performance    Performance `json:"performance"`
	Preferences    Preferences `json:"preferences"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
}

// Matchable returns capabilities ∪ specialization as a set.
func (a *Agent) Matchable() map[string]struct{} {
	set := make(map[string]struct{}, len(a.Capabilities)+len(a.Specialization))
	for _, c := range a.Capabilities {
		set[c] = struct{}{}
	}
	for _, c := range a.Specialization {
		set[c] = struct{}{}
	}
	return set
}

// HasTask reports whether the agent currently owns taskID.
func (a *Agent) HasTask(taskID string) bool {
	return slices.Contains(a.CurrentTasks, taskID)
}

// AddTask appends taskID to the owned task list if it is not already there.
func (a *Agent) AddTask(taskID string) {
	if !a.HasTask(taskID) {
		a.CurrentTasks = append(a.CurrentTasks, taskID)
	}
}

// RemoveTask drops taskID from the owned task list.
func (a *Agent) RemoveTask(taskID string) bool {
	idx := slices.Index(a.CurrentTasks, taskID)
	if idx < 0 {
		return false
	}
	a.CurrentTasks = slices.Delete(a.CurrentTasks, idx, idx+1)
	return true
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.Specialization = slices.Clone(a.Specialization)
	c.CurrentTasks = slices.Clone(a.CurrentTasks)
	c.Preferences.PreferredPartners = slices.Clone(a.Preferences.PreferredPartners)
	return &c
}
