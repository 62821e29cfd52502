package audit

import "time"

// EventKind 审计事件类型
type EventKind string

const (
	EventAgentOffline     EventKind = "agent_offline"
	EventSessionCompleted EventKind = "session_completed"
	EventError            EventKind = "error"
)

// SessionRecord 已结束会话的归档记录
type SessionRecord struct {
	ID             string     `gorm:"primaryKey;size:64" json:"id"`
	Objective      string     `gorm:"size:512" json:"objective"`
	Type           string     `gorm:"size:32;index" json:"type"`
	Status         string     `gorm:"size:16;index" json:"status"`
	Coordinator    string     `gorm:"size:64" json:"coordinator"`
	Participants   string     `gorm:"size:1024" json:"participants"` // 逗号分隔，保持选择顺序
	TasksCompleted int        `gorm:"default:0" json:"tasks_completed"`
	TasksFailed    int        `gorm:"default:0" json:"tasks_failed"`
	Summary        string     `gorm:"size:1024" json:"summary"`
	FailureReason  string     `gorm:"size:512" json:"failure_reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `gorm:"index" json:"completed_at,omitempty"`
}

func (SessionRecord) TableName() string {
	return "agentcoord_sessions"
}

// EventRecord 协调器事件流水
type EventRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Kind       EventKind `gorm:"size:32;not null;index" json:"kind"`
	Code       string    `gorm:"size:32" json:"code,omitempty"`
	AgentID    string    `gorm:"size:64;index" json:"agent_id,omitempty"`
	SessionID  string    `gorm:"size:64;index" json:"session_id,omitempty"`
	MessageID  string    `gorm:"size:64" json:"message_id,omitempty"`
	Message    string    `gorm:"size:1024" json:"message,omitempty"`
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`
}

func (EventRecord) TableName() string {
	return "agentcoord_events"
}
