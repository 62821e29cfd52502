package messaging

import (
	"strings"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/types"
	"github.com/google/uuid"
)

const (
	// BroadcastID addresses every non-offline agent except the sender.
	BroadcastID = "broadcast"
	// CoordinatorID identifies the coordination core as sender or recipient.
	CoordinatorID = "coordinator"
)

// MessageType 消息类型
type MessageType string

const (
	TypeTaskRequest         MessageType = "task_request"
	TypeTaskResponse        MessageType = "task_response"
	TypeCollaborationInvite MessageType = "collaboration_invite"
	TypeKnowledgeShare      MessageType = "knowledge_share"
	TypeStatusUpdate        MessageType = "status_update"
	TypeConflictResolution  MessageType = "conflict_resolution"
	TypeCoordinationRequest MessageType = "coordination_request"
	TypeHeartbeat           MessageType = "heartbeat"
	TypeEmergency           MessageType = "emergency"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskRequest, TypeTaskResponse, TypeCollaborationInvite, TypeKnowledgeShare,
		TypeStatusUpdate, TypeConflictResolution, TypeCoordinationRequest, TypeHeartbeat, TypeEmergency:
		return true
	}
	return false
}

// requiresPayload lists the types whose effect cannot be applied without content.
func (t MessageType) requiresPayload() bool {
	switch t {
	case TypeTaskRequest, TypeTaskResponse, TypeCollaborationInvite,
		TypeConflictResolution, TypeCoordinationRequest:
		return true
	}
	return false
}

// Message 是 Agent 间（或与协调器之间）传递的消息。发送后视为不可变。
type Message struct {
	ID               string         `json:"id"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	Type             MessageType    `json:"type"`
	Content          Payload        `json:"content,omitempty"`
	Priority         agent.Priority `json:"priority"`
	Timestamp        time.Time      `json:"timestamp"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	ResponseDeadline *time.Time     `json:"response_deadline,omitempty"`
	ConversationID   string         `json:"conversation_id,omitempty"`
}

// New creates a message whose Type is taken from the payload.
func New(from, to string, payload Payload) *Message {
	m := &Message{
		ID:       uuid.New().String(),
		From:     from,
		To:       to,
		Content:  payload,
		Priority: agent.PriorityMedium,
	}
	if payload != nil {
		m.Type = payload.Kind()
	}
	return m
}

// WithConversation sets the conversation ID and returns m.
func (m *Message) WithConversation(id string) *Message {
	m.ConversationID = id
	return m
}

// WithPriority sets the priority and returns m.
func (m *Message) WithPriority(p agent.Priority) *Message {
	m.Priority = p
	return m
}

// WithResponseDeadline marks the message as requiring a response by deadline.
func (m *Message) WithResponseDeadline(deadline time.Time) *Message {
	m.RequiresResponse = true
	m.ResponseDeadline = &deadline
	return m
}

// IsBroadcast reports whether the message is addressed to every agent.
func (m *Message) IsBroadcast() bool {
	return m.To == BroadcastID
}

// HistoryKey returns the history bucket of the message: the conversation ID,
// or From_To when there is none.
func (m *Message) HistoryKey() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	return m.From + "_" + m.To
}

// Validate checks the envelope and that the payload matches the type.
func (m *Message) Validate() error {
	if m == nil {
		return types.NewError(types.ErrInvalidMessage, "message is nil")
	}
	if strings.TrimSpace(m.From) == "" {
		return types.NewError(types.ErrInvalidMessage, "message sender is empty")
	}
	if strings.TrimSpace(m.To) == "" {
		return types.NewError(types.ErrInvalidMessage, "message recipient is empty")
	}
	if m.From == BroadcastID {
		return types.NewError(types.ErrInvalidMessage, "broadcast is not a valid sender")
	}
	if !m.Type.Valid() {
		return types.Errorf(types.ErrInvalidMessage, "unknown message type %q", m.Type)
	}
	if m.Content == nil {
		if m.Type.requiresPayload() {
			return types.Errorf(types.ErrInvalidMessage, "%s message requires a payload", m.Type)
		}
		return nil
	}
	if m.Content.Kind() != m.Type {
		return types.Errorf(types.ErrInvalidMessage,
			"payload kind %s does not match message type %s", m.Content.Kind(), m.Type)
	}
	if m.Type == TypeTaskRequest && m.IsBroadcast() {
		return types.NewError(types.ErrInvalidMessage, "task_request must name a single recipient")
	}
	return nil
}

// normalize fills missing envelope defaults in place.
func (m *Message) normalize(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	if m.Priority == "" {
		m.Priority = agent.PriorityMedium
	}
	if m.Type == TypeEmergency {
		m.Priority = agent.PriorityUrgent
	}
}
