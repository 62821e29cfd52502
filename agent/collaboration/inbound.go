package collaboration

import (
	"context"
	"fmt"
	"slices"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/discovery"
	"github.com/BaSui01/agentcoord/agent/messaging"
	"github.com/BaSui01/agentcoord/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Inspect applies the coordinator-side effect of a message before the bus
// delivers it. Returning an error drops the message. It is installed as the
// bus Inspect hook.
func (m *Manager) Inspect(ctx context.Context, msg *messaging.Message) error {
	return m.do(ctx, func(tx *txn) error {
		return m.inspect(tx, msg)
	})
}

func (m *Manager) inspect(tx *txn, msg *messaging.Message) error {
	fromAgent := msg.From != messaging.CoordinatorID

	switch p := msg.Content.(type) {
	case *messaging.Heartbeat:
		return m.touch(msg)

	case *messaging.StatusUpdate:
		if !fromAgent {
			return nil // session mirror
		}
		if err := m.touch(msg); err != nil {
			return err
		}
		return m.applyStatusUpdate(msg.From, p)

	case *messaging.CollaborationInvite:
		if fromAgent {
			return types.NewError(types.ErrInvalidMessage, "collaboration_invite must come from the coordinator")
		}
		return m.registry.Update(msg.To, func(a *agent.Agent) error {
			if a.Status != agent.StatusOffline {
				a.Status = agent.StatusCollaborating
			}
			return nil
		})

	case *messaging.TaskRequest:
		if !fromAgent {
			return nil // issued by dispatchReady or delegate
		}
		return m.handleTaskRequest(tx, msg, p)

	case *messaging.TaskResponse:
		if !fromAgent {
			return types.NewError(types.ErrInvalidMessage, "task_response must come from an agent")
		}
		return m.handleTaskResponse(tx, msg, p)

	case *messaging.ConflictResolution:
		s, err := m.session(p.SessionID)
		if err != nil {
			return err
		}
		return m.vote(tx, s, p.DecisionID, msg.From, p.OptionID, p.Rationale)

	case *messaging.CoordinationRequest:
		if !fromAgent || p.DecisionID != "" {
			return nil // ballot
		}
		s, err := m.session(p.SessionID)
		if err != nil {
			return err
		}
		d, err := m.propose(tx, s, msg.From, p.Question, p.Options, DecisionMethod(p.Method))
		if err != nil {
			return err
		}
		p.DecisionID = d.ID
		return nil

	case *messaging.Emergency:
		m.logger.Warn("emergency raised",
			zap.String("from", msg.From),
			zap.String("session_id", p.SessionID),
			zap.String("reason", p.Reason),
		)
		tx.raise(types.ErrEmergency, p.Reason, p.SessionID, msg.From, msg.ID, nil)
		return nil
	}

	// knowledge_share 及无内容消息不产生协调副作用
	return nil
}

// touch treats msg as proof of life for its sender.
func (m *Manager) touch(msg *messaging.Message) error {
	if msg.From == messaging.CoordinatorID {
		return nil
	}
	_, err := m.registry.UpdateHeartbeat(msg.From, msg.Timestamp)
	return err
}

func (m *Manager) applyStatusUpdate(agentID string, u *messaging.StatusUpdate) error {
	if u.Status != "" {
		switch u.Status {
		case agent.StatusActive, agent.StatusIdle, agent.StatusBusy, agent.StatusError:
		default:
			return types.Errorf(types.ErrInvalidMessage, "agents cannot report status %q", u.Status)
		}
	}
	pinned := m.heldElsewhere(agentID, "")

	return m.registry.Update(agentID, func(a *agent.Agent) error {
		if u.Status != "" {
			// 会话期间保持 collaborating，错误状态除外
			if !pinned || u.Status == agent.StatusError {
				a.Status = u.Status
			}
		}
		if u.Performance != nil {
			discovery.ApplyDelta(&a.Performance, *u.Performance)
		}
		return nil
	})
}

// handleTaskRequest registers a task created by an agent: either a handoff
// of a task the sender owns or a new task for the receiver.
func (m *Manager) handleTaskRequest(tx *txn, msg *messaging.Message, req *messaging.TaskRequest) error {
	if req.TaskID != "" {
		if t, ok := m.tasks[req.TaskID]; ok {
			if t.Owner != msg.From {
				return types.Errorf(types.ErrInvalidRequest, "agent %s does not own task %s", msg.From, t.ID)
			}
			if t.Terminal() {
				return types.Errorf(types.ErrInvalidTransition, "task %s is already %s", t.ID, t.Status)
			}
			return m.reassign(t, msg.From, msg.To)
		}
	}

	var s *Session
	if req.SessionID != "" {
		var err error
		if s, err = m.session(req.SessionID); err != nil {
			return err
		}
		if s.Status != SessionActive {
			return types.Errorf(types.ErrInvalidTransition, "session %s is %s, tasks need an active session", s.ID, s.Status)
		}
		if !s.HasParticipant(msg.From) || !s.HasParticipant(msg.To) {
			return types.Errorf(types.ErrInvalidRequest, "task_request between %s and %s outside session %s", msg.From, msg.To, s.ID)
		}
	} else {
		if _, err := m.registry.Get(msg.From); err != nil {
			return err
		}
		if _, err := m.registry.Get(msg.To); err != nil {
			return err
		}
	}

	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	priority := req.Priority
	if priority == "" {
		priority = msg.Priority
	}
	t := &agent.Task{
		ID:            req.TaskID,
		Type:          req.TaskType,
		Description:   req.Description,
		Priority:      priority,
		Status:        agent.TaskPending,
		AssignedBy:    msg.From,
		Owner:         msg.To,
		SessionID:     req.SessionID,
		Collaborators: slices.Clone(req.Collaborators),
		StartedAt:     tx.now,
		Dependencies:  slices.Clone(req.Dependencies),
	}
	if req.Deadline != nil {
		d := *req.Deadline
		t.Deadline = &d
	}
	m.attach(s, t)
	m.dispatched[t.ID] = true

	m.logger.Debug("task requested by agent",
		zap.String("task_id", t.ID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
	)
	return nil
}

func (m *Manager) handleTaskResponse(tx *txn, msg *messaging.Message, resp *messaging.TaskResponse) error {
	if resp.IsInviteAck() {
		s, err := m.session(resp.SessionID)
		if err != nil {
			return err
		}
		return m.acknowledge(tx, s, msg.From, resp.Accepted)
	}

	t, ok := m.tasks[resp.TaskID]
	if !ok {
		return types.Errorf(types.ErrTaskNotFound, "task %s not found", resp.TaskID)
	}
	if t.Owner != msg.From {
		return types.Errorf(types.ErrInvalidRequest, "agent %s does not own task %s", msg.From, t.ID)
	}
	if t.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "task %s is already %s", t.ID, t.Status)
	}

	switch resp.Status {
	case agent.TaskInProgress:
		t.Status = agent.TaskInProgress
		return nil

	case agent.TaskCompleted, agent.TaskFailed:
		m.finishTask(tx, t, resp.Status, resp.Result, resp.Error)
		if s, ok := m.sessions[t.SessionID]; ok {
			m.dispatchReady(tx, s)
		}
		return nil

	case agent.TaskDelegated:
		return m.delegate(tx, t, msg.From, resp.DelegateTo)
	}
	return types.Errorf(types.ErrInvalidMessage, "task_response status %q not accepted", resp.Status)
}

// reassign moves t from one owner to another and records the delegation.
func (m *Manager) reassign(t *agent.Task, from, to string) error {
	if to == "" || to == from || to == messaging.BroadcastID || to == messaging.CoordinatorID {
		return types.Errorf(types.ErrInvalidRequest, "task %s cannot be delegated to %q", t.ID, to)
	}
	if _, err := m.registry.Get(to); err != nil {
		return err
	}
	if s, ok := m.sessions[t.SessionID]; ok && !s.HasParticipant(to) {
		return types.Errorf(types.ErrInvalidRequest, "agent %s is not a participant of session %s", to, s.ID)
	}

	_ = m.registry.Update(from, func(a *agent.Agent) error {
		a.RemoveTask(t.ID)
		return nil
	})
	_ = m.registry.Update(to, func(a *agent.Agent) error {
		a.AddTask(t.ID)
		return nil
	})

	t.Owner = to
	t.AssignedBy = from
	t.Status = agent.TaskDelegated
	if !slices.Contains(t.Collaborators, from) {
		t.Collaborators = append(t.Collaborators, from)
	}
	if i := slices.Index(t.Collaborators, to); i >= 0 {
		t.Collaborators = slices.Delete(t.Collaborators, i, i+1)
	}

	m.logger.Info("task delegated",
		zap.String("task_id", t.ID),
		zap.String("from", from),
		zap.String("to", to),
	)
	return nil
}

// Dropped reacts to messages the bus could not deliver: an undeliverable
// task_request fails its task and an undeliverable invite fails its session.
// It is installed as the bus Dropped hook.
func (m *Manager) Dropped(ctx context.Context, msg *messaging.Message, reason error) {
	_ = m.do(ctx, func(tx *txn) error {
		switch p := msg.Content.(type) {
		case *messaging.TaskRequest:
			t, ok := m.tasks[p.TaskID]
			if !ok || t.Terminal() || t.Owner != msg.To {
				return nil
			}
			if msg.From != messaging.CoordinatorID && msg.From != t.AssignedBy {
				return nil
			}
			m.finishTask(tx, t, agent.TaskFailed, nil, "task request undeliverable: "+reason.Error())
			if s, ok := m.sessions[t.SessionID]; ok {
				m.dispatchReady(tx, s)
			}

		case *messaging.CollaborationInvite:
			if msg.From != messaging.CoordinatorID {
				return nil
			}
			s, ok := m.sessions[p.SessionID]
			if !ok || s.Status != SessionPlanning {
				return nil
			}
			m.fail(tx, s, types.ErrDeliveryFailure, fmt.Sprintf("invite to %s undeliverable", msg.To))
		}
		return nil
	})
}
