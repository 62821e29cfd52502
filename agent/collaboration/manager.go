package collaboration

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/discovery"
	"github.com/BaSui01/agentcoord/agent/messaging"
	"github.com/BaSui01/agentcoord/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInviteTimeout is the response deadline of collaboration invites.
const DefaultInviteTimeout = 5 * time.Minute

// Sender enqueues messages; *messaging.Bus satisfies it.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) error
}

// ManagerConfig 会话管理器配置
type ManagerConfig struct {
	InviteTimeout time.Duration

	// AutoPlan issues one task per participant when a session activates.
	AutoPlan bool
}

// TickReport lists the sessions that changed state during one tick.
type TickReport struct {
	Completed []string
	Failed    []string
}

// Manager owns the session table and the task table. Every mutation goes
// through one write lock; notifications are fired after it is released.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	order      []string // creation order
	tasks      map[string]*agent.Task
	dispatched map[string]bool // task_request already sent

	registry *discovery.Registry
	selector *discovery.Selector
	sender   Sender
	observer Observer
	config   ManagerConfig
	now      func() time.Time
	logger   *zap.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the manager clock.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithManagerObserver sets the observer notified of completions and errors.
func WithManagerObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager creates a session manager.
func NewManager(registry *discovery.Registry, selector *discovery.Selector, sender Sender, config ManagerConfig, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.InviteTimeout <= 0 {
		config.InviteTimeout = DefaultInviteTimeout
	}
	m := &Manager{
		sessions:   make(map[string]*Session),
		tasks:      make(map[string]*agent.Task),
		dispatched: make(map[string]bool),
		registry:   registry,
		selector:   selector,
		sender:     sender,
		observer:   ObserverFuncs{},
		config:     config,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "session_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// txn collects the side effects of one locked operation.
type txn struct {
	ctx       context.Context
	now       time.Time
	completed []*Session
	errs      []ErrorContext
}

func (m *Manager) do(ctx context.Context, fn func(tx *txn) error) error {
	tx := &txn{ctx: ctx, now: m.now()}

	m.mu.Lock()
	err := fn(tx)
	m.mu.Unlock()

	for _, s := range tx.completed {
		m.observer.SessionCompleted(s)
	}
	for _, ec := range tx.errs {
		m.observer.Error(ec)
	}
	return err
}

func (tx *txn) raise(code types.ErrorCode, msg, sessionID, agentID, messageID string, err error) {
	tx.errs = append(tx.errs, ErrorContext{
		Code:      code,
		Message:   msg,
		AgentID:   agentID,
		SessionID: sessionID,
		MessageID: messageID,
		Err:       err,
		Time:      tx.now,
	})
}

// ============================================================================
// 会话生命周期
// ============================================================================

// Create selects participants, creates a planning session and invites every
// participant. When selection cannot cover the requirements no session is
// created and the error carries ErrNoSuitableAgents.
func (m *Manager) Create(ctx context.Context, req Request) (*Session, error) {
	objective := strings.TrimSpace(req.Objective)
	if objective == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "objective is empty")
	}
	if req.Type == "" {
		req.Type = agent.OrchestrationParallel
	}
	if !req.Type.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown orchestration type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = agent.PriorityMedium
	}

	participants, err := m.selector.Select(req.RequiredCapabilities)
	if err != nil {
		return nil, err
	}

	var (
		created *Session
		sendErr error
	)
	_ = m.do(ctx, func(tx *txn) error {
		s := &Session{
			ID:                   uuid.New().String(),
			Coordinator:          discovery.ChooseCoordinator(participants, req.Type),
			Objective:            objective,
			Type:                 req.Type,
			Status:               SessionPlanning,
			StartedAt:            tx.now,
			RequiredCapabilities: slices.Clone(req.RequiredCapabilities),
			Priority:             req.Priority,
			InviteDeadline:       tx.now.Add(m.config.InviteTimeout),
			Acknowledged:         make(map[string]bool, len(participants)),
		}
		if req.Deadline != nil {
			d := *req.Deadline
			s.Deadline = &d
		}
		for _, p := range participants {
			s.Participants = append(s.Participants, p.ID)
			s.Acknowledged[p.ID] = false
		}
		m.sessions[s.ID] = s
		m.order = append(m.order, s.ID)

		m.logger.Info("collaboration session created",
			zap.String("session_id", s.ID),
			zap.String("type", string(s.Type)),
			zap.String("coordinator", s.Coordinator),
			zap.Strings("participants", s.Participants),
		)

		for _, p := range s.Participants {
			if _, err := m.registry.SetStatus(p, agent.StatusCollaborating); err != nil {
				m.logger.Warn("participant vanished before invite", zap.String("agent_id", p), zap.Error(err))
			}
			invite := messaging.New(messaging.CoordinatorID, p, &messaging.CollaborationInvite{
				SessionID:            s.ID,
				Objective:            s.Objective,
				Orchestration:        s.Type,
				Coordinator:          s.Coordinator,
				Participants:         slices.Clone(s.Participants),
				RequiredCapabilities: slices.Clone(s.RequiredCapabilities),
			}).
				WithConversation(s.ID).
				WithPriority(agent.PriorityHigh).
				WithResponseDeadline(s.InviteDeadline)

			if err := m.sender.Send(tx.ctx, invite); err != nil {
				sendErr = fmt.Errorf("invite %s to session %s: %w", p, s.ID, err)
				m.fail(tx, s, types.ErrDeliveryFailure, fmt.Sprintf("invite to %s not sent", p))
				break
			}
		}
		created = s.Clone()
		return nil
	})
	return created, sendErr
}

// Acknowledge records a participant's answer to the session invite.
func (m *Manager) Acknowledge(ctx context.Context, sessionID, agentID string, accepted bool) error {
	return m.do(ctx, func(tx *txn) error {
		s, err := m.session(sessionID)
		if err != nil {
			return err
		}
		return m.acknowledge(tx, s, agentID, accepted)
	})
}

func (m *Manager) acknowledge(tx *txn, s *Session, agentID string, accepted bool) error {
	if s.Status != SessionPlanning {
		return types.Errorf(types.ErrInvalidTransition, "session %s is %s, not accepting acknowledgements", s.ID, s.Status)
	}
	if !s.HasParticipant(agentID) {
		return types.Errorf(types.ErrInvalidRequest, "agent %s is not a participant of session %s", agentID, s.ID)
	}
	if tx.now.After(s.InviteDeadline) {
		return types.Errorf(types.ErrSessionTimeout, "acknowledgement from %s arrived after the invite deadline", agentID)
	}
	if !accepted {
		m.fail(tx, s, types.ErrInviteDeclined, fmt.Sprintf("invite declined by %s", agentID))
		return nil
	}

	s.Acknowledged[agentID] = true
	m.logger.Debug("invite acknowledged",
		zap.String("session_id", s.ID),
		zap.String("agent_id", agentID),
	)
	if s.AllAcknowledged() {
		m.activate(tx, s)
	}
	return nil
}

func (m *Manager) activate(tx *txn, s *Session) {
	s.Status = SessionActive
	m.logger.Info("collaboration session active",
		zap.String("session_id", s.ID),
		zap.Int("participants", len(s.Participants)),
	)
	if m.config.AutoPlan {
		m.plan(tx, s)
	}
	m.dispatchReady(tx, s)
}

// Tick runs the session-management step: invite timeouts, dependency
// dispatch, session deadlines and the completion check.
func (m *Manager) Tick(ctx context.Context) TickReport {
	var report TickReport
	_ = m.do(ctx, func(tx *txn) error {
		for _, id := range m.order {
			s := m.sessions[id]
			switch s.Status {
			case SessionPlanning:
				if tx.now.After(s.InviteDeadline) {
					m.fail(tx, s, types.ErrSessionTimeout, "invite deadline elapsed before every participant acknowledged")
					report.Failed = append(report.Failed, s.ID)
				}

			case SessionActive:
				m.dispatchReady(tx, s)
				if s.Deadline != nil && tx.now.After(*s.Deadline) {
					for _, t := range s.Tasks {
						m.finishTask(tx, t, agent.TaskFailed, nil, "session deadline exceeded")
					}
				}
				if s.AllTasksTerminal() {
					m.complete(tx, s)
					report.Completed = append(report.Completed, s.ID)
				}
			}
		}
		return nil
	})
	return report
}

// Abort fails a non-terminal session and releases its participants. It is a
// no-op on terminal sessions.
func (m *Manager) Abort(ctx context.Context, sessionID, reason string) error {
	return m.do(ctx, func(tx *txn) error {
		s, err := m.session(sessionID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return nil
		}
		if reason == "" {
			reason = "aborted"
		}
		m.fail(tx, s, types.ErrSessionAborted, reason)
		return nil
	})
}

func (m *Manager) complete(tx *txn, s *Session) {
	at := tx.now
	s.Status = SessionCompleted
	s.CompletedAt = &at
	s.Results = s.summarize()
	m.release(s)
	m.mirror(tx, s)

	m.logger.Info("collaboration session completed",
		zap.String("session_id", s.ID),
		zap.Int("tasks_completed", s.Results.TasksCompleted),
		zap.Int("tasks_failed", s.Results.TasksFailed),
	)
	tx.completed = append(tx.completed, s.Clone())
}

func (m *Manager) fail(tx *txn, s *Session, code types.ErrorCode, reason string) {
	if s.Status.Terminal() {
		return
	}
	at := tx.now
	s.Status = SessionFailed
	s.CompletedAt = &at
	s.FailureReason = reason
	for _, t := range s.Tasks {
		m.finishTask(tx, t, agent.TaskFailed, nil, "session failed: "+reason)
	}
	s.Results = s.summarize()
	m.release(s)
	m.mirror(tx, s)

	m.logger.Warn("collaboration session failed",
		zap.String("session_id", s.ID),
		zap.String("code", string(code)),
		zap.String("reason", reason),
	)
	tx.raise(code, reason, s.ID, "", "", nil)
}

// release returns collaborating participants to active unless another
// non-terminal session still holds them. Offline agents are left alone.
func (m *Manager) release(s *Session) {
	for _, p := range s.Participants {
		if m.heldElsewhere(p, s.ID) {
			continue
		}
		err := m.registry.Update(p, func(a *agent.Agent) error {
			if a.Status == agent.StatusCollaborating {
				a.Status = agent.StatusActive
			}
			return nil
		})
		if err != nil {
			m.logger.Debug("release skipped", zap.String("agent_id", p), zap.Error(err))
		}
	}
}

func (m *Manager) heldElsewhere(agentID, except string) bool {
	for id, s := range m.sessions {
		if id != except && !s.Status.Terminal() && s.HasParticipant(agentID) {
			return true
		}
	}
	return false
}

// mirror tells every participant the session outcome.
func (m *Manager) mirror(tx *txn, s *Session) {
	summary := s.FailureReason
	if s.Results != nil && summary == "" {
		summary = s.Results.Summary
	}
	for _, p := range s.Participants {
		msg := messaging.New(messaging.CoordinatorID, p, &messaging.StatusUpdate{
			SessionID:     s.ID,
			SessionStatus: string(s.Status),
			Summary:       summary,
		}).WithConversation(s.ID)
		if err := m.sender.Send(tx.ctx, msg); err != nil {
			m.logger.Warn("session status update not sent",
				zap.String("session_id", s.ID),
				zap.String("agent_id", p),
				zap.Error(err),
			)
		}
	}
}

// ============================================================================
// 任务
// ============================================================================

// plan creates one pending task per participant according to the
// orchestration type.
func (m *Manager) plan(tx *txn, s *Session) {
	assignments := m.assign(s)
	others := func(owner string) []string {
		out := make([]string, 0, len(s.Participants)-1)
		for _, p := range s.Participants {
			if p != owner {
				out = append(out, p)
			}
		}
		return out
	}
	describe := func(caps []string) string {
		if len(caps) == 0 {
			return s.Objective
		}
		return fmt.Sprintf("%s [%s]", s.Objective, strings.Join(caps, ", "))
	}

	switch s.Type {
	case agent.OrchestrationSequential:
		prev := ""
		for _, p := range s.Participants {
			var deps []string
			if prev != "" {
				deps = []string{prev}
			}
			t := m.newTask(tx, s, p, taskType(assignments[p]), describe(assignments[p]), deps, others(p))
			prev = t.ID
		}

	case agent.OrchestrationDelegation:
		var delegated []string
		for _, p := range s.Participants {
			if p == s.Coordinator {
				continue
			}
			t := m.newTask(tx, s, p, taskType(assignments[p]), describe(assignments[p]), nil, []string{s.Coordinator})
			delegated = append(delegated, t.ID)
		}
		synthesis := "synthesize results: " + describe(assignments[s.Coordinator])
		m.newTask(tx, s, s.Coordinator, taskType(assignments[s.Coordinator]), synthesis, delegated, others(s.Coordinator))

	case agent.OrchestrationConsensus:
		for _, p := range s.Participants {
			m.newTask(tx, s, p, taskType(assignments[p]), "assess: "+describe(assignments[p]), nil, others(p))
		}
		question := "How should the session proceed with: " + s.Objective
		if _, err := m.propose(tx, s, s.Coordinator, question, []string{"proceed as planned", "revise the plan"}, MethodMajority); err != nil {
			m.logger.Warn("consensus decision not opened", zap.String("session_id", s.ID), zap.Error(err))
		}

	default: // parallel
		for _, p := range s.Participants {
			m.newTask(tx, s, p, taskType(assignments[p]), describe(assignments[p]), nil, others(p))
		}
	}

	m.logger.Debug("session planned",
		zap.String("session_id", s.ID),
		zap.Int("tasks", len(s.Tasks)),
	)
}

// assign replays the greedy cover over the participants to find which
// required capabilities each one contributes.
func (m *Manager) assign(s *Session) map[string][]string {
	remaining := make(map[string]struct{}, len(s.RequiredCapabilities))
	for _, c := range s.RequiredCapabilities {
		if c = strings.TrimSpace(c); c != "" {
			remaining[c] = struct{}{}
		}
	}
	out := make(map[string][]string, len(s.Participants))
	for _, p := range s.Participants {
		a, err := m.registry.Get(p)
		if err != nil {
			continue
		}
		for c := range a.Matchable() {
			if _, ok := remaining[c]; ok {
				out[p] = append(out[p], c)
				delete(remaining, c)
			}
		}
		sort.Strings(out[p])
	}
	return out
}

func taskType(caps []string) string {
	if len(caps) == 0 {
		return "collaboration"
	}
	return caps[0]
}

func (m *Manager) newTask(tx *txn, s *Session, owner, typ, desc string, deps, collaborators []string) *agent.Task {
	t := &agent.Task{
		ID:            uuid.New().String(),
		Type:          typ,
		Description:   desc,
		Priority:      s.Priority,
		Status:        agent.TaskPending,
		AssignedBy:    s.Coordinator,
		Owner:         owner,
		SessionID:     s.ID,
		Collaborators: collaborators,
		StartedAt:     tx.now,
		Dependencies:  deps,
	}
	if s.Deadline != nil {
		d := *s.Deadline
		t.Deadline = &d
	}
	m.attach(s, t)
	return t
}

func (m *Manager) attach(s *Session, t *agent.Task) {
	m.tasks[t.ID] = t
	if s != nil {
		s.Tasks = append(s.Tasks, t)
	}
	if err := m.registry.Update(t.Owner, func(a *agent.Agent) error {
		a.AddTask(t.ID)
		return nil
	}); err != nil {
		m.logger.Debug("task owner not registered", zap.String("task_id", t.ID), zap.String("agent_id", t.Owner))
	}
}

// dispatchReady sends a task_request for every pending task whose
// dependencies are terminal. A task whose dependency failed fails too.
func (m *Manager) dispatchReady(tx *txn, s *Session) {
	if s.Status != SessionActive {
		return
	}
	for changed := true; changed; {
		changed = false
		for _, t := range s.Tasks {
			if t.Terminal() || m.dispatched[t.ID] {
				continue
			}
			ready, failedDep := m.dependencies(t)
			if failedDep != "" {
				changed = m.finishTask(tx, t, agent.TaskFailed, nil, fmt.Sprintf("dependency %s failed", failedDep)) || changed
				continue
			}
			if !ready {
				continue
			}
			m.dispatched[t.ID] = true
			m.request(tx, t)
		}
	}
}

func (m *Manager) dependencies(t *agent.Task) (ready bool, failed string) {
	for _, id := range t.Dependencies {
		dep, ok := m.tasks[id]
		if !ok {
			continue // pruned dependencies are long finished
		}
		if !dep.Terminal() {
			return false, ""
		}
		if dep.Status == agent.TaskFailed {
			return false, id
		}
	}
	return true, ""
}

// request sends the task_request for t to its owner.
func (m *Manager) request(tx *txn, t *agent.Task) {
	msg := messaging.New(messaging.CoordinatorID, t.Owner, &messaging.TaskRequest{
		TaskID:        t.ID,
		SessionID:     t.SessionID,
		TaskType:      t.Type,
		Description:   t.Description,
		Priority:      t.Priority,
		Deadline:      t.Deadline,
		Dependencies:  slices.Clone(t.Dependencies),
		Collaborators: slices.Clone(t.Collaborators),
	}).WithConversation(t.SessionID).WithPriority(t.Priority)

	if err := m.sender.Send(tx.ctx, msg); err != nil {
		m.finishTask(tx, t, agent.TaskFailed, nil, "task request not sent: "+err.Error())
		tx.raise(types.ErrDeliveryFailure, "task request not sent", t.SessionID, t.Owner, msg.ID, err)
	}
}

func (m *Manager) finishTask(tx *txn, t *agent.Task, status agent.TaskStatus, result *agent.TaskResult, errMsg string) bool {
	if !t.Finish(status, result, errMsg, tx.now) {
		return false
	}
	m.logger.Debug("task finished",
		zap.String("task_id", t.ID),
		zap.String("owner", t.Owner),
		zap.String("status", string(status)),
	)
	return true
}

func (m *Manager) delegate(tx *txn, t *agent.Task, from, to string) error {
	if err := m.reassign(t, from, to); err != nil {
		return err
	}
	m.dispatched[t.ID] = true
	m.request(tx, t)
	return nil
}

// AgentOffline fails the unfinished session tasks owned by agentID so that
// sessions do not wait on an agent that stopped heartbeating.
func (m *Manager) AgentOffline(ctx context.Context, agentID string) {
	_ = m.do(ctx, func(tx *txn) error {
		for _, id := range m.order {
			s := m.sessions[id]
			if s.Status != SessionActive {
				continue
			}
			for _, t := range s.Tasks {
				if t.Owner == agentID {
					m.finishTask(tx, t, agent.TaskFailed, nil, "owner went offline")
				}
			}
			m.dispatchReady(tx, s)
		}
		return nil
	})
}

// PruneTasks drops terminal tasks that finished before cutoff and no longer
// belong to a live session, from the task table and their owner.
func (m *Manager) PruneTasks(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for id, t := range m.tasks {
		if !t.Terminal() || t.CompletedAt == nil || !t.CompletedAt.Before(cutoff) {
			continue
		}
		if s, ok := m.sessions[t.SessionID]; ok && !s.Status.Terminal() {
			continue
		}
		delete(m.tasks, id)
		delete(m.dispatched, id)
		_ = m.registry.Update(t.Owner, func(a *agent.Agent) error {
			a.RemoveTask(id)
			return nil
		})
		pruned++
	}
	if pruned > 0 {
		m.logger.Debug("tasks pruned", zap.Int("count", pruned))
	}
	return pruned
}

// ============================================================================
// 决策
// ============================================================================

// ProposeDecision opens a decision in an active session and sends a ballot
// to every participant.
func (m *Manager) ProposeDecision(ctx context.Context, sessionID, proposer, question string, options []string, method DecisionMethod) (*Decision, error) {
	var out *Decision
	err := m.do(ctx, func(tx *txn) error {
		s, err := m.session(sessionID)
		if err != nil {
			return err
		}
		d, err := m.propose(tx, s, proposer, question, options, method)
		if err != nil {
			return err
		}
		out = d.Clone()
		return nil
	})
	return out, err
}

func (m *Manager) propose(tx *txn, s *Session, proposer, question string, options []string, method DecisionMethod) (*Decision, error) {
	if s.Status != SessionActive {
		return nil, types.Errorf(types.ErrInvalidTransition, "session %s is %s, decisions need an active session", s.ID, s.Status)
	}
	if proposer != messaging.CoordinatorID && !s.HasParticipant(proposer) {
		return nil, types.Errorf(types.ErrInvalidRequest, "agent %s is not a participant of session %s", proposer, s.ID)
	}
	d, err := NewDecision(s.ID, proposer, question, options, method, tx.now)
	if err != nil {
		return nil, err
	}
	s.Decisions = append(s.Decisions, d)

	for _, p := range s.Participants {
		ballot := messaging.New(messaging.CoordinatorID, p, &messaging.CoordinationRequest{
			SessionID:  s.ID,
			DecisionID: d.ID,
			Question:   d.Question,
			Options:    slices.Clone(options),
			Method:     string(d.Method),
		}).WithConversation(s.ID)
		if err := m.sender.Send(tx.ctx, ballot); err != nil {
			m.logger.Warn("ballot not sent", zap.String("decision_id", d.ID), zap.String("agent_id", p), zap.Error(err))
		}
	}

	m.logger.Info("decision proposed",
		zap.String("session_id", s.ID),
		zap.String("decision_id", d.ID),
		zap.String("method", string(d.Method)),
	)
	return d, nil
}

// Vote casts voter's vote and resolves the decision when its method's
// condition is met.
func (m *Manager) Vote(ctx context.Context, sessionID, decisionID, voter, optionID string) error {
	return m.do(ctx, func(tx *txn) error {
		s, err := m.session(sessionID)
		if err != nil {
			return err
		}
		return m.vote(tx, s, decisionID, voter, optionID, "")
	})
}

func (m *Manager) vote(tx *txn, s *Session, decisionID, voter, optionID, rationale string) error {
	if s.Status.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "session %s is %s", s.ID, s.Status)
	}
	if !s.HasParticipant(voter) {
		return types.Errorf(types.ErrInvalidRequest, "agent %s is not a participant of session %s", voter, s.ID)
	}
	d, ok := s.Decision(decisionID)
	if !ok {
		return types.Errorf(types.ErrDecisionNotFound, "decision %s not found in session %s", decisionID, s.ID)
	}
	if err := d.Vote(voter, optionID); err != nil {
		return err
	}

	ballot := Ballot{
		Participants: s.Participants,
		Weights:      make(map[string]float64, len(s.Participants)),
		Expert:       s.Coordinator,
	}
	for _, p := range s.Participants {
		if a, err := m.registry.Get(p); err == nil {
			ballot.Weights[p] = a.Performance.CollaborationScore
		}
	}
	if rationale != "" && d.Rationale == "" {
		d.Rationale = rationale
	}
	if d.Resolve(ballot, tx.now) {
		m.logger.Info("decision resolved",
			zap.String("session_id", s.ID),
			zap.String("decision_id", d.ID),
			zap.String("consensus", d.Consensus),
		)
	}
	return nil
}

// ============================================================================
// 查询
// ============================================================================

func (m *Manager) session(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.Errorf(types.ErrSessionNotFound, "session %s not found", id)
	}
	return s, nil
}

// Session returns a copy of the session.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Sessions returns copies of the sessions accepted by pred (nil accepts
// all), in creation order.
func (m *Manager) Sessions(pred func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		s := m.sessions[id]
		if pred == nil || pred(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Active returns the non-terminal sessions.
func (m *Manager) Active() []*Session {
	return m.Sessions(func(s *Session) bool { return !s.Status.Terminal() })
}

// CountByStatus returns the number of sessions per status.
func (m *Manager) CountByStatus() map[SessionStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[SessionStatus]int, 4)
	for _, s := range m.sessions {
		counts[s.Status]++
	}
	return counts
}

// Task returns a copy of the task.
func (m *Manager) Task(id string) (*agent.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, types.Errorf(types.ErrTaskNotFound, "task %s not found", id)
	}
	return t.Clone(), nil
}

// TasksOwnedBy returns copies of the tasks currently owned by agentID.
func (m *Manager) TasksOwnedBy(agentID string) []*agent.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*agent.Task
	for _, t := range m.tasks {
		if t.Owner == agentID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Pinned reports whether agentID participates in a non-terminal session.
func (m *Manager) Pinned(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heldElsewhere(agentID, "")
}

func summaryLine(objective string, completed, failed int) string {
	return fmt.Sprintf("%q: %d task(s) completed, %d failed", objective, completed, failed)
}
