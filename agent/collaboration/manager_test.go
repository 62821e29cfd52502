package collaboration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/discovery"
	"github.com/BaSui01/agentcoord/agent/messaging"
	"github.com/BaSui01/agentcoord/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: baseTime} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingSender 记录 Manager 发出的消息
type recordingSender struct {
	mu   sync.Mutex
	msgs []*messaging.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg *messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) ofType(t messaging.MessageType) []*messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*messaging.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
}

// eventLog 记录观察者收到的通知
type eventLog struct {
	mu        sync.Mutex
	completed []*Session
	errs      []ErrorContext
	offline   []string
}

func (l *eventLog) observer() Observer {
	return ObserverFuncs{
		OnAgentOffline: func(a *agent.Agent) {
			l.mu.Lock()
			l.offline = append(l.offline, a.ID)
			l.mu.Unlock()
		},
		OnSessionCompleted: func(s *Session) {
			l.mu.Lock()
			l.completed = append(l.completed, s)
			l.mu.Unlock()
		},
		OnError: func(ec ErrorContext) {
			l.mu.Lock()
			l.errs = append(l.errs, ec)
			l.mu.Unlock()
		},
	}
}

func (l *eventLog) codes() []types.ErrorCode {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.ErrorCode, 0, len(l.errs))
	for _, ec := range l.errs {
		out = append(out, ec.Code)
	}
	return out
}

type managerFixture struct {
	manager  *Manager
	registry *discovery.Registry
	sender   *recordingSender
	clock    *testClock
	events   *eventLog
}

func newManagerFixture(t *testing.T, agents ...*agent.Agent) *managerFixture {
	t.Helper()
	f := &managerFixture{
		sender: &recordingSender{},
		clock:  newTestClock(),
		events: &eventLog{},
	}
	f.registry = discovery.NewRegistry(zap.NewNop(), discovery.WithRegistryClock(f.clock.Now))
	for _, a := range agents {
		require.NoError(t, f.registry.Register(a))
	}
	selector := discovery.NewSelector(f.registry, discovery.OrderByID, zap.NewNop())
	f.manager = NewManager(f.registry, selector, f.sender, ManagerConfig{AutoPlan: true}, zap.NewNop(),
		WithManagerClock(f.clock.Now),
		WithManagerObserver(f.events.observer()),
	)
	return f
}

func (f *managerFixture) status(t *testing.T, id string) agent.Status {
	t.Helper()
	a, err := f.registry.Get(id)
	require.NoError(t, err)
	return a.Status
}

func (f *managerFixture) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := f.manager.Session(id)
	require.NoError(t, err)
	return s
}

// inspect 模拟消息经过总线
func (f *managerFixture) inspect(t *testing.T, from, to string, payload messaging.Payload) error {
	t.Helper()
	msg := messaging.New(from, to, payload)
	msg.Timestamp = f.clock.Now()
	require.NoError(t, msg.Validate())
	return f.manager.Inspect(context.Background(), msg)
}

func (f *managerFixture) ackAll(t *testing.T, s *Session) {
	t.Helper()
	for _, p := range s.Participants {
		require.NoError(t, f.manager.Acknowledge(context.Background(), s.ID, p, true))
	}
}

func (f *managerFixture) respond(t *testing.T, task *agent.Task, status agent.TaskStatus) {
	t.Helper()
	require.NoError(t, f.inspect(t, task.Owner, messaging.CoordinatorID, &messaging.TaskResponse{
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Status:    status,
	}))
}

func smsEmailAgents() []*agent.Agent {
	return []*agent.Agent{
		{ID: "a1", Domain: agent.DomainExecution, Capabilities: []string{"sms"}},
		{ID: "a2", Domain: agent.DomainCommunication, Capabilities: []string{"email"}},
	}
}

func TestManager_CreateInvitesParticipants(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)

	s, err := f.manager.Create(context.Background(), Request{
		Objective:            "launch campaign",
		RequiredCapabilities: []string{"sms", "email"},
	})
	require.NoError(t, err)

	assert.Equal(t, SessionPlanning, s.Status)
	assert.Equal(t, []string{"a1", "a2"}, s.Participants)
	assert.Equal(t, "a1", s.Coordinator)
	assert.Equal(t, agent.OrchestrationParallel, s.Type)
	assert.Equal(t, agent.PriorityMedium, s.Priority)
	assert.Equal(t, baseTime.Add(DefaultInviteTimeout), s.InviteDeadline)

	invites := f.sender.ofType(messaging.TypeCollaborationInvite)
	require.Len(t, invites, 2)
	for i, msg := range invites {
		assert.Equal(t, messaging.CoordinatorID, msg.From)
		assert.Equal(t, s.Participants[i], msg.To)
		assert.Equal(t, s.ID, msg.ConversationID)
		assert.True(t, msg.RequiresResponse)
		assert.Equal(t, agent.PriorityHigh, msg.Priority)
		require.NotNil(t, msg.ResponseDeadline)
		assert.Equal(t, s.InviteDeadline, *msg.ResponseDeadline)
	}

	assert.Equal(t, agent.StatusCollaborating, f.status(t, "a1"))
	assert.Equal(t, agent.StatusCollaborating, f.status(t, "a2"))
}

func TestManager_CreateValidation(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, Request{Objective: "  ", RequiredCapabilities: []string{"sms"}})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms"}, Type: "round_robin"})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "fax"}})
	assert.True(t, types.IsCode(err, types.ErrNoSuitableAgents))

	assert.Empty(t, f.manager.Sessions(nil))
	assert.Empty(t, f.sender.ofType(messaging.TypeCollaborationInvite))
	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))
}

func TestManager_CreateInviteSendFailure(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	f.sender.err = types.NewError(types.ErrQueueFull, "queue full")

	s, err := f.manager.Create(context.Background(), Request{Objective: "x", RequiredCapabilities: []string{"sms"}})
	require.Error(t, err)
	require.NotNil(t, s)

	assert.Equal(t, SessionFailed, f.session(t, s.ID).Status)
	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))
	assert.Contains(t, f.events.codes(), types.ErrDeliveryFailure)
}

func TestManager_AcknowledgeActivatesAndPlans(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "launch", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)

	// 通过 task_response 确认第一个邀请
	require.NoError(t, f.inspect(t, "a1", messaging.CoordinatorID, &messaging.TaskResponse{SessionID: s.ID, Accepted: true}))
	assert.Equal(t, SessionPlanning, f.session(t, s.ID).Status)

	require.NoError(t, f.manager.Acknowledge(ctx, s.ID, "a2", true))
	got := f.session(t, s.ID)
	assert.Equal(t, SessionActive, got.Status)
	require.Len(t, got.Tasks, 2)

	byOwner := map[string]*agent.Task{}
	for _, task := range got.Tasks {
		byOwner[task.Owner] = task
		assert.Equal(t, agent.TaskPending, task.Status)
		assert.Equal(t, s.ID, task.SessionID)
		assert.Equal(t, "a1", task.AssignedBy)
	}
	assert.Equal(t, "sms", byOwner["a1"].Type)
	assert.Equal(t, "email", byOwner["a2"].Type)

	requests := f.sender.ofType(messaging.TypeTaskRequest)
	require.Len(t, requests, 2)
	for _, msg := range requests {
		req := msg.Content.(*messaging.TaskRequest)
		assert.Equal(t, byOwner[msg.To].ID, req.TaskID)
	}

	a1, err := f.registry.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, []string{byOwner["a1"].ID}, a1.CurrentTasks)
}

func TestManager_AcknowledgeRejections(t *testing.T) {
	f := newManagerFixture(t, append(smsEmailAgents(), &agent.Agent{ID: "a3", Capabilities: []string{"push"}})...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms"}})
	require.NoError(t, err)

	err = f.manager.Acknowledge(ctx, s.ID, "a3", true)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	err = f.manager.Acknowledge(ctx, "missing", "a1", true)
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))

	// 截止时间之后的确认被拒绝，会话保持 planning 直到 tick
	f.clock.Advance(DefaultInviteTimeout + time.Second)
	err = f.manager.Acknowledge(ctx, s.ID, "a1", true)
	assert.True(t, types.IsCode(err, types.ErrSessionTimeout))
	assert.Equal(t, SessionPlanning, f.session(t, s.ID).Status)
}

func TestManager_DeclineFailsSession(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)

	s, err := f.manager.Create(context.Background(), Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)

	require.NoError(t, f.inspect(t, "a2", messaging.CoordinatorID, &messaging.TaskResponse{SessionID: s.ID, Accepted: false}))

	got := f.session(t, s.ID)
	assert.Equal(t, SessionFailed, got.Status)
	assert.Contains(t, got.FailureReason, "a2")
	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))
	assert.Equal(t, agent.StatusActive, f.status(t, "a2"))
	assert.Contains(t, f.events.codes(), types.ErrInviteDeclined)
}

func TestManager_InviteTimeout(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)

	s, err := f.manager.Create(context.Background(), Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)

	// 截止时间恰好到达时尚未超时
	f.clock.Advance(DefaultInviteTimeout)
	report := f.manager.Tick(context.Background())
	assert.Empty(t, report.Failed)

	// 截止时间为 now-1s
	f.clock.Advance(time.Second)
	report = f.manager.Tick(context.Background())
	assert.Equal(t, []string{s.ID}, report.Failed)

	got := f.session(t, s.ID)
	assert.Equal(t, SessionFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))
	assert.Equal(t, agent.StatusActive, f.status(t, "a2"))
	assert.Contains(t, f.events.codes(), types.ErrSessionTimeout)

	mirrors := f.sender.ofType(messaging.TypeStatusUpdate)
	require.Len(t, mirrors, 2)
	assert.Equal(t, string(SessionFailed), mirrors[0].Content.(*messaging.StatusUpdate).SessionStatus)
}

func TestManager_CompletionTrigger(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "launch", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)
	f.ackAll(t, s)

	tasks := f.session(t, s.ID).Tasks
	require.Len(t, tasks, 2)

	f.respond(t, tasks[0], agent.TaskCompleted)
	f.respond(t, tasks[1], agent.TaskInProgress)

	report := f.manager.Tick(ctx)
	assert.Empty(t, report.Completed)
	assert.Equal(t, SessionActive, f.session(t, s.ID).Status)

	f.respond(t, tasks[1], agent.TaskFailed)
	// 状态只在 tick 时切换
	assert.Equal(t, SessionActive, f.session(t, s.ID).Status)

	f.sender.reset()
	f.clock.Advance(time.Minute)
	report = f.manager.Tick(ctx)
	assert.Equal(t, []string{s.ID}, report.Completed)

	got := f.session(t, s.ID)
	assert.Equal(t, SessionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, baseTime.Add(time.Minute), *got.CompletedAt)
	require.NotNil(t, got.Results)
	assert.Equal(t, 1, got.Results.TasksCompleted)
	assert.Equal(t, 1, got.Results.TasksFailed)

	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))
	assert.Equal(t, agent.StatusActive, f.status(t, "a2"))

	mirrors := f.sender.ofType(messaging.TypeStatusUpdate)
	require.Len(t, mirrors, 2)
	for _, msg := range mirrors {
		u := msg.Content.(*messaging.StatusUpdate)
		assert.Equal(t, string(SessionCompleted), u.SessionStatus)
		assert.Equal(t, s.ID, u.SessionID)
	}

	require.Len(t, f.events.completed, 1)
	assert.Equal(t, s.ID, f.events.completed[0].ID)
}

func TestManager_TerminalSessionIsAbsorbing(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms"}})
	require.NoError(t, err)
	f.ackAll(t, s)
	task := f.session(t, s.ID).Tasks[0]
	f.respond(t, task, agent.TaskCompleted)
	f.manager.Tick(ctx)
	require.Equal(t, SessionCompleted, f.session(t, s.ID).Status)

	require.NoError(t, f.manager.Abort(ctx, s.ID, "late abort"))
	assert.Equal(t, SessionCompleted, f.session(t, s.ID).Status)

	err = f.manager.Acknowledge(ctx, s.ID, "a1", true)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	err = f.inspect(t, "a1", messaging.CoordinatorID, &messaging.TaskResponse{SessionID: s.ID, TaskID: task.ID, Status: agent.TaskFailed})
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	f.clock.Advance(time.Hour)
	report := f.manager.Tick(ctx)
	assert.Empty(t, report.Completed)
	assert.Empty(t, report.Failed)
	assert.Equal(t, SessionCompleted, f.session(t, s.ID).Status)
	assert.Len(t, f.events.completed, 1)
}

func TestManager_AbortReleasesParticipants(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)
	f.ackAll(t, s)

	require.NoError(t, f.manager.Abort(ctx, s.ID, ""))
	got := f.session(t, s.ID)
	assert.Equal(t, SessionFailed, got.Status)
	assert.Equal(t, "aborted", got.FailureReason)
	for _, task := range got.Tasks {
		assert.Equal(t, agent.TaskFailed, task.Status)
	}
	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))

	// 幂等
	require.NoError(t, f.manager.Abort(ctx, s.ID, "again"))
	assert.Equal(t, "aborted", f.session(t, s.ID).FailureReason)

	err = f.manager.Abort(ctx, "missing", "")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))
}

func TestManager_ReleaseKeepsAgentHeldByOtherSession(t *testing.T) {
	f := newManagerFixture(t,
		&agent.Agent{ID: "a1", Capabilities: []string{"sms", "email"}},
		&agent.Agent{ID: "a2", Capabilities: []string{"email"}},
	)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, Request{Objective: "first", RequiredCapabilities: []string{"email"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, first.Participants)

	// a1 已在协作中，第二个会话只能选中 a2
	second, err := f.manager.Create(ctx, Request{Objective: "second", RequiredCapabilities: []string{"email"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a2"}, second.Participants)

	require.NoError(t, f.manager.Abort(ctx, second.ID, ""))
	assert.Equal(t, agent.StatusActive, f.status(t, "a2"))
	assert.Equal(t, agent.StatusCollaborating, f.status(t, "a1"))
	assert.True(t, f.manager.Pinned("a1"))
	assert.False(t, f.manager.Pinned("a2"))
}

func TestManager_ReleaseLeavesOfflineAgents(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)
	_, err = f.registry.SetStatus("a2", agent.StatusOffline)
	require.NoError(t, err)

	require.NoError(t, f.manager.Abort(ctx, s.ID, ""))
	assert.Equal(t, agent.StatusOffline, f.status(t, "a2"))
	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))
}

func TestManager_SequentialDependencies(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{
		Objective:            "x",
		RequiredCapabilities: []string{"sms", "email"},
		Type:                 agent.OrchestrationSequential,
	})
	require.NoError(t, err)
	f.ackAll(t, s)

	tasks := f.session(t, s.ID).Tasks
	require.Len(t, tasks, 2)
	assert.Empty(t, tasks[0].Dependencies)
	assert.Equal(t, []string{tasks[0].ID}, tasks[1].Dependencies)

	requests := f.sender.ofType(messaging.TypeTaskRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, "a1", requests[0].To)

	f.respond(t, tasks[0], agent.TaskCompleted)
	requests = f.sender.ofType(messaging.TypeTaskRequest)
	require.Len(t, requests, 2)
	assert.Equal(t, "a2", requests[1].To)
}

func TestManager_FailedDependencyFailsDependents(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{
		Objective:            "x",
		RequiredCapabilities: []string{"sms", "email"},
		Type:                 agent.OrchestrationSequential,
	})
	require.NoError(t, err)
	f.ackAll(t, s)
	tasks := f.session(t, s.ID).Tasks

	f.respond(t, tasks[0], agent.TaskFailed)

	second, err := f.manager.Task(tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, agent.TaskFailed, second.Status)
	assert.Contains(t, second.Error, tasks[0].ID)
	assert.Len(t, f.sender.ofType(messaging.TypeTaskRequest), 1)

	f.manager.Tick(ctx)
	assert.Equal(t, SessionCompleted, f.session(t, s.ID).Status)
}

func TestManager_DelegationPlanAndHandoff(t *testing.T) {
	f := newManagerFixture(t,
		&agent.Agent{ID: "e1", Domain: agent.DomainExecution, Capabilities: []string{"run"}},
		&agent.Agent{ID: "s1", Domain: agent.DomainStrategy, Capabilities: []string{"plan"}},
	)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{
		Objective:            "quarterly plan",
		RequiredCapabilities: []string{"plan", "run"},
		Type:                 agent.OrchestrationDelegation,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "s1"}, s.Participants)
	assert.Equal(t, "s1", s.Coordinator)
	f.ackAll(t, s)

	tasks := f.session(t, s.ID).Tasks
	require.Len(t, tasks, 2)
	sub, synthesis := tasks[0], tasks[1]
	assert.Equal(t, "e1", sub.Owner)
	assert.Equal(t, "s1", sub.AssignedBy)
	assert.Equal(t, "s1", synthesis.Owner)
	assert.Equal(t, []string{sub.ID}, synthesis.Dependencies)

	// 只有子任务被派发，汇总任务等待依赖
	requests := f.sender.ofType(messaging.TypeTaskRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, "e1", requests[0].To)

	// e1 将子任务委派给 s1
	require.NoError(t, f.inspect(t, "e1", messaging.CoordinatorID, &messaging.TaskResponse{
		SessionID:  s.ID,
		TaskID:     sub.ID,
		Status:     agent.TaskDelegated,
		DelegateTo: "s1",
	}))

	moved, err := f.manager.Task(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", moved.Owner)
	assert.Equal(t, "e1", moved.AssignedBy)
	assert.Equal(t, agent.TaskDelegated, moved.Status)
	assert.Contains(t, moved.Collaborators, "e1")
	assert.NotContains(t, moved.Collaborators, "s1")

	e1, err := f.registry.Get("e1")
	require.NoError(t, err)
	assert.NotContains(t, e1.CurrentTasks, sub.ID)
	s1, err := f.registry.Get("s1")
	require.NoError(t, err)
	assert.Contains(t, s1.CurrentTasks, sub.ID)

	requests = f.sender.ofType(messaging.TypeTaskRequest)
	require.Len(t, requests, 2)
	assert.Equal(t, "s1", requests[1].To)

	// 旧 owner 不能再更新任务
	err = f.inspect(t, "e1", messaging.CoordinatorID, &messaging.TaskResponse{SessionID: s.ID, TaskID: sub.ID, Status: agent.TaskCompleted})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	// 委派给会话外的 Agent 被拒绝
	require.NoError(t, f.registry.Register(&agent.Agent{ID: "x1"}))
	err = f.inspect(t, "s1", messaging.CoordinatorID, &messaging.TaskResponse{
		SessionID: s.ID, TaskID: sub.ID, Status: agent.TaskDelegated, DelegateTo: "x1",
	})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestManager_ConsensusDecision(t *testing.T) {
	f := newManagerFixture(t,
		&agent.Agent{ID: "a1", Capabilities: []string{"sms"}, Performance: agent.Performance{CollaborationScore: 0.4}},
		&agent.Agent{ID: "a2", Capabilities: []string{"email"}, Performance: agent.Performance{CollaborationScore: 0.9}},
		&agent.Agent{ID: "a3", Capabilities: []string{"push"}, Performance: agent.Performance{CollaborationScore: 0.9}},
	)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{
		Objective:            "pick channel",
		RequiredCapabilities: []string{"sms", "email", "push"},
		Type:                 agent.OrchestrationConsensus,
	})
	require.NoError(t, err)
	// 得分最高者，平分时按 ID 升序
	assert.Equal(t, "a2", s.Coordinator)
	f.ackAll(t, s)

	got := f.session(t, s.ID)
	require.Len(t, got.Tasks, 3)
	require.Len(t, got.Decisions, 1)
	d := got.Decisions[0]
	assert.Equal(t, MethodMajority, d.Method)

	ballots := f.sender.ofType(messaging.TypeCoordinationRequest)
	require.Len(t, ballots, 3)
	assert.Equal(t, d.ID, ballots[0].Content.(*messaging.CoordinationRequest).DecisionID)

	vote := func(voter, option string) error {
		return f.inspect(t, voter, messaging.CoordinatorID, &messaging.ConflictResolution{
			SessionID: s.ID, DecisionID: d.ID, OptionID: option,
		})
	}
	require.NoError(t, vote("a1", "opt-1"))
	assert.False(t, f.session(t, s.ID).Decisions[0].Resolved())
	require.NoError(t, vote("a3", "opt-1"))

	resolved := f.session(t, s.ID).Decisions[0]
	assert.Equal(t, "opt-1", resolved.Consensus)
	require.NotNil(t, resolved.ResolvedAt)

	err = vote("a2", "opt-2")
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
}

func TestManager_ProposeDecisionWeighted(t *testing.T) {
	f := newManagerFixture(t,
		&agent.Agent{ID: "a1", Capabilities: []string{"sms"}, Performance: agent.Performance{CollaborationScore: 0.9}},
		&agent.Agent{ID: "a2", Capabilities: []string{"email"}, Performance: agent.Performance{CollaborationScore: 0.1}},
	)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)

	_, err = f.manager.ProposeDecision(ctx, s.ID, "a1", "q?", []string{"yes", "no"}, MethodWeighted)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition), "planning sessions take no decisions")

	f.ackAll(t, s)
	_, err = f.manager.ProposeDecision(ctx, s.ID, "outsider", "q?", []string{"yes", "no"}, MethodWeighted)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	d, err := f.manager.ProposeDecision(ctx, s.ID, "a2", "q?", []string{"yes", "no"}, MethodWeighted)
	require.NoError(t, err)

	// a1 权重 0.9 > 总权重一半
	require.NoError(t, f.manager.Vote(ctx, s.ID, d.ID, "a1", "opt-2"))
	got := f.session(t, s.ID)
	decision, ok := got.Decision(d.ID)
	require.True(t, ok)
	assert.Equal(t, "opt-2", decision.Consensus)

	err = f.manager.Vote(ctx, s.ID, "missing", "a1", "opt-1")
	assert.True(t, types.IsCode(err, types.ErrDecisionNotFound))
}

func TestManager_AgentProposesViaCoordinationRequest(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)
	f.ackAll(t, s)

	req := &messaging.CoordinationRequest{SessionID: s.ID, Question: "which day?", Options: []string{"mon", "tue"}}
	require.NoError(t, f.inspect(t, "a2", messaging.BroadcastID, req))
	assert.NotEmpty(t, req.DecisionID)

	d, ok := f.session(t, s.ID).Decision(req.DecisionID)
	require.True(t, ok)
	assert.Equal(t, "a2", d.Options[0].ProposedBy)
}

func TestManager_AgentTaskRequest(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)

	req := &messaging.TaskRequest{SessionID: s.ID, TaskType: "review", Description: "review copy"}
	err = f.inspect(t, "a1", "a2", req)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition), "session still planning")

	f.ackAll(t, s)
	require.NoError(t, f.inspect(t, "a1", "a2", req))
	require.NotEmpty(t, req.TaskID)

	task, err := f.manager.Task(req.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "a2", task.Owner)
	assert.Equal(t, "a1", task.AssignedBy)
	assert.Equal(t, agent.TaskPending, task.Status)
	assert.Len(t, f.session(t, s.ID).Tasks, 3)

	// 独立任务（无会话）只要求双方已注册
	standalone := &messaging.TaskRequest{TaskType: "ping", Description: "ping"}
	require.NoError(t, f.inspect(t, "a2", "a1", standalone))
	err = f.inspect(t, "a2", "ghost", &messaging.TaskRequest{TaskType: "ping", Description: "ping"})
	assert.True(t, types.IsCode(err, types.ErrAgentNotFound))
}

func TestManager_DroppedTaskRequestFailsTask(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms"}})
	require.NoError(t, err)
	f.ackAll(t, s)

	requests := f.sender.ofType(messaging.TypeTaskRequest)
	require.Len(t, requests, 1)
	f.manager.Dropped(ctx, requests[0], types.NewError(types.ErrAgentNotFound, "offline"))

	task, err := f.manager.Task(requests[0].Content.(*messaging.TaskRequest).TaskID)
	require.NoError(t, err)
	assert.Equal(t, agent.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "undeliverable")
}

func TestManager_DroppedInviteFailsSession(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)

	invites := f.sender.ofType(messaging.TypeCollaborationInvite)
	f.manager.Dropped(ctx, invites[1], errors.New("no inbox"))

	assert.Equal(t, SessionFailed, f.session(t, s.ID).Status)
	assert.Equal(t, agent.StatusActive, f.status(t, "a1"))
}

func TestManager_AgentOfflineFailsOwnedTasks(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms", "email"}})
	require.NoError(t, err)
	f.ackAll(t, s)

	f.manager.AgentOffline(ctx, "a2")
	for _, task := range f.session(t, s.ID).Tasks {
		if task.Owner == "a2" {
			assert.Equal(t, agent.TaskFailed, task.Status)
			assert.Equal(t, "owner went offline", task.Error)
		} else {
			assert.Equal(t, agent.TaskPending, task.Status)
		}
	}
}

func TestManager_SessionDeadline(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	deadline := baseTime.Add(10 * time.Minute)
	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms"}, Deadline: &deadline})
	require.NoError(t, err)
	f.ackAll(t, s)
	require.NotNil(t, f.session(t, s.ID).Tasks[0].Deadline)

	f.clock.Advance(11 * time.Minute)
	report := f.manager.Tick(ctx)
	assert.Equal(t, []string{s.ID}, report.Completed)

	got := f.session(t, s.ID)
	assert.Equal(t, SessionCompleted, got.Status)
	assert.Equal(t, 1, got.Results.TasksFailed)
}

func TestManager_StatusUpdateAndHeartbeat(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms"}})
	require.NoError(t, err)

	// 会话期间保持 collaborating
	require.NoError(t, f.inspect(t, "a1", messaging.BroadcastID, &messaging.StatusUpdate{
		Status:      agent.StatusIdle,
		Performance: &agent.PerformanceDelta{TasksCompleted: 3, TasksSuccessful: 2},
	}))
	a1, err := f.registry.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCollaborating, a1.Status)
	assert.Equal(t, 3, a1.Performance.TasksCompleted)
	assert.Equal(t, 2, a1.Performance.TasksSuccessful)

	require.NoError(t, f.inspect(t, "a1", messaging.BroadcastID, &messaging.StatusUpdate{Status: agent.StatusError}))
	assert.Equal(t, agent.StatusError, f.status(t, "a1"))

	err = f.inspect(t, "a2", messaging.BroadcastID, &messaging.StatusUpdate{Status: agent.StatusCollaborating})
	assert.True(t, types.IsCode(err, types.ErrInvalidMessage))

	require.NoError(t, f.manager.Abort(ctx, s.ID, ""))

	// 心跳使离线 Agent 立即恢复
	_, err = f.registry.SetStatus("a2", agent.StatusOffline)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.inspect(t, "a2", messaging.BroadcastID, &messaging.Heartbeat{}))
	a2, err := f.registry.Get("a2")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, a2.Status)
	assert.Equal(t, baseTime.Add(time.Minute), a2.LastHeartbeat)

	err = f.inspect(t, "ghost", messaging.BroadcastID, &messaging.Heartbeat{})
	assert.True(t, types.IsCode(err, types.ErrAgentNotFound))
}

func TestManager_EmergencyRaisesError(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)

	require.NoError(t, f.inspect(t, "a1", messaging.BroadcastID, &messaging.Emergency{Reason: "provider down"}))
	require.Len(t, f.events.errs, 1)
	ec := f.events.errs[0]
	assert.Equal(t, types.ErrEmergency, ec.Code)
	assert.Equal(t, "a1", ec.AgentID)
	assert.Equal(t, "provider down", ec.Message)
}

func TestManager_InviteFromAgentRejected(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)

	err := f.inspect(t, "a1", "a2", &messaging.CollaborationInvite{SessionID: "s"})
	assert.True(t, types.IsCode(err, types.ErrInvalidMessage))
}

func TestManager_PruneTasks(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	s, err := f.manager.Create(ctx, Request{Objective: "x", RequiredCapabilities: []string{"sms"}})
	require.NoError(t, err)
	f.ackAll(t, s)
	task := f.session(t, s.ID).Tasks[0]
	f.respond(t, task, agent.TaskCompleted)

	// 会话未结束时不清理
	assert.Zero(t, f.manager.PruneTasks(baseTime.Add(time.Hour)))

	f.manager.Tick(ctx)
	assert.Zero(t, f.manager.PruneTasks(baseTime), "cutoff before completion")
	assert.Equal(t, 1, f.manager.PruneTasks(baseTime.Add(time.Hour)))

	_, err = f.manager.Task(task.ID)
	assert.True(t, types.IsCode(err, types.ErrTaskNotFound))
	a1, err := f.registry.Get("a1")
	require.NoError(t, err)
	assert.Empty(t, a1.CurrentTasks)

	// 已清理任务仍保留在会话记录中
	assert.Len(t, f.session(t, s.ID).Tasks, 1)
}

func TestManager_Reads(t *testing.T) {
	f := newManagerFixture(t, smsEmailAgents()...)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, Request{Objective: "first", RequiredCapabilities: []string{"sms"}})
	require.NoError(t, err)
	second, err := f.manager.Create(ctx, Request{Objective: "second", RequiredCapabilities: []string{"email"}})
	require.NoError(t, err)
	require.NoError(t, f.manager.Abort(ctx, first.ID, ""))

	all := f.manager.Sessions(nil)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	active := f.manager.Active()
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	counts := f.manager.CountByStatus()
	assert.Equal(t, 1, counts[SessionFailed])
	assert.Equal(t, 1, counts[SessionPlanning])

	// 返回副本
	active[0].Status = SessionCompleted
	assert.Equal(t, SessionPlanning, f.session(t, second.ID).Status)

	_, err = f.manager.Session("missing")
	assert.True(t, types.IsCode(err, types.ErrSessionNotFound))
}
