package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/agent/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRegistrar 记录注册和发送的消息
type fakeRegistrar struct {
	mu         sync.Mutex
	registered map[string]messaging.Handler
	sent       []*messaging.Message
	failFor    string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: map[string]messaging.Handler{}}
}

func (r *fakeRegistrar) RegisterAgent(a *agent.Agent, h messaging.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[a.ID] = h
	return nil
}

func (r *fakeRegistrar) SendMessage(_ context.Context, msg *messaging.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.From == r.failFor {
		return errors.New("queue full")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRegistrar) messages() []*messaging.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*messaging.Message(nil), r.sent...)
}

func TestAgent_AnswersInvite(t *testing.T) {
	r := newFakeRegistrar()
	a := NewAgent("a1", r, Behavior{SuccessRate: 1}, zaptest.NewLogger(t))

	invite := messaging.New(messaging.CoordinatorID, "a1", &messaging.CollaborationInvite{SessionID: "s1"})
	require.NoError(t, a.HandleMessage(context.Background(), invite))

	sent := r.messages()
	require.Len(t, sent, 1)
	resp := sent[0].Content.(*messaging.TaskResponse)
	assert.True(t, resp.IsInviteAck())
	assert.True(t, resp.Accepted)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, messaging.CoordinatorID, sent[0].To)
	assert.Equal(t, int64(1), a.Stats().Invites)
}

func TestAgent_DeclinesWhenConfigured(t *testing.T) {
	r := newFakeRegistrar()
	a := NewAgent("a1", r, Behavior{DeclineRate: 1}, nil)

	require.NoError(t, a.HandleMessage(context.Background(), messaging.New(messaging.CoordinatorID, "a1", &messaging.CollaborationInvite{SessionID: "s1"})))
	assert.False(t, r.messages()[0].Content.(*messaging.TaskResponse).Accepted)
	assert.Equal(t, int64(1), a.Stats().Declined)
}

func TestAgent_WorksTasks(t *testing.T) {
	tests := []struct {
		name        string
		successRate float64
		want        agent.TaskStatus
	}{
		{name: "always succeeds", successRate: 1, want: agent.TaskCompleted},
		{name: "always fails", successRate: 0, want: agent.TaskFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRegistrar()
			a := NewAgent("a1", r, Behavior{SuccessRate: tt.successRate}, nil)

			req := messaging.New(messaging.CoordinatorID, "a1", &messaging.TaskRequest{TaskID: "t1", SessionID: "s1", TaskType: "sms"}).
				WithConversation("s1")
			require.NoError(t, a.HandleMessage(context.Background(), req))

			sent := r.messages()
			require.Len(t, sent, 2)
			first := sent[0].Content.(*messaging.TaskResponse)
			second := sent[1].Content.(*messaging.TaskResponse)
			assert.Equal(t, agent.TaskInProgress, first.Status)
			assert.Equal(t, tt.want, second.Status)
			assert.Equal(t, "t1", second.TaskID)
			assert.Equal(t, "s1", sent[1].ConversationID)
		})
	}
}

func TestAgent_SeededOutcomesAreReproducible(t *testing.T) {
	run := func() []agent.TaskStatus {
		r := newFakeRegistrar()
		a := NewAgent("a1", r, Behavior{SuccessRate: 0.5, Seed: 42}, nil)
		for range 20 {
			require.NoError(t, a.HandleMessage(context.Background(),
				messaging.New(messaging.CoordinatorID, "a1", &messaging.TaskRequest{TaskID: "t", TaskType: "x"})))
		}
		var out []agent.TaskStatus
		for _, m := range r.messages() {
			if s := m.Content.(*messaging.TaskResponse).Status; s.Terminal() {
				out = append(out, s)
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestAgent_VotesOnBallots(t *testing.T) {
	r := newFakeRegistrar()
	a := NewAgent("a1", r, DefaultBehavior(), nil)

	// 没有 DecisionID 的提议不是选票
	require.NoError(t, a.HandleMessage(context.Background(), messaging.New("a2", "a1", &messaging.CoordinationRequest{SessionID: "s1", Options: []string{"x", "y"}})))
	assert.Empty(t, r.messages())

	require.NoError(t, a.HandleMessage(context.Background(), messaging.New(messaging.CoordinatorID, "a1", &messaging.CoordinationRequest{
		SessionID: "s1", DecisionID: "d1", Options: []string{"x", "y"},
	})))
	sent := r.messages()
	require.Len(t, sent, 1)
	vote := sent[0].Content.(*messaging.ConflictResolution)
	assert.Equal(t, "d1", vote.DecisionID)
	assert.Equal(t, "opt-1", vote.OptionID)
}

func TestFleet_SpawnAndBeat(t *testing.T) {
	r := newFakeRegistrar()
	f := NewFleet(r, DefaultBehavior(), 0, zaptest.NewLogger(t))
	require.NoError(t, f.Spawn(DefaultSpecs()...))

	assert.Len(t, r.registered, len(DefaultSpecs()))
	assert.Equal(t, []string{"analyst", "messenger", "operator", "strategist", "writer"}, f.IDs())
	_, ok := f.Agent("writer")
	assert.True(t, ok)

	r.failFor = "writer"
	err := f.Beat(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "writer")

	beats := r.messages()
	assert.Len(t, beats, 4)
	for _, m := range beats {
		assert.Equal(t, messaging.TypeHeartbeat, m.Type)
		assert.Equal(t, messaging.CoordinatorID, m.To)
	}
}

func TestFleet_BeatReachesCoordinatorOnly(t *testing.T) {
	ctx := context.Background()
	c := collaboration.New(collaboration.DefaultConfig(), zaptest.NewLogger(t))
	f := NewFleet(c, DefaultBehavior(), 0, nil)
	require.NoError(t, f.Spawn(DefaultSpecs()...))

	require.NoError(t, f.Beat(ctx))
	report := c.DrainMessages(ctx)
	assert.Equal(t, len(DefaultSpecs()), report.Messages)
	assert.Zero(t, report.Deliveries, "no agent handler sees another agent's heartbeat")
	assert.Zero(t, report.Dropped)

	assert.Len(t, c.History("writer_"+messaging.CoordinatorID), 1)
	assert.Empty(t, c.History("writer_"+messaging.BroadcastID))
	for _, a := range c.Agents() {
		assert.Equal(t, agent.StatusActive, a.Status, a.ID)
		assert.False(t, a.LastHeartbeat.IsZero(), a.ID)
	}
}

func TestFleet_RunStopsOnCancel(t *testing.T) {
	r := newFakeRegistrar()
	f := NewFleet(r, DefaultBehavior(), 5*time.Millisecond, nil)
	require.NoError(t, f.Spawn(Spec{ID: "a1"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.messages()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("fleet did not stop")
	}
}

func TestFleet_DrivesSessionsToCompletion(t *testing.T) {
	ctx := context.Background()
	c := collaboration.New(collaboration.DefaultConfig(), zaptest.NewLogger(t))
	f := NewFleet(c, Behavior{SuccessRate: 1}, 0, nil)
	require.NoError(t, f.Spawn(DefaultSpecs()...))

	for _, typ := range []agent.OrchestrationType{
		agent.OrchestrationParallel,
		agent.OrchestrationSequential,
		agent.OrchestrationDelegation,
		agent.OrchestrationConsensus,
	} {
		id, err := c.CreateCollaborativeTask(ctx, collaboration.Request{
			Objective:            "spring campaign " + string(typ),
			RequiredCapabilities: []string{"planning", "email", "copywriting"},
			Type:                 typ,
		})
		require.NoError(t, err, typ)

		for range 12 {
			c.DrainMessages(ctx)
			c.ManageSessions(ctx)
		}

		s, err := c.Session(id)
		require.NoError(t, err)
		assert.Equal(t, collaboration.SessionCompleted, s.Status, typ)
		assert.Equal(t, 3, s.Results.TasksCompleted, typ)
		if typ == agent.OrchestrationConsensus {
			require.Len(t, s.Decisions, 1)
			assert.Equal(t, "opt-1", s.Decisions[0].Consensus)
		}
	}

	assert.Empty(t, c.ActiveCollaborations())
	for _, a := range c.Agents() {
		assert.Equal(t, agent.StatusActive, a.Status, a.ID)
	}
}
