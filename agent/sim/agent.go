package sim

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/messaging"
	"go.uber.org/zap"
)

// Sender enqueues messages; *collaboration.Coordinator satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, msg *messaging.Message) error
}

// Behavior 模拟 Agent 的行为参数
type Behavior struct {
	// SuccessRate is the probability that a task completes rather than fails.
	SuccessRate float64 `yaml:"success_rate" json:"success_rate" env:"SUCCESS_RATE"`

	// DeclineRate is the probability that an invite is declined.
	DeclineRate float64 `yaml:"decline_rate" json:"decline_rate" env:"DECLINE_RATE"`

	// Seed makes outcomes reproducible. Each agent mixes its ID into the seed.
	Seed int64 `yaml:"seed" json:"seed" env:"SEED"`
}

// DefaultBehavior returns a mostly reliable agent.
func DefaultBehavior() Behavior {
	return Behavior{SuccessRate: 0.9, Seed: 1}
}

// Stats counts what a simulated agent has done.
type Stats struct {
	Invites   int64 `json:"invites"`
	Declined  int64 `json:"declined"`
	Tasks     int64 `json:"tasks"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Votes     int64 `json:"votes"`
}

// Agent is a messaging.Handler that plays a cooperative worker: it answers
// invites, works every task request it receives and votes on ballots.
type Agent struct {
	id       string
	sender   Sender
	behavior Behavior
	logger   *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	invites   atomic.Int64
	declined  atomic.Int64
	tasks     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	votes     atomic.Int64
}

// NewAgent creates a simulated agent that replies through sender.
func NewAgent(id string, sender Sender, behavior Behavior, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))

	return &Agent{
		id:       id,
		sender:   sender,
		behavior: behavior,
		logger:   logger.With(zap.String("component", "sim_agent"), zap.String("agent_id", id)),
		rng:      rand.New(rand.NewSource(behavior.Seed ^ int64(h.Sum64()))),
	}
}

// ID returns the agent ID.
func (a *Agent) ID() string {
	return a.id
}

func (a *Agent) roll(p float64) bool {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return a.rng.Float64() < p
}

// HandleMessage implements messaging.Handler.
func (a *Agent) HandleMessage(ctx context.Context, msg *messaging.Message) error {
	switch p := msg.Content.(type) {
	case *messaging.CollaborationInvite:
		return a.answerInvite(ctx, p)
	case *messaging.TaskRequest:
		return a.work(ctx, msg, p)
	case *messaging.CoordinationRequest:
		if p.DecisionID == "" || len(p.Options) == 0 {
			return nil
		}
		return a.vote(ctx, p)
	}
	return nil
}

func (a *Agent) answerInvite(ctx context.Context, invite *messaging.CollaborationInvite) error {
	a.invites.Add(1)
	accepted := !a.roll(a.behavior.DeclineRate)
	if !accepted {
		a.declined.Add(1)
	}
	a.logger.Debug("answering invite",
		zap.String("session_id", invite.SessionID),
		zap.Bool("accepted", accepted),
	)
	return a.sender.SendMessage(ctx, messaging.New(a.id, messaging.CoordinatorID, &messaging.TaskResponse{
		SessionID: invite.SessionID,
		Accepted:  accepted,
	}).WithConversation(invite.SessionID))
}

// work reports in_progress and then the outcome in the same handler call;
// both land in the next drain cycle in order.
func (a *Agent) work(ctx context.Context, msg *messaging.Message, req *messaging.TaskRequest) error {
	a.tasks.Add(1)
	reply := func(resp *messaging.TaskResponse) error {
		resp.SessionID = req.SessionID
		resp.TaskID = req.TaskID
		out := messaging.New(a.id, msg.From, resp).WithConversation(msg.ConversationID)
		return a.sender.SendMessage(ctx, out)
	}

	if err := reply(&messaging.TaskResponse{Status: agent.TaskInProgress}); err != nil {
		return err
	}

	if a.roll(a.behavior.SuccessRate) {
		a.completed.Add(1)
		return reply(&messaging.TaskResponse{
			Status: agent.TaskCompleted,
			Result: &agent.TaskResult{
				Summary: "simulated: " + req.Description,
				Metrics: map[string]float64{"simulated_tasks": 1},
			},
		})
	}
	a.failed.Add(1)
	return reply(&messaging.TaskResponse{
		Status: agent.TaskFailed,
		Error:  "simulated failure",
	})
}

func (a *Agent) vote(ctx context.Context, ballot *messaging.CoordinationRequest) error {
	a.votes.Add(1)
	// 始终支持第一个选项，使共识可预测
	return a.sender.SendMessage(ctx, messaging.New(a.id, messaging.CoordinatorID, &messaging.ConflictResolution{
		SessionID:  ballot.SessionID,
		DecisionID: ballot.DecisionID,
		OptionID:   "opt-1",
		Rationale:  "simulated agent backs the first option",
	}).WithConversation(ballot.SessionID))
}

// Stats returns the agent's counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Invites:   a.invites.Load(),
		Declined:  a.declined.Load(),
		Tasks:     a.tasks.Load(),
		Completed: a.completed.Load(),
		Failed:    a.failed.Load(),
		Votes:     a.votes.Load(),
	}
}
