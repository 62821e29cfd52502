package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/messaging"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval keeps simulated agents well inside the default
// 60s health threshold.
const DefaultHeartbeatInterval = 15 * time.Second

// Registrar registers agents with their inbox; *collaboration.Coordinator
// satisfies it.
type Registrar interface {
	Sender
	RegisterAgent(a *agent.Agent, h messaging.Handler) error
}

// Spec describes one simulated agent.
type Spec struct {
	ID             string       `yaml:"id" json:"id"`
	Name           string       `yaml:"name" json:"name"`
	Domain         agent.Domain `yaml:"domain" json:"domain"`
	Capabilities   []string     `yaml:"capabilities" json:"capabilities"`
	Specialization []string     `yaml:"specialization" json:"specialization"`
}

// Fleet owns a set of simulated agents and heartbeats them.
type Fleet struct {
	registrar Registrar
	behavior  Behavior
	interval  time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewFleet creates an empty fleet. interval <= 0 uses DefaultHeartbeatInterval.
func NewFleet(registrar Registrar, behavior Behavior, interval time.Duration, logger *zap.Logger) *Fleet {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Fleet{
		registrar: registrar,
		behavior:  behavior,
		interval:  interval,
		logger:    logger.With(zap.String("component", "sim_fleet")),
		agents:    make(map[string]*Agent),
	}
}

// Spawn registers one simulated agent per spec.
func (f *Fleet) Spawn(specs ...Spec) error {
	for _, spec := range specs {
		a := NewAgent(spec.ID, f.registrar, f.behavior, f.logger)
		err := f.registrar.RegisterAgent(&agent.Agent{
			ID:             spec.ID,
			Name:           spec.Name,
			Domain:         spec.Domain,
			Capabilities:   slices.Clone(spec.Capabilities),
			Specialization: slices.Clone(spec.Specialization),
		}, a)
		if err != nil {
			return fmt.Errorf("spawn simulated agent %s: %w", spec.ID, err)
		}

		f.mu.Lock()
		f.agents[spec.ID] = a
		f.mu.Unlock()

		f.logger.Info("simulated agent spawned",
			zap.String("agent_id", spec.ID),
			zap.Strings("capabilities", spec.Capabilities),
		)
	}
	return nil
}

// Agent returns the simulated agent with the given ID.
func (f *Fleet) Agent(id string) (*Agent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.agents[id]
	return a, ok
}

// IDs returns the fleet's agent IDs in ascending order.
func (f *Fleet) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.agents))
	for id := range f.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Beat sends one heartbeat per agent to the coordinator. Failures are
// joined; one agent's failure does not stop the others.
func (f *Fleet) Beat(ctx context.Context) error {
	var errs []error
	for _, id := range f.IDs() {
		if err := f.registrar.SendMessage(ctx, messaging.New(id, messaging.CoordinatorID, &messaging.Heartbeat{})); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Run heartbeats on the fleet interval until ctx is done.
func (f *Fleet) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Beat(ctx); err != nil {
				f.logger.Warn("heartbeat round incomplete", zap.Error(err))
			}
		}
	}
}

// Stats returns per-agent counters.
func (f *Fleet) Stats() map[string]Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Stats, len(f.agents))
	for id, a := range f.agents {
		out[id] = a.Stats()
	}
	return out
}

// DefaultSpecs returns a small marketing-operations fleet that covers one
// agent per domain used by coordinator selection.
func DefaultSpecs() []Spec {
	return []Spec{
		{ID: "strategist", Name: "Strategist", Domain: agent.DomainStrategy, Capabilities: []string{"planning", "budgeting"}},
		{ID: "analyst", Name: "Analyst", Domain: agent.DomainAnalytics, Capabilities: []string{"reporting", "segmentation"}, Specialization: []string{"attribution"}},
		{ID: "messenger", Name: "Messenger", Domain: agent.DomainCommunication, Capabilities: []string{"email", "sms"}},
		{ID: "writer", Name: "Writer", Domain: agent.DomainContent, Capabilities: []string{"copywriting", "localization"}},
		{ID: "operator", Name: "Operator", Domain: agent.DomainExecution, Capabilities: []string{"scheduling", "publishing"}},
	}
}
