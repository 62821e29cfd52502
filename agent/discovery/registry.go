package discovery

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/types"
	"go.uber.org/zap"
)

// Registry is the in-memory store of known agents. All reads return copies;
// mutation happens only through Registry methods so the map stays behind one
// lock.
type Registry struct {
	mu sync.RWMutex

	// agents stores registered agents by ID.
	agents map[string]*agent.Agent

	logger *zap.Logger
	now    func() time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock used for default heartbeats.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		agents: make(map[string]*agent.Agent),
		logger: logger.With(zap.String("component", "agent_registry")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces an agent. Registration is idempotent on ID and the
// last writer wins. Task ownership is carried over when the incoming record
// does not list any tasks, so re-registering a busy agent does not orphan work.
func (r *Registry) Register(a *agent.Agent) error {
	if a == nil {
		return types.NewError(types.ErrInvalidRequest, "agent is nil")
	}
	id := strings.TrimSpace(a.ID)
	if id == "" {
		return types.NewError(types.ErrInvalidRequest, "agent id is empty")
	}
	if a.Domain != "" && !a.Domain.Valid() {
		return types.Errorf(types.ErrInvalidRequest, "agent %s has unknown domain %q", id, a.Domain)
	}

	info := a.Clone()
	info.ID = id
	if info.Name == "" {
		info.Name = id
	}
	if info.Status == "" {
		info.Status = agent.StatusActive
	}
	if info.LastHeartbeat.IsZero() {
		info.LastHeartbeat = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, replaced := r.agents[id]
	if replaced && len(info.CurrentTasks) == 0 {
		info.CurrentTasks = append([]string(nil), existing.CurrentTasks...)
	}
	r.agents[id] = info

	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("domain", string(info.Domain)),
		zap.Int("capabilities", len(info.Capabilities)),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return notFound(id)
	}
	delete(r.agents, id)
	r.logger.Info("agent unregistered", zap.String("agent_id", id))
	return nil
}

// Get returns a copy of the agent with the given ID.
func (r *Registry) Get(id string) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return nil, notFound(id)
	}
	return a.Clone(), nil
}

// List returns copies of every agent accepted by pred (nil accepts all),
// ordered by ascending ID.
func (r *Registry) List(pred func(*agent.Agent) bool) []*agent.Agent {
	r.mu.RLock()
	out := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if pred == nil || pred(a) {
			out = append(out, a.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// UpdateHeartbeat records a heartbeat. An offline agent is restored to active;
// restored reports whether that happened. Heartbeats never move the clock
// backwards.
func (r *Registry) UpdateHeartbeat(id string, at time.Time) (restored bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return false, notFound(id)
	}
	if at.After(a.LastHeartbeat) {
		a.LastHeartbeat = at
	}
	if a.Status == agent.StatusOffline {
		a.Status = agent.StatusActive
		r.logger.Info("agent back online", zap.String("agent_id", id))
		return true, nil
	}
	return false, nil
}

// SetStatus changes an agent's status and returns the previous one.
func (r *Registry) SetStatus(id string, status agent.Status) (agent.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return "", notFound(id)
	}
	old := a.Status
	a.Status = status
	if old != status {
		r.logger.Debug("agent status updated",
			zap.String("agent_id", id),
			zap.String("old_status", string(old)),
			zap.String("new_status", string(status)),
		)
	}
	return old, nil
}

// Update runs fn against the stored agent under the write lock. fn must not
// call back into the registry.
func (r *Registry) Update(id string, fn func(*agent.Agent) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return notFound(id)
	}
	if err := fn(a); err != nil {
		return fmt.Errorf("update agent %s: %w", id, err)
	}
	return nil
}

// Reachable reports whether id is registered and not offline.
func (r *Registry) Reachable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	return ok && a.Status != agent.StatusOffline
}

// ReachableIDs returns the IDs of every non-offline agent in ascending order.
func (r *Registry) ReachableIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id, a := range r.agents {
		if a.Status != agent.StatusOffline {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// CountByStatus returns the number of agents per status.
func (r *Registry) CountByStatus() map[agent.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[agent.Status]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

func notFound(id string) error {
	return types.Errorf(types.ErrAgentNotFound, "agent %s not found", id)
}
