package discovery

import (
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"go.uber.org/zap"
)

// OfflineHandler receives a copy of every agent the health monitor takes offline.
type OfflineHandler func(a *agent.Agent)

// HealthMonitor detects stale heartbeats and moves agents to offline.
// It does not own a loop; the coordinator drives Sweep from its health tick.
type HealthMonitor struct {
	registry  *Registry
	threshold time.Duration
	onOffline OfflineHandler
	pinned    func(agentID string) bool
	logger    *zap.Logger
}

// HealthMonitorConfig holds configuration for the health monitor.
type HealthMonitorConfig struct {
	// Threshold is the heartbeat age after which an agent is considered stale.
	Threshold time.Duration

	// OnOffline is invoked once per offline transition.
	OnOffline OfflineHandler

	// Pinned, when set, exempts agents for which it returns true.
	Pinned func(agentID string) bool
}

// NewHealthMonitor creates a health monitor over registry.
func NewHealthMonitor(registry *Registry, config HealthMonitorConfig, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Threshold <= 0 {
		config.Threshold = 60 * time.Second
	}
	return &HealthMonitor{
		registry:  registry,
		threshold: config.Threshold,
		onOffline: config.OnOffline,
		pinned:    config.Pinned,
		logger:    logger.With(zap.String("component", "health_monitor")),
	}
}

// Threshold returns the configured staleness threshold.
func (h *HealthMonitor) Threshold() time.Duration {
	return h.threshold
}

// Sweep marks every non-offline agent whose heartbeat is older than the
// threshold as offline and returns the IDs that transitioned. Running it twice
// with the same clock is a no-op the second time.
func (h *HealthMonitor) Sweep(now time.Time) []string {
	return h.SweepWithThreshold(now, h.threshold)
}

// SweepWithThreshold is Sweep with an explicit threshold.
func (h *HealthMonitor) SweepWithThreshold(now time.Time, threshold time.Duration) []string {
	stale := func(a *agent.Agent) bool {
		return a.Status != agent.StatusOffline && now.Sub(a.LastHeartbeat) > threshold
	}

	// Pin checks call into other components, so they run without the registry lock.
	candidates := h.registry.List(stale)
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if h.pinned == nil || !h.pinned(c.ID) {
			ids = append(ids, c.ID)
		}
	}

	var transitioned []*agent.Agent
	h.registry.mu.Lock()
	for _, id := range ids {
		a, ok := h.registry.agents[id]
		if !ok || !stale(a) {
			continue
		}
		a.Status = agent.StatusOffline
		transitioned = append(transitioned, a.Clone())
	}
	h.registry.mu.Unlock()

	offline := make([]string, 0, len(transitioned))
	for _, a := range transitioned {
		offline = append(offline, a.ID)
		h.logger.Warn("agent heartbeat stale, marking offline",
			zap.String("agent_id", a.ID),
			zap.Duration("heartbeat_age", now.Sub(a.LastHeartbeat)),
			zap.Duration("threshold", threshold),
		)
		if h.onOffline != nil {
			h.onOffline(a)
		}
	}
	return offline
}
