// Package discovery tracks the agents known to the coordination core and
// decides which of them take part in collaborative work.
//
// The package implements four cooperating pieces:
//   - Registry: in-memory agent store with clone-on-read and last-writer-wins registration
//   - HealthMonitor: moves agents with stale heartbeats to offline
//   - Selector: greedy set cover of a requirement set, plus coordinator choice
//   - PerformanceTracker: EMA collaboration score over a trailing task window
//
// # Basic Usage
//
//	registry := discovery.NewRegistry(logger)
//	_ = registry.Register(&agent.Agent{
//	    ID:           "sms-1",
//	    Domain:       agent.DomainCommunication,
//	    Capabilities: []string{"sms", "email"},
//	})
//
//	selector := discovery.NewSelector(registry, discovery.OrderByID, logger)
//	agents, err := selector.Select([]string{"sms", "segmentation"})
//	if types.IsCode(err, types.ErrNoSuitableAgents) {
//	    // partial coverage is a failure
//	}
//
// # Selection
//
// Candidates are agents whose status is active or idle, visited in ascending
// ID order (or by descending collaboration score with OrderByScore). Each
// candidate whose capabilities ∪ specialization intersects the remaining
// requirements is selected and the matched requirements are removed. The
// scan stops once nothing is left.
//
// ChooseCoordinator applies the orchestration policy:
//
//   - consensus: highest collaboration score, ties by ascending ID
//   - delegation: first participant in the domain priority list strategy,
//     communication, execution; otherwise the first participant
//   - parallel, sequential: first participant
//
// # Health
//
//	monitor := discovery.NewHealthMonitor(registry, discovery.HealthMonitorConfig{
//	    Threshold: 60 * time.Second,
//	    OnOffline: func(a *agent.Agent) { log.Printf("%s offline", a.ID) },
//	}, logger)
//	monitor.Sweep(time.Now())
//
// Sweep is idempotent. An agent leaves offline only through
// Registry.UpdateHeartbeat.
//
// # Performance
//
// PerformanceTracker.Recompute folds the success rate of the agent's terminal
// tasks started within the window into CollaborationScore with
// score = (1-α)·previous + α·rate, α = 0.2 by default. An empty window keeps
// the previous score.
package discovery
