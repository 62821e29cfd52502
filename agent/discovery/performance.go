package discovery

import (
	"math"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"go.uber.org/zap"
)

const (
	// DefaultScoreAlpha is the EMA weight given to the newest success rate.
	DefaultScoreAlpha = 0.2
	// DefaultPerformanceWindow bounds the tasks considered by Recompute.
	DefaultPerformanceWindow = 24 * time.Hour
)

// PerformanceConfig configures the performance tracker.
type PerformanceConfig struct {
	Alpha  float64
	Window time.Duration
}

// WindowStats summarizes the tasks of one agent inside the trailing window.
// Total and SpecialtyTotal count every task started in the window, finished
// or not; the Newly* counters only see terminal tasks.
type WindowStats struct {
	Total          int
	Completed      int
	NewlyTerminal  int // terminal since the previous update
	NewlySucceeded int

	SpecialtyTotal     int
	SpecialtyCompleted int
}

// SuccessRate returns Completed/Total, or false when the window is empty.
func (s WindowStats) SuccessRate() (float64, bool) {
	if s.Total == 0 {
		return 0, false
	}
	return float64(s.Completed) / float64(s.Total), true
}

// PerformanceTracker maintains the rolling collaboration score of agents.
// Recompute calls are serialized; one tracker never runs concurrently with
// itself.
type PerformanceTracker struct {
	mu     sync.Mutex
	alpha  float64
	window time.Duration
	logger *zap.Logger
}

// NewPerformanceTracker creates a tracker. Zero config values fall back to
// DefaultScoreAlpha and DefaultPerformanceWindow.
func NewPerformanceTracker(config PerformanceConfig, logger *zap.Logger) *PerformanceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = DefaultScoreAlpha
	}
	if config.Window <= 0 {
		config.Window = DefaultPerformanceWindow
	}
	return &PerformanceTracker{
		alpha:  config.Alpha,
		window: config.Window,
		logger: logger.With(zap.String("component", "performance_tracker")),
	}
}

// Window returns the trailing window length.
func (p *PerformanceTracker) Window() time.Duration {
	return p.window
}

// Stats classifies tasks against the window ending at now. Tasks finished
// after a.Performance.LastUpdate count as new.
func (p *PerformanceTracker) Stats(a *agent.Agent, tasks []*agent.Task, now time.Time) WindowStats {
	var stats WindowStats
	cutoff := now.Add(-p.window)
	matchable := a.Matchable()
	since := a.Performance.LastUpdate

	for _, t := range tasks {
		if t == nil || t.StartedAt.IsZero() || t.StartedAt.Before(cutoff) {
			continue
		}
		ok := t.Status == agent.TaskCompleted
		stats.Total++
		if ok {
			stats.Completed++
		}
		if _, special := matchable[t.Type]; special {
			stats.SpecialtyTotal++
			if ok {
				stats.SpecialtyCompleted++
			}
		}
		if !t.Terminal() || t.CompletedAt == nil || !t.CompletedAt.After(since) {
			continue
		}
		stats.NewlyTerminal++
		if ok {
			stats.NewlySucceeded++
		}
	}
	return stats
}

// Recompute updates a's performance from its window tasks and returns the
// new value. The agent record is modified in place; callers pass the stored
// record from inside Registry.Update.
func (p *PerformanceTracker) Recompute(a *agent.Agent, tasks []*agent.Task, now time.Time) agent.Performance {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.Stats(a, tasks, now)
	perf := a.Performance

	if rate, ok := stats.SuccessRate(); ok {
		perf.CollaborationScore = p.ema(perf.CollaborationScore, rate)
	}
	if stats.SpecialtyTotal > 0 {
		rate := float64(stats.SpecialtyCompleted) / float64(stats.SpecialtyTotal)
		perf.SpecialtyEfficiency = p.ema(perf.SpecialtyEfficiency, rate)
	}
	perf.TasksCompleted += stats.NewlyTerminal
	perf.TasksSuccessful += stats.NewlySucceeded
	perf.LastUpdate = now

	if perf.CollaborationScore != a.Performance.CollaborationScore {
		p.logger.Debug("collaboration score updated",
			zap.String("agent_id", a.ID),
			zap.Float64("old_score", a.Performance.CollaborationScore),
			zap.Float64("new_score", perf.CollaborationScore),
			zap.Int("window_tasks", stats.Total),
		)
	}

	a.Performance = perf
	return perf
}

// ApplyDelta adds counters reported by the agent itself (work done outside
// the coordinator's task table). LastUpdate is left to Recompute so window
// accounting is not shifted. Successful never exceeds completed.
func ApplyDelta(perf *agent.Performance, delta agent.PerformanceDelta) {
	if delta.TasksCompleted > 0 {
		perf.TasksCompleted += delta.TasksCompleted
	}
	if delta.TasksSuccessful > 0 {
		perf.TasksSuccessful += delta.TasksSuccessful
	}
	if perf.TasksSuccessful > perf.TasksCompleted {
		perf.TasksSuccessful = perf.TasksCompleted
	}
}

func (p *PerformanceTracker) ema(previous, sample float64) float64 {
	return clamp01((1-p.alpha)*previous + p.alpha*sample)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
