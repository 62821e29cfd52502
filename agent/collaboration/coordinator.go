package collaboration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/discovery"
	"github.com/BaSui01/agentcoord/agent/messaging"
	"github.com/BaSui01/agentcoord/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/BaSui01/agentcoord/agent/collaboration"

// Tick names, used for logs, spans and metrics.
const (
	TickDrain    = "drain"
	TickHealth   = "health"
	TickSessions = "sessions"
	TickOptimize = "optimize"
)

// Config 协调器配置
type Config struct {
	DrainInterval        time.Duration `yaml:"drain_interval" json:"drain_interval" env:"DRAIN_INTERVAL"`
	HealthInterval       time.Duration `yaml:"health_interval" json:"health_interval" env:"HEALTH_INTERVAL"`
	SessionInterval      time.Duration `yaml:"session_interval" json:"session_interval" env:"SESSION_INTERVAL"`
	OptimizationInterval time.Duration `yaml:"optimization_interval" json:"optimization_interval" env:"OPTIMIZATION_INTERVAL"`

	HealthThreshold   time.Duration `yaml:"health_threshold" json:"health_threshold" env:"HEALTH_THRESHOLD"`
	InviteTimeout     time.Duration `yaml:"invite_timeout" json:"invite_timeout" env:"INVITE_TIMEOUT"`
	PerformanceWindow time.Duration `yaml:"performance_window" json:"performance_window" env:"PERFORMANCE_WINDOW"`
	ScoreAlpha        float64       `yaml:"score_alpha" json:"score_alpha" env:"SCORE_ALPHA"`

	SelectionOrder discovery.SelectionOrder `yaml:"selection_order" json:"selection_order" env:"SELECTION_ORDER"`

	// PinCollaborators exempts session participants from the health sweep.
	PinCollaborators bool `yaml:"pin_collaborators" json:"pin_collaborators" env:"PIN_COLLABORATORS"`
	AutoPlan         bool `yaml:"auto_plan" json:"auto_plan" env:"AUTO_PLAN"`

	QueueCapacity int     `yaml:"queue_capacity" json:"queue_capacity" env:"QUEUE_CAPACITY"`
	HistoryLimit  int     `yaml:"history_limit" json:"history_limit" env:"HISTORY_LIMIT"`
	RateLimit     float64 `yaml:"rate_limit" json:"rate_limit" env:"RATE_LIMIT"`
	RateBurst     int     `yaml:"rate_burst" json:"rate_burst" env:"RATE_BURST"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		DrainInterval:        time.Second,
		HealthInterval:       30 * time.Second,
		SessionInterval:      5 * time.Second,
		OptimizationInterval: 60 * time.Second,
		HealthThreshold:      60 * time.Second,
		InviteTimeout:        DefaultInviteTimeout,
		PerformanceWindow:    discovery.DefaultPerformanceWindow,
		ScoreAlpha:           discovery.DefaultScoreAlpha,
		SelectionOrder:       discovery.OrderByID,
		AutoPlan:             true,
		QueueCapacity:        messaging.DefaultQueueCapacity,
		HistoryLimit:         messaging.DefaultHistoryLimit,
	}
}

// Metrics receives coordinator measurements. internal/metrics.Collector
// implements it on Prometheus.
type Metrics interface {
	MessageSent(msgType string)
	MessageDelivered(msgType string)
	MessageDropped(msgType string)
	DeliveryFailed(msgType string)
	QueueDepth(n int)
	SessionsByStatus(counts map[string]int)
	AgentsByStatus(counts map[string]int)
	ErrorRaised(code string)
	TickDuration(tick string, d time.Duration)
	TickSkipped(tick string)
	CollaborationScore(agentID string, score float64)
	ForgetAgent(agentID string)
}

type noopMetrics struct{}

func (noopMetrics) MessageSent(string)                 {}
func (noopMetrics) MessageDelivered(string)            {}
func (noopMetrics) MessageDropped(string)              {}
func (noopMetrics) DeliveryFailed(string)              {}
func (noopMetrics) QueueDepth(int)                     {}
func (noopMetrics) SessionsByStatus(map[string]int)    {}
func (noopMetrics) AgentsByStatus(map[string]int)      {}
func (noopMetrics) ErrorRaised(string)                 {}
func (noopMetrics) TickDuration(string, time.Duration) {}
func (noopMetrics) TickSkipped(string)                 {}
func (noopMetrics) CollaborationScore(string, float64) {}
func (noopMetrics) ForgetAgent(string)                 {}

// Coordinator is the in-process coordination core: it owns the agent
// registry, the message bus, the health monitor, the performance tracker and
// the session manager, and drives them with four periodic ticks.
//
// Ticks are serialized with each other; a tick that is still running when
// its next period fires is skipped. API calls may be made from agent
// handlers during a drain.
type Coordinator struct {
	mu sync.Mutex // serializes ticks

	registry *discovery.Registry
	selector *discovery.Selector
	health   *discovery.HealthMonitor
	tracker  *discovery.PerformanceTracker
	bus      *messaging.Bus
	manager  *Manager

	observers *observerSet
	metrics   Metrics
	tracer    trace.Tracer
	config    Config
	now       func() time.Time
	logger    *zap.Logger

	running map[string]*atomic.Bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopped   atomic.Bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithObserver adds an observer for agentOffline, sessionCompleted and error
// notifications.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers.add(o) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock overrides the clock used by every component.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New creates a coordinator. Zero durations and sizes fall back to
// DefaultConfig; boolean switches are taken as given, so start from
// DefaultConfig to keep AutoPlan on.
func New(config Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = withDefaults(config)

	c := &Coordinator{
		observers: newObserverSet(logger.With(zap.String("component", "observers"))),
		metrics:   noopMetrics{},
		tracer:    otel.Tracer(instrumentationName),
		config:    config,
		now:       time.Now,
		logger:    logger.With(zap.String("component", "coordinator")),
		running: map[string]*atomic.Bool{
			TickDrain:    {},
			TickHealth:   {},
			TickSessions: {},
			TickOptimize: {},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.registry = discovery.NewRegistry(logger, discovery.WithRegistryClock(c.now))
	c.selector = discovery.NewSelector(c.registry, config.SelectionOrder, logger)
	c.tracker = discovery.NewPerformanceTracker(discovery.PerformanceConfig{
		Alpha:  config.ScoreAlpha,
		Window: config.PerformanceWindow,
	}, logger)

	c.bus = messaging.NewBus(c.registry, messaging.BusConfig{
		QueueCapacity: config.QueueCapacity,
		HistoryLimit:  config.HistoryLimit,
		RateLimit:     config.RateLimit,
		RateBurst:     config.RateBurst,
	}, logger,
		messaging.WithBusClock(c.now),
		messaging.WithHooks(messaging.Hooks{
			Inspect:         c.inspect,
			Delivered:       c.delivered,
			Dropped:         c.dropped,
			DeliveryFailure: c.deliveryFailed,
		}),
	)

	c.manager = NewManager(c.registry, c.selector, c.bus, ManagerConfig{
		InviteTimeout: config.InviteTimeout,
		AutoPlan:      config.AutoPlan,
	}, logger,
		WithManagerClock(c.now),
		WithManagerObserver(ObserverFuncs{
			OnAgentOffline:     c.observers.AgentOffline,
			OnSessionCompleted: c.observers.SessionCompleted,
			OnError:            c.raise,
		}),
	)

	healthConfig := discovery.HealthMonitorConfig{
		Threshold: config.HealthThreshold,
		OnOffline: c.agentOffline,
	}
	if config.PinCollaborators {
		healthConfig.Pinned = c.manager.Pinned
	}
	c.health = discovery.NewHealthMonitor(c.registry, healthConfig, logger)

	return c
}

func withDefaults(c Config) Config {
	def := DefaultConfig()
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.SessionInterval <= 0 {
		c.SessionInterval = def.SessionInterval
	}
	if c.OptimizationInterval <= 0 {
		c.OptimizationInterval = def.OptimizationInterval
	}
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = def.HealthThreshold
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = def.InviteTimeout
	}
	if c.PerformanceWindow <= 0 {
		c.PerformanceWindow = def.PerformanceWindow
	}
	if c.ScoreAlpha <= 0 || c.ScoreAlpha > 1 {
		c.ScoreAlpha = def.ScoreAlpha
	}
	if c.SelectionOrder == "" {
		c.SelectionOrder = def.SelectionOrder
	}
	return c
}

// ============================================================================
// Bus hooks
// ============================================================================

func (c *Coordinator) inspect(ctx context.Context, msg *messaging.Message) error {
	return c.manager.Inspect(ctx, msg)
}

func (c *Coordinator) delivered(msg *messaging.Message, _ string) {
	c.metrics.MessageDelivered(string(msg.Type))
}

func (c *Coordinator) dropped(msg *messaging.Message, reason error) {
	c.metrics.MessageDropped(string(msg.Type))
	c.manager.Dropped(context.Background(), msg, reason)

	code := types.GetErrorCode(reason)
	if code == "" {
		code = types.ErrDeliveryFailure
	}
	c.raise(ErrorContext{
		Code:      code,
		Message:   "message dropped",
		AgentID:   msg.To,
		SessionID: msg.ConversationID,
		MessageID: msg.ID,
		Err:       reason,
		Time:      c.now(),
	})
}

func (c *Coordinator) deliveryFailed(msg *messaging.Message, recipient string, err error) {
	c.metrics.DeliveryFailed(string(msg.Type))
	c.raise(ErrorContext{
		Code:      types.ErrDeliveryFailure,
		Message:   "handler failed",
		AgentID:   recipient,
		SessionID: msg.ConversationID,
		MessageID: msg.ID,
		Err:       err,
		Time:      c.now(),
	})
}

func (c *Coordinator) raise(ec ErrorContext) {
	c.metrics.ErrorRaised(string(ec.Code))
	c.observers.Error(ec)
}

func (c *Coordinator) agentOffline(a *agent.Agent) {
	c.observers.AgentOffline(a)
	c.manager.AgentOffline(context.Background(), a.ID)
}

// ============================================================================
// API
// ============================================================================

// Ping reports ErrCoordinatorStopped once Stop has been called.
func (c *Coordinator) Ping() error {
	return c.checkRunning()
}

func (c *Coordinator) checkRunning() error {
	if c.stopped.Load() {
		return types.NewError(types.ErrCoordinatorStopped, "coordinator is stopped")
	}
	return nil
}

// RegisterAgent adds or replaces an agent. h receives the messages delivered
// to the agent; a nil h registers an agent without an inbox.
func (c *Coordinator) RegisterAgent(a *agent.Agent, h messaging.Handler) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	if err := c.registry.Register(a); err != nil {
		return err
	}
	if h != nil {
		c.bus.Subscribe(a.ID, h)
	}
	return nil
}

// UnregisterAgent removes an agent and fails its unfinished session tasks.
func (c *Coordinator) UnregisterAgent(ctx context.Context, id string) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.bus.Unsubscribe(id)
	if err := c.registry.Unregister(id); err != nil {
		return err
	}
	c.manager.AgentOffline(ctx, id)
	c.metrics.ForgetAgent(id)
	return nil
}

// CreateCollaborativeTask selects participants, opens a session and invites
// them. It returns the session ID, or an error carrying ErrNoSuitableAgents
// when the required capabilities cannot be covered.
func (c *Coordinator) CreateCollaborativeTask(ctx context.Context, req Request) (string, error) {
	if err := c.checkRunning(); err != nil {
		return "", err
	}
	ctx, span := c.tracer.Start(ctx, "collaboration.create",
		trace.WithAttributes(
			attribute.String("orchestration", string(req.Type)),
			attribute.StringSlice("required_capabilities", req.RequiredCapabilities),
		))
	defer span.End()

	s, err := c.manager.Create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s != nil {
			return s.ID, err
		}
		return "", err
	}
	span.SetAttributes(attribute.String("session_id", s.ID))
	for range s.Participants {
		c.metrics.MessageSent(string(messaging.TypeCollaborationInvite))
	}
	return s.ID, nil
}

// SendMessage enqueues msg for the next drain cycle.
func (c *Coordinator) SendMessage(ctx context.Context, msg *messaging.Message) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	if err := c.bus.Send(ctx, msg); err != nil {
		return err
	}
	c.metrics.MessageSent(string(msg.Type))
	return nil
}

// AbortSession fails a non-terminal session and releases its participants.
// Aborting a terminal session is a no-op.
func (c *Coordinator) AbortSession(ctx context.Context, sessionID, reason string) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.manager.Abort(ctx, sessionID, reason)
}

// ProposeDecision opens a decision in an active session.
func (c *Coordinator) ProposeDecision(ctx context.Context, sessionID, proposer, question string, options []string, method DecisionMethod) (*Decision, error) {
	if err := c.checkRunning(); err != nil {
		return nil, err
	}
	return c.manager.ProposeDecision(ctx, sessionID, proposer, question, options, method)
}

// Vote casts a participant's vote on a decision.
func (c *Coordinator) Vote(ctx context.Context, sessionID, decisionID, voter, optionID string) error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	return c.manager.Vote(ctx, sessionID, decisionID, voter, optionID)
}

// AgentStatus returns a copy of one agent.
func (c *Coordinator) AgentStatus(id string) (*agent.Agent, error) {
	return c.registry.Get(id)
}

// Agents returns copies of every registered agent, ordered by ID.
func (c *Coordinator) Agents() []*agent.Agent {
	return c.registry.List(nil)
}

// ActiveCollaborations returns the sessions that are planning or active.
func (c *Coordinator) ActiveCollaborations() []*Session {
	return c.manager.Active()
}

// Session returns a copy of any session, including terminal ones.
func (c *Coordinator) Session(id string) (*Session, error) {
	return c.manager.Session(id)
}

// Sessions returns every session in creation order.
func (c *Coordinator) Sessions() []*Session {
	return c.manager.Sessions(nil)
}

// Task returns a copy of a task.
func (c *Coordinator) Task(id string) (*agent.Task, error) {
	return c.manager.Task(id)
}

// AgentPerformance returns the performance of every agent keyed by name.
// Agents without a name are keyed by ID.
func (c *Coordinator) AgentPerformance() map[string]agent.Performance {
	agents := c.registry.List(nil)
	out := make(map[string]agent.Performance, len(agents))
	for _, a := range agents {
		key := a.Name
		if key == "" {
			key = a.ID
		}
		out[key] = a.Performance
	}
	return out
}

// History returns the message history recorded under a conversation ID or
// a From_To key.
func (c *Coordinator) History(key string) []*messaging.Message {
	return c.bus.History(key)
}

// Pending returns the number of queued messages.
func (c *Coordinator) Pending() int {
	return c.bus.Pending()
}

// ============================================================================
// Ticks
// ============================================================================

// runTick runs fn under the tick lock unless the same tick is already in
// flight, in which case it is skipped and false is returned.
func (c *Coordinator) runTick(ctx context.Context, name string, fn func(ctx context.Context, now time.Time)) bool {
	guard := c.running[name]
	if !guard.CompareAndSwap(false, true) {
		c.metrics.TickSkipped(name)
		c.logger.Debug("tick skipped, previous run in progress", zap.String("tick", name))
		return false
	}
	defer guard.Store(false)

	ctx, span := c.tracer.Start(ctx, "coordinator.tick."+name)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	fn(ctx, c.now())
	c.metrics.TickDuration(name, time.Since(start))
	return true
}

// DrainMessages delivers every queued message.
func (c *Coordinator) DrainMessages(ctx context.Context) messaging.DrainReport {
	var report messaging.DrainReport
	c.runTick(ctx, TickDrain, func(ctx context.Context, _ time.Time) {
		report = c.bus.Drain(ctx)
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("messages", report.Messages),
			attribute.Int("dropped", report.Dropped),
			attribute.Int("failures", report.Failures),
		)
		c.metrics.QueueDepth(c.bus.Pending())
	})
	return report
}

// SweepHealth marks stale agents offline and returns their IDs.
func (c *Coordinator) SweepHealth(ctx context.Context) []string {
	var offline []string
	c.runTick(ctx, TickHealth, func(ctx context.Context, now time.Time) {
		offline = c.health.Sweep(now)
		c.metrics.AgentsByStatus(statusCounts(c.registry.CountByStatus()))
	})
	return offline
}

// ManageSessions runs timeouts, task dispatch and completion checks.
func (c *Coordinator) ManageSessions(ctx context.Context) TickReport {
	var report TickReport
	c.runTick(ctx, TickSessions, func(ctx context.Context, _ time.Time) {
		report = c.manager.Tick(ctx)
		counts := c.manager.CountByStatus()
		byStatus := make(map[string]int, len(counts))
		for s, n := range counts {
			byStatus[string(s)] = n
		}
		c.metrics.SessionsByStatus(byStatus)
	})
	return report
}

// OptimizePerformance recomputes every agent's performance over the
// trailing window and prunes tasks that fell out of it.
func (c *Coordinator) OptimizePerformance(ctx context.Context) {
	c.runTick(ctx, TickOptimize, func(ctx context.Context, now time.Time) {
		for _, a := range c.registry.List(nil) {
			tasks := c.manager.TasksOwnedBy(a.ID)
			var perf agent.Performance
			err := c.registry.Update(a.ID, func(stored *agent.Agent) error {
				perf = c.tracker.Recompute(stored, tasks, now)
				return nil
			})
			if err != nil {
				continue // unregistered meanwhile
			}
			c.metrics.CollaborationScore(a.ID, perf.CollaborationScore)
		}
		if n := c.manager.PruneTasks(now.Add(-c.tracker.Window())); n > 0 {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("pruned_tasks", n))
		}
	})
}

func statusCounts(counts map[agent.Status]int) map[string]int {
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	return out
}

// Start launches the four tick loops. It returns immediately; the loops run
// until ctx is canceled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if err := c.checkRunning(); err != nil {
		return err
	}
	if c.group != nil {
		return types.NewError(types.ErrInvalidTransition, "coordinator already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g

	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{TickDrain, c.config.DrainInterval, func(ctx context.Context) { c.DrainMessages(ctx) }},
		{TickHealth, c.config.HealthInterval, func(ctx context.Context) { c.SweepHealth(ctx) }},
		{TickSessions, c.config.SessionInterval, func(ctx context.Context) { c.ManageSessions(ctx) }},
		{TickOptimize, c.config.OptimizationInterval, c.OptimizePerformance},
	}
	for _, l := range loops {
		g.Go(func() error {
			ticker := time.NewTicker(l.interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					l.run(gctx)
				}
			}
		})
	}

	c.logger.Info("coordinator started",
		zap.Duration("drain_interval", c.config.DrainInterval),
		zap.Duration("health_interval", c.config.HealthInterval),
		zap.Duration("session_interval", c.config.SessionInterval),
		zap.Duration("optimization_interval", c.config.OptimizationInterval),
	)
	return nil
}

// Stop cancels the tick loops and waits for them to return. Further API
// calls fail with ErrCoordinatorStopped. Stop is idempotent.
func (c *Coordinator) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	err := c.group.Wait()
	c.logger.Info("coordinator stopped")
	return err
}
