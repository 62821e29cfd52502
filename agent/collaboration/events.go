package collaboration

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/internal/pool"
	"github.com/BaSui01/agentcoord/types"
	"go.uber.org/zap"
)

// ErrorContext 描述一次异步失败或紧急事件
type ErrorContext struct {
	Code      types.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	AgentID   string          `json:"agent_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Err       error           `json:"-"`
	Time      time.Time       `json:"time"`
}

// Observer receives the outbound notifications of the coordination core.
// Calls happen on the goroutine running the tick; implementations that do
// I/O should be wrapped with NewAsyncObserver. Observers must not call the
// coordinator's mutating API synchronously.
type Observer interface {
	AgentOffline(a *agent.Agent)
	SessionCompleted(s *Session)
	Error(ec ErrorContext)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	OnAgentOffline     func(a *agent.Agent)
	OnSessionCompleted func(s *Session)
	OnError            func(ec ErrorContext)
}

func (f ObserverFuncs) AgentOffline(a *agent.Agent) {
	if f.OnAgentOffline != nil {
		f.OnAgentOffline(a)
	}
}

func (f ObserverFuncs) SessionCompleted(s *Session) {
	if f.OnSessionCompleted != nil {
		f.OnSessionCompleted(s)
	}
}

func (f ObserverFuncs) Error(ec ErrorContext) {
	if f.OnError != nil {
		f.OnError(ec)
	}
}

// observerSet fans notifications out to every observer. A panicking
// observer is logged and does not affect the others.
type observerSet struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *zap.Logger
}

func newObserverSet(logger *zap.Logger) *observerSet {
	return &observerSet{logger: logger}
}

func (s *observerSet) add(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *observerSet) snapshot() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Observer(nil), s.observers...)
}

func (s *observerSet) each(event string, fn func(Observer)) {
	for _, o := range s.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("observer panicked",
						zap.String("event", event),
						zap.Any("panic", r),
					)
				}
			}()
			fn(o)
		}()
	}
}

func (s *observerSet) AgentOffline(a *agent.Agent) {
	s.each("agent_offline", func(o Observer) { o.AgentOffline(a.Clone()) })
}

func (s *observerSet) SessionCompleted(sess *Session) {
	s.each("session_completed", func(o Observer) { o.SessionCompleted(sess.Clone()) })
}

func (s *observerSet) Error(ec ErrorContext) {
	s.each("error", func(o Observer) { o.Error(ec) })
}

// AsyncObserver forwards notifications to an inner observer on a goroutine
// pool so that slow sinks never block a tick. Notifications that do not fit
// in the pool queue are dropped and counted.
type AsyncObserver struct {
	inner  Observer
	pool   *pool.GoroutinePool
	logger *zap.Logger
}

// NewAsyncObserver wraps inner. workers and queueSize fall back to the pool
// defaults when <= 0.
func NewAsyncObserver(inner Observer, workers, queueSize int, logger *zap.Logger) *AsyncObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "async_observer"))

	cfg := pool.DefaultGoroutinePoolConfig()
	if workers > 0 {
		cfg.MaxWorkers = workers
	}
	if queueSize > 0 {
		cfg.QueueSize = queueSize
	}
	cfg.PanicHandler = func(r any) {
		logger.Error("observer job panicked", zap.Any("panic", r))
	}
	return &AsyncObserver{
		inner:  inner,
		pool:   pool.NewGoroutinePool(cfg),
		logger: logger,
	}
}

func (a *AsyncObserver) submit(event string, fn func()) {
	err := a.pool.Submit(context.Background(), func(context.Context) error {
		fn()
		return nil
	})
	if err != nil {
		a.logger.Warn("notification dropped", zap.String("event", event), zap.Error(err))
	}
}

func (a *AsyncObserver) AgentOffline(ag *agent.Agent) {
	a.submit("agent_offline", func() { a.inner.AgentOffline(ag) })
}

func (a *AsyncObserver) SessionCompleted(s *Session) {
	a.submit("session_completed", func() { a.inner.SessionCompleted(s) })
}

func (a *AsyncObserver) Error(ec ErrorContext) {
	a.submit("error", func() { a.inner.Error(ec) })
}

// Stats returns the pool statistics.
func (a *AsyncObserver) Stats() pool.Stats {
	return a.pool.Stats()
}

// Close waits for queued notifications to finish.
func (a *AsyncObserver) Close() error {
	a.pool.Close()
	return nil
}
