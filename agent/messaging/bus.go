package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler is an agent's inbox. It is invoked synchronously within a drain
// cycle and must not block; it may call Bus.Send, which never waits on the
// drain.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Directory answers reachability questions about agents.
type Directory interface {
	Reachable(id string) bool
	ReachableIDs() []string
}

// Hooks observe a drain cycle. All hooks run on the draining goroutine.
// A broadcast reaches every reachable agent except its sender, so Delivered
// never reports the sender as a broadcast recipient.
type Hooks struct {
	// Inspect runs once per message before delivery. A non-nil error drops
	// the message.
	Inspect func(ctx context.Context, msg *Message) error

	// Delivered runs after a recipient's handler returned without error.
	Delivered func(msg *Message, recipient string)

	// Dropped runs when a message reaches no recipient.
	Dropped func(msg *Message, reason error)

	// DeliveryFailure runs when a recipient's handler returned an error or
	// panicked. Other recipients are unaffected.
	DeliveryFailure func(msg *Message, recipient string, err error)
}

// BusConfig configures the message bus.
type BusConfig struct {
	QueueCapacity int
	HistoryLimit  int

	// RateLimit is the per-sender message rate (messages/second). Zero
	// disables rate limiting. The coordinator is never limited.
	RateLimit float64
	RateBurst int
}

// DrainReport summarizes one drain cycle.
type DrainReport struct {
	Messages   int // messages taken off the queue
	Deliveries int // successful handler invocations
	Dropped    int
	Failures   int
}

// Bus is an ordered, bounded message queue with a synchronous drain step.
type Bus struct {
	queue     *Queue
	history   *History
	directory Directory

	mu       sync.RWMutex
	handlers map[string]Handler
	hooks    Hooks

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	drainMu sync.Mutex
	now     func() time.Time
	logger  *zap.Logger
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithHooks installs drain hooks.
func WithHooks(h Hooks) BusOption {
	return func(b *Bus) { b.hooks = h }
}

// WithBusClock overrides the clock used to stamp messages.
func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a message bus that resolves recipients through directory.
func NewBus(directory Directory, config BusConfig, logger *zap.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		queue:     NewQueue(config.QueueCapacity),
		history:   NewHistory(config.HistoryLimit),
		directory: directory,
		handlers:  make(map[string]Handler),
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
		logger:    logger.With(zap.String("component", "message_bus")),
	}
	if config.RateLimit > 0 {
		b.rateLimit = rate.Limit(config.RateLimit)
		b.rateBurst = config.RateBurst
		if b.rateBurst <= 0 {
			b.rateBurst = 1
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe installs the inbox handler of id, replacing any previous one.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// Unsubscribe removes the inbox handler of id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()

	b.limiterMu.Lock()
	delete(b.limiters, id)
	b.limiterMu.Unlock()
}

func (b *Bus) handler(id string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[id]
	return h, ok
}

// Send validates and enqueues msg in O(1). Missing ID, timestamp and priority
// are filled in place. Delivery happens on the next drain.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if !b.allow(msg.From) {
		return types.Errorf(types.ErrRateLimited, "sender %s exceeded its message rate", msg.From).WithRetryable(true)
	}

	msg.normalize(b.now())
	if err := b.queue.Push(msg); err != nil {
		b.logger.Warn("message rejected",
			zap.String("msg_id", msg.ID),
			zap.String("from", msg.From),
			zap.Error(err),
		)
		return err
	}

	b.logger.Debug("message queued",
		zap.String("msg_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
	)
	return nil
}

func (b *Bus) allow(sender string) bool {
	if b.rateLimit == 0 || sender == CoordinatorID {
		return true
	}
	b.limiterMu.Lock()
	l, ok := b.limiters[sender]
	if !ok {
		l = rate.NewLimiter(b.rateLimit, b.rateBurst)
		b.limiters[sender] = l
	}
	b.limiterMu.Unlock()
	return l.Allow()
}

// Drain pops every currently queued message and attempts delivery. Messages
// sent while the drain runs wait for the next cycle. Each message is recorded
// in history whatever the outcome. Emergencies are drained ahead of normal
// traffic, and broadcasts are not delivered back to their sender.
func (b *Bus) Drain(ctx context.Context) DrainReport {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	var report DrainReport
	for _, msg := range b.queue.PopAll() {
		report.Messages++
		b.history.Append(msg)
		b.dispatch(ctx, msg, &report)
	}
	return report
}

func (b *Bus) dispatch(ctx context.Context, msg *Message, report *DrainReport) {
	if b.hooks.Inspect != nil {
		if err := b.inspect(ctx, msg); err != nil {
			b.drop(msg, err, report)
			return
		}
	}

	switch msg.To {
	case BroadcastID:
		// 广播在同一个 drain 周期内送达所有在线接收者
		for _, id := range b.directory.ReachableIDs() {
			if id == msg.From {
				continue
			}
			if h, ok := b.handler(id); ok {
				b.deliver(ctx, msg, id, h, report)
			}
		}

	case CoordinatorID:
		// Inspect 已处理协调器消息；订阅的处理器是可选的
		if h, ok := b.handler(CoordinatorID); ok {
			b.deliver(ctx, msg, CoordinatorID, h, report)
		}

	default:
		if !b.directory.Reachable(msg.To) {
			b.drop(msg, types.Errorf(types.ErrAgentNotFound, "recipient %s is unknown or offline", msg.To), report)
			return
		}
		h, ok := b.handler(msg.To)
		if !ok {
			b.drop(msg, types.Errorf(types.ErrAgentNotFound, "recipient %s has no inbox", msg.To), report)
			return
		}
		b.deliver(ctx, msg, msg.To, h, report)
	}
}

func (b *Bus) inspect(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrInvalidMessage, "inspect panic: %v", r)
		}
	}()
	return b.hooks.Inspect(ctx, msg)
}

func (b *Bus) deliver(ctx context.Context, msg *Message, recipient string, h Handler, report *DrainReport) {
	if err := safeHandle(ctx, h, msg); err != nil {
		report.Failures++
		failure := types.Errorf(types.ErrDeliveryFailure, "deliver %s to %s", msg.ID, recipient).WithCause(err)
		b.logger.Error("message delivery failed",
			zap.String("msg_id", msg.ID),
			zap.String("type", string(msg.Type)),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
		if b.hooks.DeliveryFailure != nil {
			b.hooks.DeliveryFailure(msg, recipient, failure)
		}
		return
	}
	report.Deliveries++
	if b.hooks.Delivered != nil {
		b.hooks.Delivered(msg, recipient)
	}
}

func safeHandle(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleMessage(ctx, msg)
}

func (b *Bus) drop(msg *Message, reason error, report *DrainReport) {
	report.Dropped++
	b.logger.Error("message dropped",
		zap.String("msg_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.Error(reason),
	)
	if b.hooks.Dropped != nil {
		b.hooks.Dropped(msg, reason)
	}
}

// Pending returns the number of queued messages.
func (b *Bus) Pending() int {
	return b.queue.Len()
}

// History returns the messages recorded under key, oldest first.
func (b *Bus) History(key string) []*Message {
	return b.history.Get(key)
}

// HistoryKeys returns every history key in ascending order.
func (b *Bus) HistoryKeys() []string {
	return b.history.Keys()
}
