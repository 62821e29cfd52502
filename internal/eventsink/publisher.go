package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrSnapshotMiss 表示会话快照不存在或已过期
var ErrSnapshotMiss = errors.New("session snapshot not found")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event publisher is closed")

const publishTimeout = 3 * time.Second

// Event 是发布到 Redis 频道的 JSON 负载
type Event struct {
	Kind      string                 `json:"kind"` // agent_offline | session_completed | error
	Time      time.Time              `json:"time"`
	AgentID   string                 `json:"agent_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	MessageID string                 `json:"message_id,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Session   *collaboration.Session `json:"session,omitempty"`
}

// =============================================================================
// 📡 Redis 事件发布器
// =============================================================================

// Publisher fans coordinator notifications out over Redis pub/sub and keeps
// a TTL-bounded snapshot of every finished session. It implements
// collaboration.Observer.
type Publisher struct {
	redis  *redis.Client
	config config.RedisConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ collaboration.Observer = (*Publisher)(nil)

// NewPublisher 连接 Redis 并创建发布器
func NewPublisher(cfg config.RedisConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	p := &Publisher{
		redis:  client,
		config: cfg,
		logger: logger.With(zap.String("component", "eventsink")),
		now:    time.Now,
	}

	logger.Info("event publisher initialized",
		zap.String("addr", cfg.Addr),
		zap.String("channel", cfg.Channel),
	)
	return p, nil
}

func (p *Publisher) AgentOffline(a *agent.Agent) {
	p.publish(Event{
		Kind:    "agent_offline",
		Time:    p.now(),
		AgentID: a.ID,
		Status:  string(a.Status),
	})
}

// SessionCompleted publishes the event and stores the snapshot under
// KeyPrefix+id for SnapshotTTL.
func (p *Publisher) SessionCompleted(s *collaboration.Session) {
	at := p.now()
	if s.CompletedAt != nil {
		at = *s.CompletedAt
	}
	p.publish(Event{
		Kind:      "session_completed",
		Time:      at,
		SessionID: s.ID,
		Status:    string(s.Status),
		Session:   s,
	})

	if err := p.storeSnapshot(s); err != nil {
		p.logger.Error("failed to store session snapshot", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (p *Publisher) Error(ec collaboration.ErrorContext) {
	at := ec.Time
	if at.IsZero() {
		at = p.now()
	}
	p.publish(Event{
		Kind:      "error",
		Time:      at,
		AgentID:   ec.AgentID,
		SessionID: ec.SessionID,
		MessageID: ec.MessageID,
		Code:      string(ec.Code),
		Message:   ec.Message,
	})
}

func (p *Publisher) publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("kind", ev.Kind), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.redis.Publish(ctx, p.config.Channel, payload).Err(); err != nil {
		p.logger.Error("event publish failed", zap.String("kind", ev.Kind), zap.Error(err))
	}
}

func (p *Publisher) storeSnapshot(s *collaboration.Session) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return p.redis.Set(ctx, p.snapshotKey(s.ID), data, p.config.SnapshotTTL).Err()
}

// Latest 读取会话快照
func (p *Publisher) Latest(ctx context.Context, sessionID string) (*collaboration.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	data, err := p.redis.Get(ctx, p.snapshotKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSnapshotMiss
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot get failed: %w", err)
	}

	var s collaboration.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (p *Publisher) snapshotKey(id string) string {
	return p.config.KeyPrefix + id
}

// Ping 检查 Redis 连接
func (p *Publisher) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return p.redis.Ping(ctx).Err()
}

// Close 关闭发布器
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.logger.Info("closing event publisher")
	return p.redis.Close()
}
