// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 collaboration.Metrics
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 消息总线指标
	messagesTotal *prometheus.CounterVec
	queueDepth    prometheus.Gauge

	// 协调器指标
	sessions           *prometheus.GaugeVec
	agents             *prometheus.GaugeVec
	errorsTotal        *prometheus.CounterVec
	tickDuration       *prometheus.HistogramVec
	ticksSkipped       *prometheus.CounterVec
	collaborationScore *prometheus.GaugeVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 消息总线指标
	c.messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of bus messages by outcome",
		},
		[]string{"type", "outcome"}, // outcome: sent, delivered, dropped, failed
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_queue_depth",
			Help:      "Messages waiting for the next drain",
		},
	)

	// 协调器指标
	c.sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Collaboration sessions by status",
		},
		[]string{"status"},
	)

	c.agents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents by status",
		},
		[]string{"status"},
	)

	c.errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordination_errors_total",
			Help:      "Total number of coordination error events",
		},
		[]string{"code"},
	)

	c.tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Periodic tick duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"tick"},
	)

	c.ticksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_skipped_total",
			Help:      "Ticks skipped because the previous run was still in progress",
		},
		[]string{"tick"},
	)

	c.collaborationScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_collaboration_score",
			Help:      "Smoothed collaboration score per agent",
		},
		[]string{"agent_id"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📨 消息总线指标记录
// =============================================================================

// MessageSent 记录入队的消息
func (c *Collector) MessageSent(msgType string) {
	c.messagesTotal.WithLabelValues(msgType, "sent").Inc()
}

// MessageDelivered 记录已投递的消息
func (c *Collector) MessageDelivered(msgType string) {
	c.messagesTotal.WithLabelValues(msgType, "delivered").Inc()
}

// MessageDropped 记录被丢弃的消息
func (c *Collector) MessageDropped(msgType string) {
	c.messagesTotal.WithLabelValues(msgType, "dropped").Inc()
}

// DeliveryFailed 记录 handler 返回错误的投递
func (c *Collector) DeliveryFailed(msgType string) {
	c.messagesTotal.WithLabelValues(msgType, "failed").Inc()
}

// QueueDepth 记录队列深度
func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// =============================================================================
// 🤝 协调器指标记录
// =============================================================================

// SessionsByStatus replaces the per-status session gauges.
func (c *Collector) SessionsByStatus(counts map[string]int) {
	setAll(c.sessions, counts)
}

// AgentsByStatus replaces the per-status agent gauges.
func (c *Collector) AgentsByStatus(counts map[string]int) {
	setAll(c.agents, counts)
}

// ErrorRaised 记录错误事件
func (c *Collector) ErrorRaised(code string) {
	c.errorsTotal.WithLabelValues(code).Inc()
}

// TickDuration 记录周期任务耗时
func (c *Collector) TickDuration(tick string, d time.Duration) {
	c.tickDuration.WithLabelValues(tick).Observe(d.Seconds())
}

// TickSkipped 记录被跳过的周期任务
func (c *Collector) TickSkipped(tick string) {
	c.ticksSkipped.WithLabelValues(tick).Inc()
}

// CollaborationScore 记录 Agent 协作分
func (c *Collector) CollaborationScore(agentID string, score float64) {
	c.collaborationScore.WithLabelValues(agentID).Set(score)
}

// ForgetAgent drops the per-agent series of an unregistered agent.
func (c *Collector) ForgetAgent(agentID string) {
	c.collaborationScore.DeleteLabelValues(agentID)
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// setAll resets the vector so statuses that disappeared stop reporting.
func setAll(g *prometheus.GaugeVec, counts map[string]int) {
	g.Reset()
	for status, n := range counts {
		g.WithLabelValues(status).Set(float64(n))
	}
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
