package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.messagesTotal)
	assert.NotNil(t, collector.sessions)
	assert.NotNil(t, collector.tickDuration)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/health", 200, 10*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 204, 5*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 503, 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "5xx")))
}

func TestCollector_MessageOutcomes(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.MessageSent("task_request")
	collector.MessageSent("task_request")
	collector.MessageDelivered("task_request")
	collector.MessageDropped("heartbeat")
	collector.DeliveryFailed("task_request")
	collector.QueueDepth(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.messagesTotal.WithLabelValues("task_request", "sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.messagesTotal.WithLabelValues("task_request", "delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.messagesTotal.WithLabelValues("heartbeat", "dropped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.messagesTotal.WithLabelValues("task_request", "failed")))
	assert.Equal(t, float64(7), testutil.ToFloat64(collector.queueDepth))
}

func TestCollector_StatusGaugesReplacePreviousValues(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SessionsByStatus(map[string]int{"planning": 1, "active": 2})
	assert.Equal(t, 2, testutil.CollectAndCount(collector.sessions))

	collector.SessionsByStatus(map[string]int{"completed": 3})
	assert.Equal(t, 1, testutil.CollectAndCount(collector.sessions))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.sessions.WithLabelValues("completed")))

	collector.AgentsByStatus(map[string]int{"active": 4, "offline": 1})
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.agents.WithLabelValues("offline")))
}

func TestCollector_TicksAndErrors(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.TickDuration("drain", 2*time.Millisecond)
	collector.TickSkipped("drain")
	collector.ErrorRaised("SESSION_TIMEOUT")
	collector.ErrorRaised("SESSION_TIMEOUT")

	assert.Equal(t, 1, testutil.CollectAndCount(collector.tickDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.ticksSkipped.WithLabelValues("drain")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.errorsTotal.WithLabelValues("SESSION_TIMEOUT")))
}

func TestCollector_CollaborationScore(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.CollaborationScore("a1", 0.2)
	collector.CollaborationScore("a1", 0.36)
	collector.CollaborationScore("a2", 0)
	assert.InDelta(t, 0.36, testutil.ToFloat64(collector.collaborationScore.WithLabelValues("a1")), 1e-9)

	collector.ForgetAgent("a2")
	assert.Equal(t, 1, testutil.CollectAndCount(collector.collaborationScore))
}

func TestCollector_DatabaseMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBQuery("postgres", "insert", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, float64(5), testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.MessageSent("heartbeat")
			collector.TickDuration("health", time.Millisecond)
			collector.AgentsByStatus(map[string]int{"active": 1})
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.messagesTotal.WithLabelValues("heartbeat", "sent")))
}
