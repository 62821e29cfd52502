package collaboration

import (
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestObserverSet_PanicIsolated(t *testing.T) {
	set := newObserverSet(zaptest.NewLogger(t))
	events := &eventLog{}

	set.add(ObserverFuncs{OnError: func(ErrorContext) { panic("bad observer") }})
	set.add(nil)
	set.add(events.observer())

	set.Error(ErrorContext{Code: types.ErrEmergency})
	assert.Equal(t, []types.ErrorCode{types.ErrEmergency}, events.codes())
}

func TestObserverSet_PassesCopies(t *testing.T) {
	set := newObserverSet(zaptest.NewLogger(t))
	set.add(ObserverFuncs{OnAgentOffline: func(a *agent.Agent) { a.Capabilities[0] = "mutated" }})

	a := &agent.Agent{ID: "a1", Capabilities: []string{"sms"}}
	set.AgentOffline(a)
	assert.Equal(t, "sms", a.Capabilities[0])
}

func TestObserverFuncs_NilCallbacks(t *testing.T) {
	var f ObserverFuncs
	assert.NotPanics(t, func() {
		f.AgentOffline(&agent.Agent{})
		f.SessionCompleted(&Session{})
		f.Error(ErrorContext{})
	})
}

func TestAsyncObserver_Forwards(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	inner := ObserverFuncs{
		OnSessionCompleted: func(s *Session) {
			mu.Lock()
			seen = append(seen, s.ID)
			mu.Unlock()
		},
		OnAgentOffline: func(a *agent.Agent) {
			mu.Lock()
			seen = append(seen, a.ID)
			mu.Unlock()
		},
		OnError: func(ErrorContext) { panic("sink down") },
	}

	async := NewAsyncObserver(inner, 2, 16, zaptest.NewLogger(t))
	async.SessionCompleted(&Session{ID: "s1"})
	async.AgentOffline(&agent.Agent{ID: "a1"})
	async.Error(ErrorContext{Code: types.ErrEmergency})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, async.Close())
	stats := async.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(1), stats.Failed)

	// 关闭后丢弃通知
	async.SessionCompleted(&Session{ID: "s2"})
	assert.Equal(t, int64(3), async.Stats().Submitted)
}
