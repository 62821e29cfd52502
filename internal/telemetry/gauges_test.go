package telemetry

import (
	"context"
	"testing"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeState struct {
	pending  int
	agents   []*agent.Agent
	sessions []*collaboration.Session
}

func (f *fakeState) Pending() int                                   { return f.pending }
func (f *fakeState) Agents() []*agent.Agent                         { return f.agents }
func (f *fakeState) ActiveCollaborations() []*collaboration.Session { return f.sessions }

func collectGauges(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Gauge[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Gauge[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
				out[m.Name] = g
			}
		}
	}
	return out
}

func TestRegisterCoordinatorGauges(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	state := &fakeState{
		pending: 3,
		agents: []*agent.Agent{
			{ID: "a1", Status: agent.StatusActive},
			{ID: "a2", Status: agent.StatusActive},
			{ID: "a3", Status: agent.StatusOffline},
		},
		sessions: []*collaboration.Session{{ID: "s1"}},
	}

	reg, err := RegisterCoordinatorGauges(mp.Meter("test"), state)
	require.NoError(t, err)

	gauges := collectGauges(t, reader)
	require.Len(t, gauges["agentcoord.messages.pending"].DataPoints, 1)
	assert.EqualValues(t, 3, gauges["agentcoord.messages.pending"].DataPoints[0].Value)
	assert.EqualValues(t, 1, gauges["agentcoord.sessions.active"].DataPoints[0].Value)

	byStatus := map[string]int64{}
	for _, dp := range gauges["agentcoord.agents"].DataPoints {
		status, ok := dp.Attributes.Value("status")
		require.True(t, ok)
		byStatus[status.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"active": 2, "offline": 1}, byStatus)

	require.NoError(t, reg.Unregister())
}

func TestProviders_MeterFallsBackToGlobal(t *testing.T) {
	var p *Providers
	assert.NotNil(t, p.Meter("test"))
}
