package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

// saveAndRestoreGlobalProviders snapshots the current global OTel providers
// and restores them via t.Cleanup so tests don't leak state.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, collaboration.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.False(t, p.Enabled())
	assert.Nil(t, p.Resource())

	// 禁用时 Tracer 回落到全局 provider，span 不会被记录
	_, span := p.Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	cfg := config.DefaultTelemetryConfig()
	cfg.Enabled = true
	cfg.ServiceName = "agentcoord-test"
	cfg.SampleRate = 1

	p, err := Init(context.Background(), cfg, collaboration.DefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	assert.True(t, p.Enabled())
	require.NotNil(t, p.Resource())
	name, ok := p.Resource().Set().Value(attribute.Key("service.name"))
	require.True(t, ok)
	assert.Equal(t, "agentcoord-test", name.AsString())
	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)

	_, span := p.Tracer("test").Start(context.Background(), "sampled")
	assert.True(t, span.IsRecording())
	span.End()
}

func TestProviders_Shutdown(t *testing.T) {
	var nilProviders *Providers
	assert.NoError(t, nilProviders.Shutdown(context.Background()))
	assert.False(t, nilProviders.Enabled())

	saveAndRestoreGlobalProviders(t)
	p, err := Init(context.Background(), config.TelemetryConfig{}, collaboration.Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestBuildVersion(t *testing.T) {
	// 测试二进制中 ReadBuildInfo 通常返回 (devel)
	assert.Equal(t, "dev", BuildVersion())
}

func TestResource_CarriesTickSchedule(t *testing.T) {
	coord := collaboration.DefaultConfig()
	coord.PinCollaborators = true

	res, err := Resource(context.Background(), "agentcoord", coord)
	require.NoError(t, err)
	set := res.Set()

	want := map[string]int64{
		collaboration.TickDrain:    1000,
		collaboration.TickHealth:   30000,
		collaboration.TickSessions: 5000,
		collaboration.TickOptimize: 60000,
	}
	for tick, ms := range want {
		v, ok := set.Value(TickAttribute(tick))
		require.True(t, ok, tick)
		assert.Equal(t, ms, v.AsInt64(), tick)
	}

	order, ok := set.Value(attrSelectionOrder)
	require.True(t, ok)
	assert.Equal(t, "id", order.AsString())
	pinned, _ := set.Value(attrPinCollaborators)
	assert.True(t, pinned.AsBool())
	threshold, _ := set.Value(attrHealthThreshold)
	assert.Equal(t, int64(60000), threshold.AsInt64())
}

func TestExportInterval(t *testing.T) {
	tests := []struct {
		optimize time.Duration
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{time.Second, 10 * time.Second},
		{30 * time.Second, 30 * time.Second},
		{5 * time.Minute, time.Minute},
	}
	for _, tt := range tests {
		got := exportInterval(collaboration.Config{OptimizationInterval: tt.optimize})
		assert.Equal(t, tt.want, got, tt.optimize)
	}
}

func TestTickIntervals_Order(t *testing.T) {
	var names []string
	for _, tick := range TickIntervals(collaboration.DefaultConfig()) {
		names = append(names, tick.Name)
	}
	assert.Equal(t, []string{"drain", "health", "sessions", "optimize"}, names)
}
