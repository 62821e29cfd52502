package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Instrumentation scopes of the coordinator.
const (
	InstrumentationName = "github.com/BaSui01/agentcoord"
	CollaborationScope  = InstrumentationName + "/collaboration"
	HTTPScope           = InstrumentationName + "/http"
)

// Resource attribute keys describing the coordinator's schedule.
const (
	attrSelectionOrder   = attribute.Key("agentcoord.selection_order")
	attrAutoPlan         = attribute.Key("agentcoord.auto_plan")
	attrPinCollaborators = attribute.Key("agentcoord.pin_collaborators")
	attrHealthThreshold  = attribute.Key("agentcoord.health_threshold_ms")
)

// TickInterval pairs a coordinator tick with its period.
type TickInterval struct {
	Name     string
	Interval time.Duration
}

// TickIntervals lists the four coordinator ticks in schedule order.
func TickIntervals(coord collaboration.Config) []TickInterval {
	return []TickInterval{
		{collaboration.TickDrain, coord.DrainInterval},
		{collaboration.TickHealth, coord.HealthInterval},
		{collaboration.TickSessions, coord.SessionInterval},
		{collaboration.TickOptimize, coord.OptimizationInterval},
	}
}

// TickAttribute is the resource key carrying a tick's period in milliseconds.
func TickAttribute(tick string) attribute.Key {
	return attribute.Key("agentcoord.tick." + tick + ".interval_ms")
}

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider；遥测关闭时二者为 nil。
type Providers struct {
	tp  *sdktrace.TracerProvider
	mp  *sdkmetric.MeterProvider
	res *resource.Resource
}

// Init wires OTLP trace and metric export for the coordinator. The resource
// carries the coordinator's tick schedule so exported spans can be read
// against it. With telemetry disabled nothing is dialed and the global noop
// providers stay in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, coord collaboration.Config, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, coordinator spans are not exported")
		return &Providers{}, nil
	}

	res, err := Resource(ctx, cfg.ServiceName, coord)
	if err != nil {
		return nil, err
	}

	spans, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	readings, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p := &Providers{
		res: res,
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spans),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		),
		// 读取周期与最慢的 tick 对齐，避免一个周期内无新样本
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(readings,
				sdkmetric.WithInterval(exportInterval(coord)))),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry exporting",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Duration("metric_interval", exportInterval(coord)),
	)
	return p, nil
}

// Resource describes this coordinator instance: service identity plus its
// selection policy and tick schedule.
func Resource(ctx context.Context, serviceName string, coord collaboration.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(BuildVersion()),
		attrSelectionOrder.String(string(coord.SelectionOrder)),
		attrAutoPlan.Bool(coord.AutoPlan),
		attrPinCollaborators.Bool(coord.PinCollaborators),
		attrHealthThreshold.Int64(coord.HealthThreshold.Milliseconds()),
	}
	for _, tick := range TickIntervals(coord) {
		attrs = append(attrs, TickAttribute(tick.Name).Int64(tick.Interval.Milliseconds()))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build coordinator resource: %w", err)
	}
	return res, nil
}

// exportInterval is the optimization period, bounded to [10s, 60s].
func exportInterval(coord collaboration.Config) time.Duration {
	d := coord.OptimizationInterval
	switch {
	case d < 10*time.Second:
		return 10 * time.Second
	case d > time.Minute:
		return time.Minute
	}
	return d
}

// Tracer returns a tracer for scope, the instrumentation name when empty.
func (p *Providers) Tracer(scope string) trace.Tracer {
	if scope == "" {
		scope = InstrumentationName
	}
	if p == nil || p.tp == nil {
		return otel.Tracer(scope)
	}
	return p.tp.Tracer(scope)
}

// Enabled reports whether spans and metrics leave the process.
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Resource returns the exported resource, nil when disabled.
func (p *Providers) Resource() *resource.Resource {
	if p == nil {
		return nil
	}
	return p.res
}

// Shutdown flushes buffered spans and readings.
func (p *Providers) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return errors.Join(
		wrap("tracer provider", p.tp.Shutdown(ctx)),
		wrap("meter provider", p.mp.Shutdown(ctx)),
	)
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("shutdown %s: %w", what, err)
}

// BuildVersion is the main module version, "dev" for local builds.
func BuildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}
