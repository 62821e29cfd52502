package telemetry

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/collaboration"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorState is the read side of the coordinator sampled on each
// metric collection; *collaboration.Coordinator implements it.
type CoordinatorState interface {
	Pending() int
	Agents() []*agent.Agent
	ActiveCollaborations() []*collaboration.Session
}

// Meter returns a meter from the SDK provider, or from the global provider
// when telemetry is disabled.
func (p *Providers) Meter(name string) metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(name)
	}
	return p.mp.Meter(name)
}

// RegisterCoordinatorGauges exports queue depth, agents by status and active
// sessions as OTLP observable gauges. Unregister the returned registration
// before the coordinator goes away.
func RegisterCoordinatorGauges(meter metric.Meter, state CoordinatorState) (metric.Registration, error) {
	pending, err := meter.Int64ObservableGauge("agentcoord.messages.pending",
		metric.WithDescription("Messages waiting for the next drain"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pending gauge: %w", err)
	}

	agents, err := meter.Int64ObservableGauge("agentcoord.agents",
		metric.WithDescription("Registered agents by status"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create agents gauge: %w", err)
	}

	sessions, err := meter.Int64ObservableGauge("agentcoord.sessions.active",
		metric.WithDescription("Sessions in planning or active status"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions gauge: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(pending, int64(state.Pending()))

		byStatus := make(map[agent.Status]int64)
		for _, a := range state.Agents() {
			byStatus[a.Status]++
		}
		for status, n := range byStatus {
			o.ObserveInt64(agents, n, metric.WithAttributes(attribute.String("status", string(status))))
		}

		o.ObserveInt64(sessions, int64(len(state.ActiveCollaborations())))
		return nil
	}, pending, agents, sessions)
}
