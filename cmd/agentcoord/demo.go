package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/agent/collaboration"
	"github.com/BaSui01/agentcoord/config"
	"go.uber.org/zap"
)

var demoRotation = []agent.OrchestrationType{
	agent.OrchestrationSequential,
	agent.OrchestrationParallel,
	agent.OrchestrationDelegation,
	agent.OrchestrationConsensus,
}

// demoRequest builds the round-th demo request. An empty Type cycles through
// every orchestration type.
func demoRequest(cfg config.DemoConfig, round int) collaboration.Request {
	typ := agent.OrchestrationType(cfg.Type)
	if typ == "" {
		typ = demoRotation[round%len(demoRotation)]
	}
	return collaboration.Request{
		Objective:            fmt.Sprintf("%s #%d", cfg.Objective, round+1),
		RequiredCapabilities: cfg.Capabilities,
		Priority:             agent.PriorityMedium,
		Type:                 typ,
	}
}

// runDemo submits one demo request per interval so the simulated fleet has
// work to coordinate.
func (s *Server) runDemo(ctx context.Context) error {
	demo := s.cfg.Simulation.Demo
	ticker := time.NewTicker(demo.Interval)
	defer ticker.Stop()

	for round := 0; ; round++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		req := demoRequest(demo, round)
		id, err := s.coordinator.CreateCollaborativeTask(ctx, req)
		if err != nil {
			s.logger.Warn("demo request rejected",
				zap.String("type", string(req.Type)),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("demo session created",
			zap.String("session_id", id),
			zap.String("type", string(req.Type)),
			zap.String("objective", req.Objective),
		)
	}
}
