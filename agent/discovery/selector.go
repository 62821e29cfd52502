package discovery

import (
	"sort"
	"strings"

	"github.com/BaSui01/agentcoord/agent"
	"github.com/BaSui01/agentcoord/types"
	"go.uber.org/zap"
)

// SelectionOrder is the deterministic order in which candidates are visited.
type SelectionOrder string

const (
	// OrderByID visits candidates by ascending ID.
	OrderByID SelectionOrder = "id"
	// OrderByScore visits candidates by descending collaboration score,
	// ties broken by ascending ID.
	OrderByScore SelectionOrder = "score"
)

// coordinatorDomainPriority is consulted, in order, for delegation sessions.
var coordinatorDomainPriority = []agent.Domain{
	agent.DomainStrategy,
	agent.DomainCommunication,
	agent.DomainExecution,
}

// Selector picks the minimal covering set of available agents for a
// requirement set using a greedy set cover.
type Selector struct {
	registry *Registry
	order    SelectionOrder
	logger   *zap.Logger
}

// NewSelector creates a selector over registry.
func NewSelector(registry *Registry, order SelectionOrder, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if order != OrderByScore {
		order = OrderByID
	}
	return &Selector{
		registry: registry,
		order:    order,
		logger:   logger.With(zap.String("component", "agent_selector")),
	}
}

// Select returns the agents chosen to cover required, in selection order.
// Partial coverage is a failure: the result is empty and the error carries
// ErrNoSuitableAgents.
func (s *Selector) Select(required []string) ([]*agent.Agent, error) {
	candidates := s.registry.List(func(a *agent.Agent) bool { return a.Status.Available() })
	s.sortCandidates(candidates)

	selected, missing := Cover(candidates, required)
	if len(missing) > 0 || len(selected) == 0 {
		s.logger.Debug("requirement set not coverable",
			zap.Strings("required", required),
			zap.Strings("missing", missing),
			zap.Int("candidates", len(candidates)),
		)
		if len(missing) == 0 {
			return nil, types.NewError(types.ErrNoSuitableAgents, "no capabilities requested")
		}
		return nil, types.Errorf(types.ErrNoSuitableAgents,
			"no available agents cover capabilities [%s]", strings.Join(missing, ", "))
	}

	s.logger.Debug("agents selected",
		zap.Strings("required", required),
		zap.Int("selected", len(selected)),
	)
	return selected, nil
}

func (s *Selector) sortCandidates(candidates []*agent.Agent) {
	if s.order != OrderByScore {
		return // List already returns ascending ID
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].Performance.CollaborationScore, candidates[j].Performance.CollaborationScore
		if si != sj {
			return si > sj
		}
		return candidates[i].ID < candidates[j].ID
	})
}

// Cover runs the greedy set cover over candidates in the given order. It
// returns the chosen agents and the requirements left uncovered (sorted).
func Cover(candidates []*agent.Agent, required []string) (selected []*agent.Agent, missing []string) {
	remaining := normalizeRequirements(required)
	for _, a := range candidates {
		if len(remaining) == 0 {
			break
		}
		matched := false
		for capability := range a.Matchable() {
			if _, need := remaining[capability]; need {
				delete(remaining, capability)
				matched = true
			}
		}
		if matched {
			selected = append(selected, a)
		}
	}

	for capability := range remaining {
		missing = append(missing, capability)
	}
	sort.Strings(missing)
	return selected, missing
}

func normalizeRequirements(required []string) map[string]struct{} {
	set := make(map[string]struct{}, len(required))
	for _, r := range required {
		if r = strings.TrimSpace(r); r != "" {
			set[r] = struct{}{}
		}
	}
	return set
}

// ChooseCoordinator picks the session coordinator from participants, which
// must be in selection order. It returns "" only when participants is empty.
func ChooseCoordinator(participants []*agent.Agent, orchestration agent.OrchestrationType) string {
	if len(participants) == 0 {
		return ""
	}

	switch orchestration {
	case agent.OrchestrationConsensus:
		best := participants[0]
		for _, p := range participants[1:] {
			ps, bs := p.Performance.CollaborationScore, best.Performance.CollaborationScore
			if ps > bs || (ps == bs && p.ID < best.ID) {
				best = p
			}
		}
		return best.ID

	case agent.OrchestrationDelegation:
		for _, domain := range coordinatorDomainPriority {
			for _, p := range participants {
				if p.Domain == domain {
					return p.ID
				}
			}
		}
		return participants[0].ID

	default:
		// parallel, sequential
		return participants[0].ID
	}
}
