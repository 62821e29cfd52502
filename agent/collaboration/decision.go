package collaboration

import (
	"fmt"
	"slices"
	"time"

	"github.com/BaSui01/agentcoord/types"
	"github.com/google/uuid"
)

// DecisionMethod 决策方式
type DecisionMethod string

const (
	MethodMajority  DecisionMethod = "majority"  // 超过半数参与者
	MethodUnanimous DecisionMethod = "unanimous" // 全体参与者
	MethodWeighted  DecisionMethod = "weighted"  // 按协作得分加权超过半数
	MethodExpert    DecisionMethod = "expert"    // 会话协调者决定
)

// Valid reports whether m is a known decision method.
func (m DecisionMethod) Valid() bool {
	switch m {
	case MethodMajority, MethodUnanimous, MethodWeighted, MethodExpert:
		return true
	}
	return false
}

// DecisionOption 决策选项
type DecisionOption struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	ProposedBy  string   `json:"proposed_by"`
	Votes       []string `json:"votes"` // voter ids, sorted
	Score       float64  `json:"score"`
}

// Decision 是会话内的协作决策
type Decision struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Question   string            `json:"question"`
	Options    []*DecisionOption `json:"options"`
	Consensus  string            `json:"consensus,omitempty"` // winning option id
	Method     DecisionMethod    `json:"method"`
	Timestamp  time.Time         `json:"timestamp"`
	Rationale  string            `json:"rationale,omitempty"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// NewDecision creates an open decision with one option per description.
func NewDecision(sessionID, proposer, question string, options []string, method DecisionMethod, at time.Time) (*Decision, error) {
	if question == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "decision question is empty")
	}
	if len(options) < 2 {
		return nil, types.NewError(types.ErrInvalidRequest, "a decision needs at least two options")
	}
	if method == "" {
		method = MethodMajority
	}
	if !method.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown decision method %q", method)
	}

	d := &Decision{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Question:  question,
		Method:    method,
		Timestamp: at,
	}
	for i, desc := range options {
		d.Options = append(d.Options, &DecisionOption{
			ID:          fmt.Sprintf("opt-%d", i+1),
			Description: desc,
			ProposedBy:  proposer,
		})
	}
	return d, nil
}

// Resolved reports whether the decision reached consensus.
func (d *Decision) Resolved() bool {
	return d.Consensus != ""
}

// Option returns the option with the given ID.
func (d *Decision) Option(id string) (*DecisionOption, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// Vote records voter's choice. A voter holds at most one vote; voting again
// moves it. Votes on a resolved decision are rejected.
func (d *Decision) Vote(voter, optionID string) error {
	if d.Resolved() {
		return types.Errorf(types.ErrInvalidTransition, "decision %s already resolved", d.ID)
	}
	target, ok := d.Option(optionID)
	if !ok {
		return types.Errorf(types.ErrInvalidRequest, "decision %s has no option %s", d.ID, optionID)
	}
	for _, o := range d.Options {
		if i := slices.Index(o.Votes, voter); i >= 0 {
			o.Votes = slices.Delete(o.Votes, i, i+1)
		}
	}
	target.Votes = append(target.Votes, voter)
	slices.Sort(target.Votes)
	return nil
}

// Ballot is the electorate a decision resolves against.
type Ballot struct {
	Participants []string
	Weights      map[string]float64 // collaboration score per participant
	Expert       string             // session coordinator
}

// Resolve scores every option and sets Consensus when the method's
// condition is met. It returns true when the decision became resolved by
// this call.
func (d *Decision) Resolve(b Ballot, at time.Time) bool {
	if d.Resolved() || len(b.Participants) == 0 {
		return false
	}

	n := len(b.Participants)
	totalWeight := 0.0
	for _, p := range b.Participants {
		totalWeight += b.Weights[p]
	}
	weighted := d.Method == MethodWeighted && totalWeight > 0

	for _, o := range d.Options {
		o.Score = 0
		for _, v := range o.Votes {
			if !slices.Contains(b.Participants, v) {
				continue
			}
			if weighted {
				o.Score += b.Weights[v]
			} else {
				o.Score++
			}
		}
	}

	var winner *DecisionOption
	switch d.Method {
	case MethodMajority:
		winner = firstOption(d.Options, func(o *DecisionOption) bool { return o.Score*2 > float64(n) })
	case MethodUnanimous:
		winner = firstOption(d.Options, func(o *DecisionOption) bool { return int(o.Score) == n })
	case MethodWeighted:
		if weighted {
			winner = firstOption(d.Options, func(o *DecisionOption) bool { return o.Score*2 > totalWeight })
		} else {
			// 所有参与者得分为 0 时退化为等权多数
			winner = firstOption(d.Options, func(o *DecisionOption) bool { return o.Score*2 > float64(n) })
		}
	case MethodExpert:
		winner = firstOption(d.Options, func(o *DecisionOption) bool { return slices.Contains(o.Votes, b.Expert) })
	}
	if winner == nil {
		return false
	}

	d.Consensus = winner.ID
	d.ResolvedAt = &at
	if d.Rationale == "" {
		d.Rationale = fmt.Sprintf("%s resolved with %q (score %.2f)", d.Method, winner.Description, winner.Score)
	}
	return true
}

func firstOption(options []*DecisionOption, pred func(*DecisionOption) bool) *DecisionOption {
	for _, o := range options {
		if pred(o) {
			return o
		}
	}
	return nil
}

// Clone returns a deep copy of the decision.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	c := *d
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		c.ResolvedAt = &at
	}
	c.Options = make([]*DecisionOption, len(d.Options))
	for i, o := range d.Options {
		oc := *o
		oc.Votes = slices.Clone(o.Votes)
		c.Options[i] = &oc
	}
	return &c
}
