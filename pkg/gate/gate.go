// Package gate decides whether an agent-initiated tool or chain
// execution runs autonomously, is proposed to the user, or requires
// explicit confirmation. The dispatcher depends only on the small
// contracts here; concrete evaluators are wired at startup, which
// keeps the trust engine, gate, and dispatcher free of import cycles.
package gate

import "strings"

// Decision is the gate's verdict for one action.
type Decision string

const (
	DecisionConfirm Decision = "confirm" // score < 4: ask the user first
	DecisionPropose Decision = "propose" // 4 <= score < 7: suggest, do not run
	DecisionExecute Decision = "execute" // score >= 7: run, subject to trust tier
)

// Score thresholds.
const (
	DefaultMinScore   = 4
	ExecuteScoreFloor = 7
)

// Action is a gated operation: a tool execution or a chain run.
type Action struct {
	Kind   string // "execute_tool" | "run_chain"
	Name   string
	Params map[string]any
}

// GateEvaluator scores an action 0..10. Higher means safer.
type GateEvaluator interface {
	Score(a Action) int
}

// TrustEvaluator can downgrade an execute verdict based on the
// operator-configured trust tier.
type TrustEvaluator interface {
	Cap(a Action, d Decision) Decision
}

// LearningStore receives gate outcomes so future scoring can learn
// from what the user approved or rejected.
type LearningStore interface {
	RecordOutcome(a Action, d Decision, approved bool)
}

// Gate combines the evaluators into the dispatcher-facing decision.
type Gate struct {
	enabled  bool
	minScore int
	scorer   GateEvaluator
	trust    TrustEvaluator
}

// New builds a gate. A nil scorer falls back to the heuristic scorer;
// a nil trust evaluator never downgrades.
func New(enabled bool, minScore int, scorer GateEvaluator, trust TrustEvaluator) *Gate {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Gate{enabled: enabled, minScore: minScore, scorer: scorer, trust: trust}
}

// Evaluate returns the verdict for one action. A disabled gate always
// executes.
func (g *Gate) Evaluate(a Action) Decision {
	if !g.enabled {
		return DecisionExecute
	}
	score := g.scorer.Score(a)
	var d Decision
	switch {
	case score < g.minScore:
		d = DecisionConfirm
	case score < ExecuteScoreFloor:
		d = DecisionPropose
	default:
		d = DecisionExecute
	}
	if d == DecisionExecute && g.trust != nil {
		d = g.trust.Cap(a, d)
	}
	return d
}

// HeuristicScorer is the default scorer: read-only operations score
// high, irreversible or financial ones low, everything else lands in
// the propose band.
type HeuristicScorer struct{}

var readOnlyPrefixes = []string{"list", "get", "read", "status", "search", "summarize"}

var riskyKeywords = []string{"delete", "remove", "pay", "transfer", "send_money", "bid", "commit", "deploy"}

func (HeuristicScorer) Score(a Action) int {
	name := strings.ToLower(a.Name)
	for _, kw := range riskyKeywords {
		if strings.Contains(name, kw) {
			return 3
		}
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return 8
		}
	}
	if a.Kind == "run_chain" {
		// Chains compound unknown steps; keep them in the propose band.
		return 5
	}
	return 6
}

// TierTrust is a static trust evaluator: supervised installations cap
// everything at propose.
type TierTrust struct {
	Supervised bool
}

func (t TierTrust) Cap(_ Action, d Decision) Decision {
	if t.Supervised && d == DecisionExecute {
		return DecisionPropose
	}
	return d
}
