package models

import (
	"fmt"
	"time"
)

// Urgency is the ordinal priority of a signal. It is used only for
// selection and prompt labelling, never for scheduling.
type Urgency string

// Urgency levels, most urgent first.
const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// urgencyRank orders urgencies for sorting. Lower rank sorts first.
var urgencyRank = map[Urgency]int{
	UrgencyCritical: 0,
	UrgencyHigh:     1,
	UrgencyMedium:   2,
	UrgencyLow:      3,
}

// Rank returns the sort rank of the urgency (critical=0 … low=3).
// Unknown urgencies rank after low so they are never starved ahead
// of known levels.
func (u Urgency) Rank() int {
	if r, ok := urgencyRank[u]; ok {
		return r
	}
	return len(urgencyRank)
}

// IsValid reports whether the urgency is one of the four known levels.
func (u Urgency) IsValid() bool {
	_, ok := urgencyRank[u]
	return ok
}

// Escalate raises the urgency by n tiers, clamped at high.
// Aging followups never reach critical on their own.
func (u Urgency) Escalate(n int) Urgency {
	order := []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh}
	idx := 0
	for i, lvl := range order {
		if lvl == u {
			idx = i
			break
		}
	}
	idx += n
	if idx >= len(order) {
		idx = len(order) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return order[idx]
}

// Core signal types emitted by the built-in detectors. Modules may
// contribute additional types; the arbiter treats types opaquely.
const (
	SignalStaleGoal        = "stale_goal"
	SignalBlockedGoal      = "blocked_goal"
	SignalDeadline         = "deadline_approaching"
	SignalFailingCron      = "failing_cron"
	SignalFollowup         = "followup"
	SignalCostSpike        = "cost_spike"
	SignalMemoryPressure   = "memory_pressure"
	SignalMCPDisconnected  = "mcp_disconnected"
	SignalErrorSpike       = "error_spike"
	SignalConversationGap  = "conversation_gap"
	SignalStaleMemory      = "stale_memory"
	SignalLowEngagement    = "low_engagement_cron"
	SignalStaleBotMemory   = "stale_bot_memory"
	SignalGoalWork         = "goal_work"
	SignalCompound         = "compound"
	SignalGoalProgress     = "goal_progress"
	SignalAnomaly          = "anomaly"
	SignalIdleTime         = "idle_time"
	SignalChainOpportunity = "chain_opportunity"
	SignalSelfImprovement  = "self_improvement"
	SignalUserDisengaged   = "user_disengaged"
	SignalSystemIncident   = "system_incident"
	SignalCostDowngrade    = "cost_downgrade_hint"
	SignalPatternObserved  = "pattern_observed"
	SignalPlanStuck        = "plan_stuck"
	SignalTransferDeadline = "transfer_deadline"
)

// Signal is a detected condition worth surfacing to the model.
// Signals are immutable once emitted within a cycle and are never
// persisted — only their cooldown keys survive the cycle.
type Signal struct {
	Type    string         `json:"type"`
	Urgency Urgency        `json:"urgency"`
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`

	// Index is the insertion order within the cycle. It breaks ties
	// during selection so detector order stays deterministic.
	Index int `json:"-"`
}

// Data keys with well-known meaning across detectors and the arbiter.
const (
	DataGoalID      = "goalId"
	DataCronID      = "cronId"
	DataMemoryID    = "memoryId"
	DataTopic       = "topic"
	DataLastCheckAt = "lastCheckAt"
	DataModule      = "module"
)

// Key derives the stable cooldown identifier for the signal:
// "type:<goalId|cronId|memoryId|topic>". A signal whose data carries
// none of the known keys falls back to the bare type, so repeated
// emissions share one cooldown entry.
func (s Signal) Key() string {
	for _, k := range []string{DataGoalID, DataCronID, DataMemoryID, DataTopic} {
		if v, ok := s.Data[k]; ok {
			if str := fmt.Sprint(v); str != "" {
				return s.Type + ":" + str
			}
		}
	}
	return s.Type
}

// GoalID returns the goal the signal refers to, if any.
func (s Signal) GoalID() string {
	if v, ok := s.Data[DataGoalID]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// CooldownFor returns how long a repeat of the same SignalKey stays
// suppressed after firing. High and critical signals never cool down.
func CooldownFor(u Urgency) time.Duration {
	switch u {
	case UrgencyLow:
		return 3 * time.Hour
	case UrgencyMedium:
		return time.Hour
	default:
		return 0
	}
}
