package models

import "time"

// StateKey is the well-known K/V key holding the engine's CycleState.
const StateKey = "agent-loop"

// MaxRecentEvents bounds the persisted event ring inside CycleState.
const MaxRecentEvents = 50

// Followup is a user-tagged unit of deferred work. Aging raises its
// urgency: baseline = parent-goal priority minus one tier, +1 tier at
// 24 h, +2 tiers at 48 h, clamped to high.
type Followup struct {
	Topic     string    `json:"topic"`
	CreatedAt time.Time `json:"createdAt"`
	GoalID    string    `json:"goalId,omitempty"`
}

// Urgency computes the followup's aged urgency given the parent goal's
// priority (PriorityNormal when the goal is unknown).
func (f Followup) Urgency(parent Priority, now time.Time) Urgency {
	base := parent.Urgency()
	if base == UrgencyCritical {
		base = UrgencyHigh
	}
	// One tier below the parent goal.
	baseline := base.Escalate(-1)
	age := now.Sub(f.CreatedAt)
	switch {
	case age >= 48*time.Hour:
		return baseline.Escalate(2)
	case age >= 24*time.Hour:
		return baseline.Escalate(1)
	default:
		return baseline
	}
}

// EventRecord is one entry of the bounded event ring.
type EventRecord struct {
	Event string         `json:"event"`
	TS    time.Time      `json:"ts"`
	Data  map[string]any `json:"data,omitempty"`
}

// MaxCostHistoryDays bounds the closed-day spend ring used for the
// rolling daily average.
const MaxCostHistoryDays = 14

// DailyCost is one closed day's spend.
type DailyCost struct {
	Date string  `json:"date"` // YYYY-MM-DD
	USD  float64 `json:"usd"`
}

// RecentAction is one cross-cycle audit entry surfaced in later prompts.
type RecentAction struct {
	Cycle int       `json:"cycle"`
	TS    time.Time `json:"ts"`
	Text  string    `json:"text"`
}

// CycleState is the engine's durable state, persisted under StateKey
// after every cycle via the atomic K/V writer.
type CycleState struct {
	LastCycleAt           time.Time        `json:"lastCycleAt,omitzero"`
	CycleCount            int              `json:"cycleCount"`
	ConsecutiveSpawns     int              `json:"consecutiveSpawns"`
	ConsecutiveRecycles   int              `json:"consecutiveRecycles"`
	PendingFollowups      []Followup       `json:"pendingFollowups,omitempty"`
	LastSignals           []string         `json:"lastSignals,omitempty"`
	DailyCost             float64          `json:"dailyCost"`
	DailyCostDate         string           `json:"dailyCostDate,omitempty"` // YYYY-MM-DD
	DailySonnetCost       float64          `json:"dailySonnetCost"`
	CostHistory           []DailyCost      `json:"costHistory,omitempty"`     // closed days, oldest first
	SignalCooldowns       map[string]int64 `json:"signalCooldowns,omitempty"` // key → last fired, unix ms
	SonnetCooldownUntil   int              `json:"sonnetCooldownUntil"`       // cycleCount at which it lifts
	LastCycleTokens       int              `json:"lastCycleTokens"`
	LastCycleFileTouches  int              `json:"lastCycleFileTouches"`
	RecentEvents          []EventRecord    `json:"recentEvents,omitempty"`
	RecentActions         []RecentAction   `json:"recentActions,omitempty"`
	LastCostSpikeSignalAt time.Time        `json:"lastCostSpikeSignalAt,omitzero"`
	LastErrorSpikeAlertAt time.Time        `json:"lastErrorSpikeAlertAt,omitzero"`
	UpdatedAt             time.Time        `json:"updatedAt,omitzero"`
}

// RollingDailyAvgCost averages the recorded closed days. Zero until a
// full day has closed.
func (s *CycleState) RollingDailyAvgCost() float64 {
	if len(s.CostHistory) == 0 {
		return 0
	}
	var sum float64
	for _, d := range s.CostHistory {
		sum += d.USD
	}
	return sum / float64(len(s.CostHistory))
}

// FileDiff is one modified file captured in a cycle's audit record.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// CycleDiff is the per-cycle audit record written alongside the prompt
// and reply dumps, reviewable offline.
type CycleDiff struct {
	Cycle        int        `json:"cycle"`
	TS           time.Time  `json:"ts"`
	Model        string     `json:"model"`
	Cost         float64    `json:"cost"`
	Actions      []string   `json:"actions,omitempty"`
	BashCommands []string   `json:"bashCommands,omitempty"`
	Files        []FileDiff `json:"files,omitempty"`
	Reviewed     bool       `json:"reviewed"`
}
