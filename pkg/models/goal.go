package models

import "time"

// GoalStatus is the lifecycle state of a goal.
type GoalStatus string

// Goal lifecycle states. Completed and abandoned are terminal.
const (
	GoalDraft      GoalStatus = "draft"
	GoalActive     GoalStatus = "active"
	GoalInProgress GoalStatus = "in_progress"
	GoalBlocked    GoalStatus = "blocked"
	GoalCompleted  GoalStatus = "completed"
	GoalAbandoned  GoalStatus = "abandoned"
	GoalProposed   GoalStatus = "proposed"
	GoalPending    GoalStatus = "pending"
)

// goalTransitions is the fixed status graph. Any transition not listed
// here is rejected by the goal store's mutating function.
var goalTransitions = map[GoalStatus][]GoalStatus{
	GoalDraft:      {GoalActive, GoalAbandoned},
	GoalActive:     {GoalInProgress, GoalBlocked, GoalAbandoned},
	GoalInProgress: {GoalBlocked, GoalCompleted, GoalAbandoned},
	GoalBlocked:    {GoalInProgress, GoalAbandoned},
	GoalProposed:   {GoalDraft, GoalActive, GoalAbandoned},
	GoalPending:    {GoalActive, GoalAbandoned},
}

// CanTransition reports whether a goal may move from one status to another.
// Same-status "transitions" are allowed (progress-only updates).
func CanTransition(from, to GoalStatus) bool {
	if from == to {
		return true
	}
	for _, next := range goalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders goals for attention.
type Priority string

// Goal priorities, most important first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityNormal:   3,
	PriorityLow:      4,
}

// Rank returns the sort rank of the priority (critical=0 … low=4).
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Urgency maps a goal priority onto signal urgency for goal-work signals.
func (p Priority) Urgency() Urgency {
	switch p {
	case PriorityCritical:
		return UrgencyCritical
	case PriorityHigh:
		return UrgencyHigh
	case PriorityMedium, PriorityNormal:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// MilestoneStatus is the state of a single milestone.
type MilestoneStatus string

// Milestone states.
const (
	MilestonePending MilestoneStatus = "pending"
	MilestoneDone    MilestoneStatus = "done"
	MilestoneSkipped MilestoneStatus = "skipped"
)

// Milestone is one ordered step toward a goal.
type Milestone struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Status      MilestoneStatus `json:"status"`
	CompletedAt time.Time       `json:"completedAt,omitzero"`
	Evidence    string          `json:"evidence,omitempty"`
}

// GoalEvent is one append-only log entry on a goal.
type GoalEvent struct {
	TS   time.Time `json:"ts"`
	Note string    `json:"note"`
}

// MaxGoalLogEvents bounds the per-goal log.
const MaxGoalLogEvents = 50

// Goal is a long-lived objective owned by the user or the agent.
type Goal struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Status       GoalStatus  `json:"status"`
	Priority     Priority    `json:"priority"`
	Progress     int         `json:"progress"` // 0..100
	Deadline     string      `json:"deadline,omitempty"` // ISO date, optional
	LinkedTopics []string    `json:"linkedTopics,omitempty"`
	Milestones   []Milestone `json:"milestones,omitempty"`
	Log          []GoalEvent `json:"log,omitempty"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Source       string      `json:"source"` // "user" | "agent"
}

// IsTerminal reports whether the goal can no longer change status.
func (g *Goal) IsTerminal() bool {
	return g.Status == GoalCompleted || g.Status == GoalAbandoned
}

// AllMilestonesDone reports whether every non-skipped milestone is done.
// Returns false for goals without milestones — they complete explicitly.
func (g *Goal) AllMilestonesDone() bool {
	done := 0
	for _, m := range g.Milestones {
		switch m.Status {
		case MilestoneSkipped:
			continue
		case MilestoneDone:
			done++
		default:
			return false
		}
	}
	return done > 0
}

// PendingMilestone returns the first milestone still pending, or nil.
func (g *Goal) PendingMilestone() *Milestone {
	for i := range g.Milestones {
		if g.Milestones[i].Status == MilestonePending {
			return &g.Milestones[i]
		}
	}
	return nil
}
