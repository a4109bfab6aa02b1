// Package signals holds the detector pipeline: pure functions that
// inspect process-wide state and emit zero or more Signals. Detectors
// run in a fixed order; a broken detector is logged and swallowed so
// it can never abort a cycle.
package signals

import (
	"context"
	"log/slog"
	"time"

	"github.com/perchd/perch/pkg/analytics"
	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/models"
)

// GoalSource is the read view of the goal store used by detectors.
type GoalSource interface {
	List(f goals.Filter) []*models.Goal
	Get(id string) *models.Goal
	FindByTitle(title string) *models.Goal
	Stale(hours int) []*models.Goal
	UpcomingDeadlines(days int) []*models.Goal
}

// ErrorAnalytics is the slice of the analytics store the detectors use.
type ErrorAnalytics interface {
	DetectSpike(ctx context.Context) (*analytics.Spike, error)
	KeywordDays(ctx context.Context) (map[string]int, error)
	RecoveryPatternCounts(ctx context.Context) (map[string]int, error)
}

// EventCounter is the live event log view used by the recent-event
// heuristics.
type EventCounter interface {
	CountSince(event string, cutoff time.Time) int
}

// CronStatus describes one registered cron for the cron detectors.
type CronStatus struct {
	ID                string
	Name              string
	Enabled           bool
	ConsecutiveErrors int
	Deliveries        int
	EngagementRate    float64 // 0..1, reactions per delivery
}

// MemoryTier is the tiered heap/RSS classification.
type MemoryTier string

// Memory pressure tiers, benign first.
const (
	MemNormal   MemoryTier = "NORMAL"
	MemWarn     MemoryTier = "WARN"
	MemShed     MemoryTier = "SHED"
	MemCritical MemoryTier = "CRITICAL"
	MemRestart  MemoryTier = "RESTART"
)

// MemoryStats is a snapshot of process memory for the pressure detector.
type MemoryStats struct {
	Tier   MemoryTier
	HeapMB int
	RSSMB  int
}

// MemoryRecord describes one external memory entry for the staleness
// detectors.
type MemoryRecord struct {
	ID           string
	Tier         string
	LastAccessed time.Time
}

// WorkflowStatus describes one running workflow for the plan-stuck
// detector.
type WorkflowStatus struct {
	ID          string
	Step        string
	StepStarted time.Time
	Started     time.Time
	MaxDuration time.Duration
}

// WatchItem is a module-local watchlist entry with a hard deadline
// (e.g. a transfer closing).
type WatchItem struct {
	Module   string
	ID       string
	Summary  string
	Deadline time.Time
}

// ModuleDetector lets registered modules contribute their own signals.
type ModuleDetector interface {
	Name() string
	Detect(ctx context.Context, w *World) []models.Signal
}

// World is the read-mostly snapshot detectors inspect. The narrow
// documented exceptions (cost-spike debounce, error-spike alert
// cooldown, memory-alert cooldown) mutate fields of State through
// this struct.
type World struct {
	Now time.Time
	Cfg *config.Config

	Goals     GoalSource
	State     *models.CycleState
	Analytics ErrorAnalytics
	Events    EventCounter

	Crons         []CronStatus
	Memory        MemoryStats
	MemoryRecords []MemoryRecord
	MCPFailures   int  // consecutive failed memory-service probes
	MCPReachable  bool

	LastInboundAt  time.Time // last inbound user message
	BotMemoryMtime time.Time // bot-authored memory file

	Workflows []WorkflowStatus
	Watchlist []WatchItem

	RollingDailyAvgCost float64
	APICallsToday       int

	// Alert fires a direct out-of-band notification. Nil disables.
	Alert func(text string)

	Modules []ModuleDetector

	// lastMemoryAlertAt rate-limits CRITICAL memory alerts within the
	// process lifetime.
	lastMemoryAlertAt time.Time
}

// detector is one named pure detection function.
type detector struct {
	name string
	fn   func(ctx context.Context, w *World) []models.Signal
}

// pipeline is the fixed detector order. Selection tie-breaks depend on
// this order staying stable.
var pipeline = []detector{
	{"stale_goal", detectStaleGoals},
	{"blocked_goal", detectBlockedGoals},
	{"deadline_approaching", detectDeadlines},
	{"failing_cron", detectFailingCrons},
	{"followup", detectFollowups},
	{"cost_spike", detectCostSpike},
	{"memory_pressure", detectMemoryPressure},
	{"mcp_disconnected", detectMCPDisconnected},
	{"error_spike", detectErrorSpike},
	{"conversation_gap", detectConversationGap},
	{"stale_memory", detectStaleMemory},
	{"low_engagement_cron", detectLowEngagement},
	{"stale_bot_memory", detectStaleBotMemory},
	{"goal_work", detectGoalWork},
	{"recent_events", detectRecentEventHeuristics},
	{"pattern_observed", detectPatterns},
	{"self_improvement", detectSelfImprovement},
	{"plan_stuck", detectPlanStuck},
	{"transfer_deadline", detectTransferDeadlines},
}

// Collect runs every detector in order, then module detectors, then
// the synthesis passes (compound, chain opportunity, correlation).
// Signals carry their insertion index for deterministic tie-breaking.
func Collect(ctx context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, d := range pipeline {
		out = append(out, runDetector(ctx, w, d.name, d.fn)...)
	}
	for _, m := range w.Modules {
		out = append(out, runDetector(ctx, w, "module:"+m.Name(), m.Detect)...)
	}
	out = append(out, synthesizeCompound(out)...)
	out = append(out, synthesizeChainOpportunity(out)...)
	out = append(out, Correlate(out, w)...)

	for i := range out {
		out[i].Index = i
	}
	return out
}

// runDetector shields the cycle from detector failures: panics are
// recovered and logged, and the detector's signals are dropped.
func runDetector(ctx context.Context, w *World, name string, fn func(context.Context, *World) []models.Signal) (sigs []models.Signal) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Signal detector panicked", "detector", name, "panic", r)
			sigs = nil
		}
	}()
	return fn(ctx, w)
}
