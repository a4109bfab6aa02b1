package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Maintenance cadences. Each task is due-checked at the top of every
// cycle, so actual spacing is quantised to the loop interval.
const (
	indexSyncEvery     = 30 * time.Minute
	chronicScanEvery   = 24 * time.Hour
	weeklyRollupEvery  = 7 * 24 * time.Hour
	chronicMinDays     = 3
)

// runMaintenance executes whichever housekeeping tasks are due. All
// tasks are best-effort: a failure is logged and retried at the next
// due check, never escalated into a cycle error.
func (e *Engine) runMaintenance(ctx context.Context, now time.Time) {
	if now.Sub(e.lastIndexSync) >= indexSyncEvery {
		e.lastIndexSync = now
		changed, err := e.goals.ImportJSONChanges()
		if err != nil {
			e.logger.Error("Goal index sync failed", "error", err)
		} else if changed {
			e.events.Emit("goals:imported", nil)
		}
	}

	if now.Sub(e.lastChronicScan) >= chronicScanEvery {
		e.lastChronicScan = now
		e.scanChronicModules(ctx)
		removed := e.diffs.Sweep(now)
		if removed > 0 {
			e.logger.Info("Swept expired cycle artefacts", "removed", removed)
		}
	}

	if now.Sub(e.lastWeeklyRollup) >= weeklyRollupEvery {
		e.lastWeeklyRollup = now
		e.weeklyCostRollup(ctx, now)
	}
}

// scanChronicModules records an observation for modules that have
// failed on several distinct days, so later prompts can surface them.
func (e *Engine) scanChronicModules(ctx context.Context) {
	if e.analytics == nil {
		return
	}
	modules, err := e.analytics.ChronicModules(ctx, chronicMinDays)
	if err != nil {
		e.logger.Error("Chronic module scan failed", "error", err)
		return
	}
	if len(modules) == 0 {
		return
	}
	content := fmt.Sprintf("chronic failures (%d+ distinct days): %s",
		chronicMinDays, strings.Join(modules, ", "))
	if err := e.analytics.RecordObservation(ctx, "chronic_errors", content); err != nil {
		e.logger.Error("Failed to record chronic-error observation", "error", err)
		return
	}
	e.events.Emit("maintenance:chronic_errors", map[string]any{"modules": modules})
}

// weeklyCostRollup snapshots the running spend so the cost detector has
// a rolling baseline to compare against.
func (e *Engine) weeklyCostRollup(ctx context.Context, now time.Time) {
	if e.analytics == nil {
		return
	}
	state := e.loadState()
	content := fmt.Sprintf("week ending %s: daily cost %.4f USD (sonnet %.4f), %d cycles total",
		now.In(e.cfg.Location).Format("2006-01-02"),
		state.DailyCost, state.DailySonnetCost, state.CycleCount)
	if err := e.analytics.RecordObservation(ctx, "weekly_cost_rollup", content); err != nil {
		e.logger.Error("Failed to record weekly cost rollup", "error", err)
		return
	}
	e.events.Emit("maintenance:cost_rollup", map[string]any{"dailyCost": state.DailyCost})
}
