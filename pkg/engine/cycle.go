package engine

import (
	"context"
	"strings"
	"time"

	"github.com/perchd/perch/pkg/autocoder"
	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/dispatch"
	"github.com/perchd/perch/pkg/events"
	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/llm"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/parser"
	"github.com/perchd/perch/pkg/prompt"
	"github.com/perchd/perch/pkg/signals"
)

// RunCycle executes one full cycle and returns the delay before the
// next one. It never panics the loop: every failure path degrades to
// the default interval.
func (e *Engine) RunCycle(ctx context.Context) time.Duration {
	e.mu.Lock()
	if e.cycleRunning {
		e.mu.Unlock()
		return e.cfg.LoopInterval
	}
	e.cycleRunning = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cycleRunning = false
		e.mu.Unlock()
	}()

	now := e.now()
	state := e.loadState()
	e.resetDailyCost(state, now)
	e.runMaintenance(ctx, now)

	w := e.world(now, state)
	sigs := signals.Collect(ctx, w)
	res := e.arb.Pick(sigs, state, now)

	state.CycleCount++
	state.LastCycleAt = now
	state.LastSignals = signalKeys(res.Picked)

	e.events.Emit(events.EventCycleStart, map[string]any{"cycle": state.CycleCount})
	if len(res.Picked) > 0 {
		e.events.Emit(events.EventCycleSignals, map[string]any{
			"cycle": state.CycleCount, "count": len(res.Picked), "signals": state.LastSignals,
		})
	}

	quiet := e.cfg.IsQuiet(now.In(e.cfg.Location))
	kind := prompt.Classify(len(res.Picked), state.CycleCount)

	if state.ConsecutiveSpawns >= e.cfg.BackoffThreshold {
		e.logger.Warn("Spawn backoff engaged, skipping cycle",
			"cycle", state.CycleCount, "consecutive_spawns", state.ConsecutiveSpawns)
		state.ConsecutiveSpawns = 0
		e.events.Emit(events.EventCycleBackoff, map[string]any{"cycle": state.CycleCount})
		e.persistState(state)
		return e.idleDelay(quiet, res.Picked)
	}

	if kind == prompt.KindSkip {
		state.ConsecutiveSpawns = 0
		state.ConsecutiveRecycles = 0
		e.events.Emit(events.EventCycleSkip, map[string]any{
			"cycle": state.CycleCount, "filtered": res.Filtered,
		})
		e.logger.Debug("No signals, cycle skipped", "cycle", state.CycleCount)
		e.persistState(state)
		return e.idleDelay(quiet, nil)
	}

	paid := kind == prompt.KindReasoning &&
		e.router.WantsPaid(res.Picked, state, state.CycleCount)

	in := e.promptInput(ctx, now, quiet, res.Picked, state, paid)
	promptText := e.prompt.Compose(kind, in)

	e.logger.Info("Spawning cycle", "cycle", state.CycleCount,
		"kind", kind, "paid", paid, "signals", len(res.Picked))

	result, err := e.router.Invoke(ctx, promptText, paid)
	if err != nil {
		return e.handleCycleError(ctx, state, err, quiet)
	}

	state.ConsecutiveSpawns++
	state.DailyCost += result.CostUSD
	if paid {
		state.DailySonnetCost += result.CostUSD
	}
	state.LastCycleTokens = result.InputTokens + result.OutputTokens

	directives := parser.Parse(result.Text)
	out := e.dispatcher.Dispatch(ctx, dispatch.Input{
		Directives: directives,
		Reply:      result.Text,
		Signals:    res.Picked,
		State:      state,
		CycleCount: state.CycleCount,
		Paid:       paid,
		Quiet:      quiet,
		Model:      result.Model,
		Now:        now,
	})
	state.LastCycleFileTouches = len(out.Files)

	e.writeCycleDiff(state, result.Model, result.CostUSD, result.ToolLog, out, promptText, result.Text, now)

	e.events.Emit(events.EventCycleComplete, map[string]any{
		"cycle":      state.CycleCount,
		"model":      result.Model,
		"cost":       result.CostUSD,
		"directives": len(directives),
		"messages":   out.MessagesSent,
		"actions":    len(out.Actions),
	})

	delay := e.nextDelay(state, out, quiet, res.Picked)
	e.persistState(state)
	return delay
}

// handleCycleError records the failure, flags the session for respawn,
// and falls back to the default delay.
func (e *Engine) handleCycleError(ctx context.Context, state *models.CycleState, err error, quiet bool) time.Duration {
	e.logger.Error("Cycle failed", "cycle", state.CycleCount, "error", err)
	e.events.Emit(events.EventCycleError, map[string]any{
		"cycle": state.CycleCount, "error": err.Error(),
	})
	e.sessions.NoteError()
	e.events.Emit(events.EventSessionReset, map[string]any{"cycle": state.CycleCount})
	if e.analytics != nil {
		if rerr := e.analytics.RecordError(context.WithoutCancel(ctx), "engine", err.Error()); rerr != nil {
			e.logger.Error("Failed to record cycle error", "error", rerr)
		}
	}
	state.ConsecutiveSpawns = 0
	state.ConsecutiveRecycles = 0
	e.persistState(state)
	return e.idleDelay(quiet, nil)
}

// promptInput assembles the composer input from the stores.
func (e *Engine) promptInput(ctx context.Context, now time.Time, quiet bool, picked []models.Signal, state *models.CycleState, paid bool) prompt.Input {
	in := prompt.Input{
		Now:           now,
		Location:      e.cfg.Location,
		Quiet:         quiet,
		Signals:       picked,
		RecentActions: state.RecentActions,
		Simplified:    !paid,
	}
	for _, g := range e.goals.List(goals.Filter{Statuses: []models.GoalStatus{
		models.GoalActive, models.GoalInProgress, models.GoalBlocked,
	}}) {
		in.Goals = append(in.Goals, *g)
	}
	if e.journal != nil {
		in.LearningContext = strings.Join(e.journal.RecentLessons(5), "\n")
		in.OpenHypotheses = e.journal.OpenHypotheses(5)
		in.RecentConclusions = e.journal.RecentConclusions(3)
	}
	// Milestone work is paid-tier only; free backends get no brief.
	if paid {
		if g, ms := autocoder.PickMilestone(in.Goals); g != nil {
			in.AutoCoderBrief = autocoder.BuildMilestoneBrief(g, ms)
		}
	}
	if hasSignal(picked, models.SignalErrorSpike) && e.analytics != nil {
		summary, err := e.analytics.SummarizeForAgent(ctx)
		if err != nil {
			e.logger.Warn("Error summary unavailable", "error", err)
		} else {
			in.ErrorAnalysis = summary
		}
	}
	return in
}

// writeCycleDiff persists the per-cycle audit record. Tool-loop bash
// invocations land in BashCommands, everything else in Actions.
func (e *Engine) writeCycleDiff(state *models.CycleState, model string, cost float64, toolLog []llm.ToolLogEntry, out dispatch.Outcome, promptText, reply string, now time.Time) {
	diff := models.CycleDiff{
		Cycle:   state.CycleCount,
		TS:      now,
		Model:   model,
		Cost:    cost,
		Actions: out.Actions,
		Files:   out.Files,
	}
	for _, entry := range toolLog {
		if entry.Name == "bash" || entry.Name == "run_command" {
			if cmd, ok := entry.Params["command"].(string); ok {
				diff.BashCommands = append(diff.BashCommands, cmd)
			}
		}
	}
	e.diffs.Write(diff, promptText, reply)
}

// nextDelay implements the scheduling ladder: a model override wins,
// then a bounded productive re-cycle, then the idle delay.
func (e *Engine) nextDelay(state *models.CycleState, out dispatch.Outcome, quiet bool, picked []models.Signal) time.Duration {
	if out.NextCycleOverride > 0 {
		state.ConsecutiveRecycles = 0
		return time.Duration(out.NextCycleOverride) * time.Minute
	}
	productive := len(out.Actions) >= 2 || out.GoalsCreated > 0
	if productive && state.ConsecutiveRecycles < maxConsecutiveRecycles {
		state.ConsecutiveRecycles++
		e.logger.Info("Productive cycle, re-cycling early",
			"consecutive_recycles", state.ConsecutiveRecycles)
		return e.cfg.RecycleDelay
	}
	state.ConsecutiveRecycles = 0
	return e.idleDelay(quiet, picked)
}

// idleDelay is the base interval, replaced by the longer quiet delay
// during quiet hours unless a critical signal is present.
func (e *Engine) idleDelay(quiet bool, picked []models.Signal) time.Duration {
	if quiet && !hasCritical(picked) && config.DefaultQuietDelay > e.cfg.LoopInterval {
		return config.DefaultQuietDelay
	}
	return e.cfg.LoopInterval
}

func signalKeys(sigs []models.Signal) []string {
	if len(sigs) == 0 {
		return nil
	}
	keys := make([]string, len(sigs))
	for i, s := range sigs {
		keys[i] = s.Key()
	}
	return keys
}

func hasSignal(sigs []models.Signal, typ string) bool {
	for _, s := range sigs {
		if s.Type == typ {
			return true
		}
	}
	return false
}

func hasCritical(sigs []models.Signal) bool {
	for _, s := range sigs {
		if s.Urgency == models.UrgencyCritical {
			return true
		}
	}
	return false
}
