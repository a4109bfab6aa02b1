// Package dispatch applies the parsed directives of one model reply in
// a fixed order, so directive effects never depend on how the model
// happened to arrange its tags.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/perchd/perch/pkg/gate"
	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/messaging"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/parser"
	"github.com/perchd/perch/pkg/prompt"
)

// MaxFollowups bounds the pending-followup queue.
const MaxFollowups = 5

// sonnetCooldownCycles is how many cycles stay off the paid tier after
// a cost spike.
const sonnetCooldownCycles = 5

// maxAgentActiveGoals caps how many active goals the agent may own at
// once; further creates are rejected until one completes.
const maxAgentActiveGoals = 5

// GoalStore is the slice of the goal store the dispatcher mutates.
type GoalStore interface {
	Get(id string) *models.Goal
	Add(title string, opts goals.AddOpts) (*models.Goal, error)
	Propose(title string, opts goals.AddOpts) (*models.Goal, error)
	Update(id string, fields goals.UpdateFields) *models.Goal
	CompleteMilestone(goalID, milestoneID, evidence, model string) (*models.Goal, error)
	CountAgentActive() int
}

// Messenger is the outbound surface the dispatcher uses.
type Messenger interface {
	SendToGroup(ctx context.Context, category messaging.Category, text string) bool
	CategoryFor(signals []models.Signal) messaging.Category
}

// ToolRunner executes gated tool calls and chains.
type ToolRunner interface {
	Execute(ctx context.Context, name string, params map[string]any) (string, error)
}

// Journal receives learning, gap, experiment, and reasoning entries.
// The K/V-backed implementation lives in the engine wiring.
type Journal interface {
	LessonLearned(text string)
	CapabilityGap(topic, text string)
	ExperimentCreate(spec map[string]any, raw string)
	Hypothesis(text string)
	Evidence(hid, text string)
	Conclude(hid, text string)
}

// AutoCoderHook runs the verify-and-commit flow after a paid-cycle
// milestone completion and returns the diffs of the files it touched,
// which land in the cycle's audit record.
type AutoCoderHook func(ctx context.Context, goal *models.Goal, ms *models.Milestone, evidence string) []models.FileDiff

// ViolationChecker revalidates a reply against a module limit and
// returns human-readable violations.
type ViolationChecker func(reply string, signals []models.Signal) []string

// Input is everything the dispatcher needs for one cycle's directives.
type Input struct {
	Directives []parser.Directive
	Reply      string // full model text, for audits
	Signals    []models.Signal // picked set
	State      *models.CycleState
	CycleCount int
	Paid       bool
	Quiet      bool
	Model      string
	Now        time.Time
}

// Outcome summarises what the dispatcher did.
type Outcome struct {
	MessagesSent       int
	MessagesSuppressed int
	Actions            []string
	GoalsCreated       int
	GoalsUpdated       int
	Milestones         int
	NextCycleOverride  int // minutes; 0 = none
	Violations         []string
	StrippedClaims     int
	Files              []models.FileDiff // auto-coder touches, audit only
}

// Dispatcher executes directives against the stores.
type Dispatcher struct {
	goals      GoalStore
	messenger  Messenger
	tools      ToolRunner
	journal    Journal
	gate       *gate.Gate
	autoCoder  AutoCoderHook
	violations []ViolationChecker
	logger     *slog.Logger
}

func New(goalStore GoalStore, messenger Messenger, tools ToolRunner, journal Journal, g *gate.Gate, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		goals:     goalStore,
		messenger: messenger,
		tools:     tools,
		journal:   journal,
		gate:      g,
		logger:    logger.With("component", "dispatcher"),
	}
}

// SetAutoCoderHook wires the milestone verify-and-commit flow.
func (d *Dispatcher) SetAutoCoderHook(hook AutoCoderHook) { d.autoCoder = hook }

// AddViolationChecker registers a module limit audit. Startup only.
func (d *Dispatcher) AddViolationChecker(c ViolationChecker) {
	d.violations = append(d.violations, c)
}

// Dispatch applies directives in the fixed order. Individual directive
// failures are logged and skipped; the cycle always completes.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) Outcome {
	var out Outcome

	directives := in.Directives
	if !in.Paid {
		directives, out.StrippedClaims = d.auditHallucinations(directives)
	}

	byTag := groupDirectives(directives)
	suppress := d.suppressMessages(in)

	// 1. Outbound messages.
	category := d.messenger.CategoryFor(in.Signals)
	for _, dir := range byTag.messages {
		if suppress {
			out.MessagesSuppressed++
			d.logger.Info("Suppressing outbound message during quiet hours", "category", category)
			continue
		}
		if d.messenger.SendToGroup(ctx, category, dir.Text) {
			out.MessagesSent++
		}
	}

	// 2. Followup enqueue.
	for _, dir := range byTag.followups {
		d.enqueueFollowup(in.State, dir, in.Now)
	}

	// 3. Action audit.
	for _, dir := range byTag.actions {
		out.Actions = append(out.Actions, dir.Text)
		d.recordAction(in.State, in.CycleCount, dir.Text, in.Now)
	}

	// 4. Goal creates: one per cycle, and never past the agent-owned
	// active cap. Extra creates belong in <goal_propose>.
	for i, dir := range byTag.goalCreates {
		if i > 0 {
			d.logger.Warn("Goal create rejected, one per cycle", "title", dir.Title)
			continue
		}
		if n := d.goals.CountAgentActive(); n >= maxAgentActiveGoals {
			d.logger.Warn("Goal create rejected, agent-owned active cap reached",
				"title", dir.Title, "active", n, "cap", maxAgentActiveGoals)
			continue
		}
		if _, err := d.goals.Add(dir.Title, goals.AddOpts{Description: dir.Description, Source: "agent"}); err != nil {
			d.logger.Warn("Goal create rejected", "title", dir.Title, "error", err)
			continue
		}
		out.GoalsCreated++
	}

	// 5. Goal proposals.
	for _, dir := range byTag.goalProposes {
		opts := goals.AddOpts{Description: dir.Rationale, Source: "agent", Milestones: splitMilestones(dir.Milestones)}
		if _, err := d.goals.Propose(dir.Title, opts); err != nil {
			d.logger.Warn("Goal proposal rejected", "title", dir.Title, "error", err)
		}
	}

	// 6. Goal updates. Illegal transitions leave the goal unchanged.
	for _, dir := range byTag.goalUpdates {
		fields := goals.UpdateFields{Status: models.GoalStatus(dir.Status), Progress: dir.Progress, Note: dir.Note}
		if updated := d.goals.Update(dir.ID, fields); updated == nil {
			d.logger.Warn("Goal update rejected",
				"goal", dir.ID, "status", dir.Status)
			continue
		}
		out.GoalsUpdated++
	}

	// 7. Milestone completions, with the auto-coder hook on paid cycles.
	for _, dir := range byTag.milestones {
		updated, err := d.goals.CompleteMilestone(dir.GoalID, dir.MilestoneID, dir.Evidence, in.Model)
		if err != nil {
			d.logger.Warn("Milestone completion rejected",
				"goal", dir.GoalID, "milestone", dir.MilestoneID, "error", err)
			continue
		}
		out.Milestones++
		if in.Paid && d.autoCoder != nil {
			if ms := findMilestone(updated, dir.MilestoneID); ms != nil {
				out.Files = append(out.Files, d.autoCoder(ctx, updated, ms, dir.Evidence)...)
			}
		}
	}

	// 8. Skill generations go to the journal as capability work items.
	for _, dir := range byTag.skills {
		d.journal.CapabilityGap(dir.Name, fmt.Sprintf("skill requested (%s): %s", dir.Category, dir.Description))
	}

	// 9. Tool calls. Free backends already ran theirs in the router
	// loop; only paid-cycle leftovers execute here, behind the gate.
	if in.Paid {
		for _, dir := range byTag.toolCalls {
			d.runGatedTool(ctx, dir, &out)
		}
	}

	// 10. Chain plans, also gated.
	for _, dir := range byTag.chains {
		d.runGatedChain(ctx, dir, &out)
	}

	// 11. Learning and journal entries.
	for _, dir := range byTag.lessons {
		d.journal.LessonLearned(dir.Text)
	}
	for _, dir := range byTag.hypotheses {
		d.journal.Hypothesis(dir.Text)
	}
	for _, dir := range byTag.evidence {
		d.journal.Evidence(dir.HID, dir.Text)
	}
	for _, dir := range byTag.conclusions {
		d.journal.Conclude(dir.HID, dir.Text)
	}

	// 12. Gap and experiment entries.
	for _, dir := range byTag.gaps {
		d.journal.CapabilityGap(dir.Topic, dir.Text)
	}
	for _, dir := range byTag.experiments {
		d.journal.ExperimentCreate(dir.Spec, dir.Raw)
	}

	// Cycle-delay override.
	for _, dir := range byTag.delays {
		out.NextCycleOverride = prompt.ClampCycleMinutes(dir.Minutes)
	}

	d.applyCostSpikeCooldown(in)
	out.Violations = d.auditViolations(in)
	return out
}

// suppressMessages applies the quiet-hours rule: suppress unless a
// critical module signal is present.
func (d *Dispatcher) suppressMessages(in Input) bool {
	if !in.Quiet {
		return false
	}
	for _, s := range in.Signals {
		if s.Urgency == models.UrgencyCritical {
			return false
		}
	}
	return true
}

// enqueueFollowup appends to the bounded followup queue, dropping the
// oldest entry when full.
func (d *Dispatcher) enqueueFollowup(state *models.CycleState, dir parser.FollowupDirective, now time.Time) {
	for _, f := range state.PendingFollowups {
		if strings.EqualFold(f.Topic, dir.Topic) {
			return
		}
	}
	state.PendingFollowups = append(state.PendingFollowups, models.Followup{
		Topic:     dir.Topic,
		GoalID:    dir.GoalID,
		CreatedAt: now,
	})
	if len(state.PendingFollowups) > MaxFollowups {
		state.PendingFollowups = state.PendingFollowups[len(state.PendingFollowups)-MaxFollowups:]
	}
}

func (d *Dispatcher) recordAction(state *models.CycleState, cycle int, text string, now time.Time) {
	state.RecentActions = append(state.RecentActions, models.RecentAction{
		Cycle: cycle,
		TS:    now,
		Text:  text,
	})
	if len(state.RecentActions) > models.MaxRecentEvents {
		state.RecentActions = state.RecentActions[len(state.RecentActions)-models.MaxRecentEvents:]
	}
}

func (d *Dispatcher) runGatedTool(ctx context.Context, dir parser.ToolCall, out *Outcome) {
	if dir.Malformed {
		d.logger.Warn("Skipping malformed tool call", "tool", dir.Name)
		return
	}
	action := gate.Action{Kind: "execute_tool", Name: dir.Name, Params: dir.Params}
	switch decision := d.gate.Evaluate(action); decision {
	case gate.DecisionExecute:
		if _, err := d.tools.Execute(ctx, dir.Name, dir.Params); err != nil {
			d.logger.Warn("Gated tool execution failed", "tool", dir.Name, "error", err)
		}
	default:
		d.logger.Info("Confidence gate held back tool call",
			"tool", dir.Name, "decision", decision)
		out.Actions = append(out.Actions, fmt.Sprintf("gate:%s tool %s", decision, dir.Name))
	}
}

func (d *Dispatcher) runGatedChain(ctx context.Context, dir parser.ChainPlan, out *Outcome) {
	if dir.Malformed {
		d.logger.Warn("Skipping malformed chain plan")
		return
	}
	action := gate.Action{Kind: "run_chain", Name: "chain_plan", Params: dir.Plan}
	switch decision := d.gate.Evaluate(action); decision {
	case gate.DecisionExecute:
		if _, err := d.tools.Execute(ctx, "run_chain", map[string]any{"plan": dir.Raw}); err != nil {
			d.logger.Warn("Chain execution failed", "error", err)
		}
	default:
		d.logger.Info("Confidence gate held back chain plan", "decision", decision)
		out.Actions = append(out.Actions, fmt.Sprintf("gate:%s chain plan", decision))
	}
}

// auditHallucinations strips claim-only action entries from free-cycle
// replies: a free backend that claims actions but emitted zero
// mutating directives is narrating work it never did, and its outbound
// messages would relay that fiction to the user.
func (d *Dispatcher) auditHallucinations(directives []parser.Directive) ([]parser.Directive, int) {
	claims := 0
	mutations := 0
	for _, dir := range directives {
		switch dir.(type) {
		case parser.ActionTaken:
			claims++
		case parser.GoalCreate, parser.GoalUpdate, parser.MilestoneComplete, parser.GoalPropose, parser.ToolCall:
			mutations++
		}
	}
	if claims == 0 || mutations > 0 {
		return directives, 0
	}

	d.logger.Warn("Stripping claim-only actions from free-backend reply", "claims", claims)
	kept := make([]parser.Directive, 0, len(directives))
	stripped := 0
	for _, dir := range directives {
		switch dir.(type) {
		case parser.ActionTaken, parser.Message:
			stripped++
		default:
			kept = append(kept, dir)
		}
	}
	return kept, stripped
}

// applyCostSpikeCooldown imposes the self-throttle: a cost spike in
// the picked set keeps the next cycles off the paid tier.
func (d *Dispatcher) applyCostSpikeCooldown(in Input) {
	for _, s := range in.Signals {
		if s.Type == models.SignalCostSpike {
			in.State.SonnetCooldownUntil = in.CycleCount + sonnetCooldownCycles
			d.logger.Info("Cost spike picked, imposing Sonnet cooldown",
				"until_cycle", in.State.SonnetCooldownUntil)
			return
		}
	}
}

func (d *Dispatcher) auditViolations(in Input) []string {
	var all []string
	for _, check := range d.violations {
		for _, v := range check(in.Reply, in.Signals) {
			d.logger.Error("Module limit violation detected", "violation", v)
			all = append(all, v)
		}
	}
	return all
}

// grouped holds directives bucketed by variant, preserving in-tag order.
type grouped struct {
	messages     []parser.Message
	followups    []parser.FollowupDirective
	delays       []parser.NextCycleMinutes
	actions      []parser.ActionTaken
	goalCreates  []parser.GoalCreate
	goalUpdates  []parser.GoalUpdate
	milestones   []parser.MilestoneComplete
	goalProposes []parser.GoalPropose
	toolCalls    []parser.ToolCall
	chains       []parser.ChainPlan
	lessons      []parser.LessonLearned
	gaps         []parser.CapabilityGap
	experiments  []parser.ExperimentCreate
	hypotheses   []parser.Hypothesis
	evidence     []parser.Evidence
	conclusions  []parser.Conclude
	skills       []parser.SkillGenerate
}

func groupDirectives(directives []parser.Directive) grouped {
	var g grouped
	for _, dir := range directives {
		switch v := dir.(type) {
		case parser.Message:
			g.messages = append(g.messages, v)
		case parser.FollowupDirective:
			g.followups = append(g.followups, v)
		case parser.NextCycleMinutes:
			g.delays = append(g.delays, v)
		case parser.ActionTaken:
			g.actions = append(g.actions, v)
		case parser.GoalCreate:
			g.goalCreates = append(g.goalCreates, v)
		case parser.GoalUpdate:
			g.goalUpdates = append(g.goalUpdates, v)
		case parser.MilestoneComplete:
			g.milestones = append(g.milestones, v)
		case parser.GoalPropose:
			g.goalProposes = append(g.goalProposes, v)
		case parser.ToolCall:
			g.toolCalls = append(g.toolCalls, v)
		case parser.ChainPlan:
			g.chains = append(g.chains, v)
		case parser.LessonLearned:
			g.lessons = append(g.lessons, v)
		case parser.CapabilityGap:
			g.gaps = append(g.gaps, v)
		case parser.ExperimentCreate:
			g.experiments = append(g.experiments, v)
		case parser.Hypothesis:
			g.hypotheses = append(g.hypotheses, v)
		case parser.Evidence:
			g.evidence = append(g.evidence, v)
		case parser.Conclude:
			g.conclusions = append(g.conclusions, v)
		case parser.SkillGenerate:
			g.skills = append(g.skills, v)
		}
	}
	return g
}

// splitMilestones accepts either a JSON string array or one milestone
// per line, optionally dash-prefixed.
func splitMilestones(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			return arr
		}
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func findMilestone(g *models.Goal, id string) *models.Milestone {
	if g == nil {
		return nil
	}
	for i := range g.Milestones {
		if g.Milestones[i].ID == id {
			return &g.Milestones[i]
		}
	}
	return nil
}
