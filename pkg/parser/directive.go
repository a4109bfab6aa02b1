// Package parser extracts tagged directives from free-form model
// output. Each XML-style tag maps 1-to-1 onto a Directive variant;
// unknown or malformed tags are ignored, repeated tags accumulate in
// document order, and attributes may appear in any order.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Directive is one parsed side-effect from the model reply. It is a
// closed sum type: the variants below are the complete set.
type Directive interface {
	// Tag returns the directive's wire tag name.
	Tag() string
	// canonical renders the directive back to canonical tag form.
	// Parsing canonical output yields an equal directive.
	canonical() string
}

// Message queues an outbound user-facing message.
type Message struct {
	Text string
}

func (d Message) Tag() string { return "wa_message" }
func (d Message) canonical() string {
	return wrap("wa_message", nil, d.Text)
}

// FollowupDirective enqueues a deferred topic, optionally bound to a goal.
type FollowupDirective struct {
	Topic  string
	GoalID string
}

func (d FollowupDirective) Tag() string { return "followup" }
func (d FollowupDirective) canonical() string {
	var attrs map[string]string
	if d.GoalID != "" {
		attrs = map[string]string{"goal": d.GoalID}
	}
	return wrap("followup", attrs, d.Topic)
}

// NextCycleMinutes overrides the delay before the next cycle.
type NextCycleMinutes struct {
	Minutes int
}

func (d NextCycleMinutes) Tag() string { return "next_cycle_minutes" }
func (d NextCycleMinutes) canonical() string {
	return wrap("next_cycle_minutes", nil, fmt.Sprintf("%d", d.Minutes))
}

// ActionTaken records an audit entry; required for any mutation.
type ActionTaken struct {
	Text string
}

func (d ActionTaken) Tag() string { return "action_taken" }
func (d ActionTaken) canonical() string {
	return wrap("action_taken", nil, d.Text)
}

// GoalCreate creates a new agent-owned goal.
type GoalCreate struct {
	Title       string
	Description string
}

func (d GoalCreate) Tag() string { return "goal_create" }
func (d GoalCreate) canonical() string {
	return wrap("goal_create", map[string]string{"title": d.Title}, d.Description)
}

// GoalUpdate applies a status transition and/or progress update.
type GoalUpdate struct {
	ID       string
	Status   string // empty = no status change
	Progress *int   // nil = no progress change
	Note     string
}

func (d GoalUpdate) Tag() string { return "goal_update" }
func (d GoalUpdate) canonical() string {
	attrs := map[string]string{"id": d.ID}
	if d.Status != "" {
		attrs["status"] = d.Status
	}
	if d.Progress != nil {
		attrs["progress"] = fmt.Sprintf("%d", *d.Progress)
	}
	return wrap("goal_update", attrs, d.Note)
}

// MilestoneComplete marks a milestone done with evidence.
type MilestoneComplete struct {
	GoalID      string
	MilestoneID string
	Evidence    string
}

func (d MilestoneComplete) Tag() string { return "milestone_complete" }
func (d MilestoneComplete) canonical() string {
	return wrap("milestone_complete",
		map[string]string{"goal": d.GoalID, "milestone": d.MilestoneID}, d.Evidence)
}

// GoalPropose creates a user-approval-gated goal.
type GoalPropose struct {
	Title      string
	Rationale  string
	Milestones string // raw payload: JSON array or newline list
}

func (d GoalPropose) Tag() string { return "goal_propose" }
func (d GoalPropose) canonical() string {
	return wrap("goal_propose",
		map[string]string{"title": d.Title, "rationale": d.Rationale}, d.Milestones)
}

// ToolCall invokes a tool through the bridge. Malformed JSON bodies
// carry the raw text and the malformed marker so the tool layer can
// return a descriptive error instead of raising.
type ToolCall struct {
	Name      string
	Params    map[string]any
	Raw       string
	Malformed bool
}

func (d ToolCall) Tag() string { return "tool_call" }
func (d ToolCall) canonical() string {
	body := d.Raw
	if !d.Malformed && d.Params != nil {
		if data, err := json.Marshal(d.Params); err == nil {
			body = string(data)
		}
	}
	return wrap("tool_call", map[string]string{"name": d.Name}, body)
}

// ChainPlan starts a workflow from a JSON or free-text plan.
type ChainPlan struct {
	Plan      map[string]any // nil when the body was free text
	Raw       string
	Malformed bool
}

func (d ChainPlan) Tag() string { return "chain_plan" }
func (d ChainPlan) canonical() string {
	return wrap("chain_plan", nil, d.Raw)
}

// LessonLearned appends to the learning journal.
type LessonLearned struct {
	Text string
}

func (d LessonLearned) Tag() string { return "lesson_learned" }
func (d LessonLearned) canonical() string {
	return wrap("lesson_learned", nil, d.Text)
}

// CapabilityGap records a missing-capability observation.
type CapabilityGap struct {
	Topic string
	Text  string
}

func (d CapabilityGap) Tag() string { return "capability_gap" }
func (d CapabilityGap) canonical() string {
	return wrap("capability_gap", map[string]string{"topic": d.Topic}, d.Text)
}

// ExperimentCreate starts an experiment from a JSON spec.
type ExperimentCreate struct {
	Spec      map[string]any
	Raw       string
	Malformed bool
}

func (d ExperimentCreate) Tag() string { return "experiment_create" }
func (d ExperimentCreate) canonical() string {
	return wrap("experiment_create", nil, d.Raw)
}

// Hypothesis opens a reasoning-journal entry.
type Hypothesis struct {
	Text string
}

func (d Hypothesis) Tag() string { return "hypothesis" }
func (d Hypothesis) canonical() string {
	return wrap("hypothesis", nil, d.Text)
}

// Evidence attaches evidence to an open hypothesis.
type Evidence struct {
	HID  string
	Text string
}

func (d Evidence) Tag() string { return "evidence" }
func (d Evidence) canonical() string {
	return wrap("evidence", map[string]string{"hid": d.HID}, d.Text)
}

// Conclude closes an open hypothesis.
type Conclude struct {
	HID  string
	Text string
}

func (d Conclude) Tag() string { return "conclude" }
func (d Conclude) canonical() string {
	return wrap("conclude", map[string]string{"hid": d.HID}, d.Text)
}

// SkillGenerate requests a new skill module.
type SkillGenerate struct {
	Name        string
	Category    string
	Description string
}

func (d SkillGenerate) Tag() string { return "skill_generate" }
func (d SkillGenerate) canonical() string {
	return wrap("skill_generate",
		map[string]string{"name": d.Name, "category": d.Category}, d.Description)
}

// Canonical serialises a directive list back to canonical tag form.
// Parse(Canonical(list)) yields an equal list.
func Canonical(directives []Directive) string {
	var sb strings.Builder
	for i, d := range directives {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(d.canonical())
	}
	return sb.String()
}

// wrap renders one tag with sorted attributes and the raw body.
func wrap(tag string, attrs map[string]string, body string) string {
	var sb strings.Builder
	sb.WriteByte('<')
	sb.WriteString(tag)
	for _, k := range sortedKeys(attrs) {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(attrs[k])
		sb.WriteByte('"')
	}
	sb.WriteByte('>')
	sb.WriteString(body)
	sb.WriteString("</")
	sb.WriteString(tag)
	sb.WriteByte('>')
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
