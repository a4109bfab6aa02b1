package parser

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// knownTags is the complete tag set, in no particular order; document
// position decides the output order.
var knownTags = []string{
	"wa_message",
	"followup",
	"next_cycle_minutes",
	"action_taken",
	"goal_create",
	"goal_update",
	"milestone_complete",
	"goal_propose",
	"tool_call",
	"chain_plan",
	"lesson_learned",
	"capability_gap",
	"experiment_create",
	"hypothesis",
	"evidence",
	"conclude",
	"skill_generate",
}

// tagPatterns is built once per tag. RE2 has no backreferences, so each
// tag gets its own open/close pattern instead of one generic one.
var tagPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(knownTags))
	for _, tag := range knownTags {
		m[tag] = regexp.MustCompile(`(?s)<` + tag + `((?:\s[^>]*?)?)>(.*?)</` + tag + `>`)
	}
	return m
}()

var attrPattern = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*=\s*"([^"]*)"`)

// rawTag is one matched occurrence before interpretation.
type rawTag struct {
	tag   string
	pos   int
	attrs map[string]string
	body  string
}

// Parse extracts every well-formed directive from a model reply, in
// document order. Malformed tags are dropped with a log line; unknown
// tags and surrounding prose are ignored.
func Parse(text string) []Directive {
	var raws []rawTag
	for _, tag := range knownTags {
		for _, m := range tagPatterns[tag].FindAllStringSubmatchIndex(text, -1) {
			attrText := text[m[2]:m[3]]
			attrs := make(map[string]string)
			for _, am := range attrPattern.FindAllStringSubmatch(attrText, -1) {
				attrs[am[1]] = am[2]
			}
			raws = append(raws, rawTag{
				tag:   tag,
				pos:   m[0],
				attrs: attrs,
				body:  strings.TrimSpace(text[m[4]:m[5]]),
			})
		}
	}
	sort.Slice(raws, func(i, j int) bool { return raws[i].pos < raws[j].pos })

	var out []Directive
	for _, r := range raws {
		d, ok := interpret(r)
		if !ok {
			slog.Warn("Dropping malformed directive tag",
				"tag", r.tag, "attrs", r.attrs)
			continue
		}
		out = append(out, d)
	}
	return out
}

// interpret converts one raw tag into its Directive variant. A false
// return means a required attribute or body was missing or unusable.
func interpret(r rawTag) (Directive, bool) {
	switch r.tag {
	case "wa_message":
		if r.body == "" {
			return nil, false
		}
		return Message{Text: r.body}, true

	case "followup":
		if r.body == "" {
			return nil, false
		}
		return FollowupDirective{Topic: r.body, GoalID: r.attrs["goal"]}, true

	case "next_cycle_minutes":
		minutes, err := strconv.Atoi(r.body)
		if err != nil {
			return nil, false
		}
		return NextCycleMinutes{Minutes: minutes}, true

	case "action_taken":
		if r.body == "" {
			return nil, false
		}
		return ActionTaken{Text: r.body}, true

	case "goal_create":
		title, ok := r.attrs["title"]
		if !ok || title == "" {
			return nil, false
		}
		return GoalCreate{Title: title, Description: r.body}, true

	case "goal_update":
		id, ok := r.attrs["id"]
		if !ok || id == "" {
			return nil, false
		}
		d := GoalUpdate{ID: id, Status: r.attrs["status"], Note: r.body}
		if p, ok := r.attrs["progress"]; ok {
			if n, err := strconv.Atoi(p); err == nil {
				d.Progress = &n
			}
		}
		return d, true

	case "milestone_complete":
		goalID, milestoneID := r.attrs["goal"], r.attrs["milestone"]
		if goalID == "" || milestoneID == "" {
			return nil, false
		}
		return MilestoneComplete{GoalID: goalID, MilestoneID: milestoneID, Evidence: r.body}, true

	case "goal_propose":
		title := r.attrs["title"]
		if title == "" {
			return nil, false
		}
		return GoalPropose{Title: title, Rationale: r.attrs["rationale"], Milestones: r.body}, true

	case "tool_call":
		name := r.attrs["name"]
		if name == "" {
			return nil, false
		}
		d := ToolCall{Name: name, Raw: r.body}
		if params, ok := RepairJSON(r.body); ok {
			d.Params = params
		} else {
			d.Malformed = true
		}
		return d, true

	case "chain_plan":
		if r.body == "" {
			return nil, false
		}
		d := ChainPlan{Raw: r.body}
		if looksLikeJSON(r.body) {
			if plan, ok := RepairJSON(r.body); ok {
				d.Plan = plan
			} else {
				d.Malformed = true
			}
		}
		return d, true

	case "lesson_learned":
		if r.body == "" {
			return nil, false
		}
		return LessonLearned{Text: r.body}, true

	case "capability_gap":
		topic := r.attrs["topic"]
		if topic == "" {
			return nil, false
		}
		return CapabilityGap{Topic: topic, Text: r.body}, true

	case "experiment_create":
		if r.body == "" {
			return nil, false
		}
		d := ExperimentCreate{Raw: r.body}
		if spec, ok := RepairJSON(r.body); ok {
			d.Spec = spec
		} else {
			d.Malformed = true
		}
		return d, true

	case "hypothesis":
		if r.body == "" {
			return nil, false
		}
		return Hypothesis{Text: r.body}, true

	case "evidence":
		hid := r.attrs["hid"]
		if hid == "" {
			return nil, false
		}
		return Evidence{HID: hid, Text: r.body}, true

	case "conclude":
		hid := r.attrs["hid"]
		if hid == "" {
			return nil, false
		}
		return Conclude{HID: hid, Text: r.body}, true

	case "skill_generate":
		name, category := r.attrs["name"], r.attrs["category"]
		if name == "" || category == "" {
			return nil, false
		}
		return SkillGenerate{Name: name, Category: category, Description: r.body}, true
	}
	return nil, false
}

// StripTags removes every known directive tag from the reply, leaving
// the prose the model wrote around them. Used for audit dumps.
func StripTags(text string) string {
	for _, tag := range knownTags {
		text = tagPatterns[tag].ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
