// Package prompt composes the per-cycle prompt text. Stateless apart
// from the registered per-signal brief builders — all cycle state
// arrives through Input.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// Kind classifies the cycle's prompt.
type Kind string

const (
	KindReasoning  Kind = "reasoning"
	KindReflection Kind = "reflection"
	KindSkip       Kind = "skip"
)

// ReflectionEvery sets which zero-signal cycles become reflection
// cycles instead of skips.
const ReflectionEvery = 4

// Classify picks the cycle kind from the picked-signal count and the
// cycle counter.
func Classify(signalCount, cycleCount int) Kind {
	if signalCount > 0 {
		return KindReasoning
	}
	if cycleCount%ReflectionEvery == 0 {
		return KindReflection
	}
	return KindSkip
}

// ClampCycleMinutes bounds a model-suggested next-cycle delay.
func ClampCycleMinutes(minutes int) int {
	if minutes < 5 {
		return 5
	}
	if minutes > 120 {
		return 120
	}
	return minutes
}

// recentActionWindow bounds the cross-cycle actions block.
const (
	recentActionWindow = 24 * time.Hour
	recentActionLimit  = 10
)

// BriefBuilder renders extra context for one picked signal. Modules
// register builders keyed by signal type.
type BriefBuilder func(sig models.Signal) string

// ContextBlock is a labelled module-provided context section.
type ContextBlock struct {
	Label string
	Body  string
}

// Input carries everything one cycle's prompt needs.
type Input struct {
	Now               time.Time
	Location          *time.Location
	Quiet             bool
	Signals           []models.Signal
	Goals             []models.Goal
	PatternInsights   []string
	ErrorAnalysis     string // populated only when error_spike was picked
	ModuleBlocks      []ContextBlock
	RecentActions     []models.RecentAction
	LearningContext   string
	OpenHypotheses    []string
	RecentConclusions []string
	AutoCoderBrief    string
	Simplified        bool // free/local backend: skip tool verbosity
}

// Builder composes prompts. Thread-safe after registration is done.
type Builder struct {
	briefs map[string]BriefBuilder
}

func NewBuilder() *Builder {
	return &Builder{briefs: make(map[string]BriefBuilder)}
}

// RegisterBrief attaches a per-signal brief builder for a signal type.
// Registration happens at startup, before cycles run.
func (b *Builder) RegisterBrief(signalType string, builder BriefBuilder) {
	b.briefs[signalType] = builder
}

// Compose renders the full prompt for the cycle kind. Skip kinds have
// no prompt.
func (b *Builder) Compose(kind Kind, in Input) string {
	if kind == KindSkip {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<context>\n")
	b.writeSections(&sb, in)
	sb.WriteString("</context>\n\n")

	switch kind {
	case KindReflection:
		sb.WriteString(reflectionInstructions)
	default:
		if in.Simplified {
			sb.WriteString(simplifiedInstructions)
		} else {
			sb.WriteString(reasoningInstructions)
		}
	}
	sb.WriteString("\n\n")
	sb.WriteString(tagSchema)

	if in.AutoCoderBrief != "" {
		sb.WriteString("\n\n")
		sb.WriteString(in.AutoCoderBrief)
	}
	return sb.String()
}

// writeSections emits the labelled sections in their fixed order.
// Empty sections are omitted entirely.
func (b *Builder) writeSections(sb *strings.Builder, in Input) {
	now := in.Now
	if in.Location != nil {
		now = now.In(in.Location)
	}
	marker := ""
	if in.Quiet {
		marker = " [QUIET HOURS]"
	}
	fmt.Fprintf(sb, "## Current time\n%s%s\n", now.Format("Mon 2006-01-02 15:04 MST"), marker)

	if len(in.Signals) > 0 {
		sb.WriteString("\n## Signals\n")
		for i, s := range in.Signals {
			fmt.Fprintf(sb, "%d. [%s] %s: %s\n", i+1, s.Urgency, s.Type, s.Summary)
		}
	}

	if len(in.Goals) > 0 {
		sb.WriteString("\n## Active goals\n")
		for _, g := range in.Goals {
			fmt.Fprintf(sb, "- %s [%s/%s] %d%% %s\n", g.ID, g.Priority, g.Status, g.Progress, g.Title)
		}
	}

	if len(in.PatternInsights) > 0 {
		sb.WriteString("\n## Pattern insights (30d)\n")
		for _, p := range in.PatternInsights {
			sb.WriteString("- " + p + "\n")
		}
	}

	if in.ErrorAnalysis != "" {
		sb.WriteString("\n## Error analysis\n" + in.ErrorAnalysis + "\n")
	}

	for _, block := range in.ModuleBlocks {
		if block.Body == "" {
			continue
		}
		fmt.Fprintf(sb, "\n## %s\n%s\n", block.Label, block.Body)
	}

	b.writeRecentActions(sb, in)

	b.writeBriefs(sb, in.Signals)

	if in.LearningContext != "" {
		sb.WriteString("\n## Learnings\n" + in.LearningContext + "\n")
	}

	if len(in.OpenHypotheses) > 0 || len(in.RecentConclusions) > 0 {
		sb.WriteString("\n## Reasoning journal\n")
		for _, h := range in.OpenHypotheses {
			sb.WriteString("- open: " + h + "\n")
		}
		for _, c := range in.RecentConclusions {
			sb.WriteString("- concluded: " + c + "\n")
		}
	}
}

// writeRecentActions emits the last 10 actions no older than 24h so
// free-backend cycles, which have no session memory, still see what
// recent cycles did.
func (b *Builder) writeRecentActions(sb *strings.Builder, in Input) {
	cutoff := in.Now.Add(-recentActionWindow)
	var recent []models.RecentAction
	for _, a := range in.RecentActions {
		if a.TS.After(cutoff) {
			recent = append(recent, a)
		}
	}
	if len(recent) > recentActionLimit {
		recent = recent[len(recent)-recentActionLimit:]
	}
	if len(recent) == 0 {
		return
	}
	sb.WriteString("\n## Recent actions (do not repeat)\n")
	for _, a := range recent {
		fmt.Fprintf(sb, "- cycle %d at %s: %s\n", a.Cycle, a.TS.Format("15:04"), a.Text)
	}
}

func (b *Builder) writeBriefs(sb *strings.Builder, signals []models.Signal) {
	wrote := false
	for _, s := range signals {
		builder, ok := b.briefs[s.Type]
		if !ok {
			continue
		}
		brief := builder(s)
		if brief == "" {
			continue
		}
		if !wrote {
			sb.WriteString("\n## Signal briefs\n")
			wrote = true
		}
		fmt.Fprintf(sb, "### %s\n%s\n", s.Type, brief)
	}
}
