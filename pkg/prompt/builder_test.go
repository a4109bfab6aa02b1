package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchd/perch/pkg/models"
)

var now = time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		signals    int
		cycleCount int
		want       Kind
	}{
		{"signals present", 2, 1, KindReasoning},
		{"zero signals off-beat", 0, 3, KindSkip},
		{"zero signals reflection beat", 0, 8, KindReflection},
		{"signals win over reflection beat", 1, 8, KindReasoning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.signals, tt.cycleCount))
		})
	}
}

func TestClampCycleMinutes(t *testing.T) {
	assert.Equal(t, 5, ClampCycleMinutes(1))
	assert.Equal(t, 5, ClampCycleMinutes(5))
	assert.Equal(t, 45, ClampCycleMinutes(45))
	assert.Equal(t, 120, ClampCycleMinutes(600))
}

func TestComposeSkipIsEmpty(t *testing.T) {
	assert.Empty(t, NewBuilder().Compose(KindSkip, Input{Now: now}))
}

func TestComposeSectionOrder(t *testing.T) {
	b := NewBuilder()
	b.RegisterBrief("goal_work", func(s models.Signal) string { return "milestone m1 pending" })

	out := b.Compose(KindReasoning, Input{
		Now:     now,
		Quiet:   true,
		Signals: []models.Signal{{Type: "goal_work", Urgency: models.UrgencyMedium, Summary: "goal g1 idle"}},
		Goals: []models.Goal{{
			ID: "g1", Title: "Ship the importer", Status: models.GoalInProgress,
			Priority: models.PriorityHigh, Progress: 40,
		}},
		PatternInsights: []string{"user asks about budget on Mondays"},
		ErrorAnalysis:   "importer module dominates recent errors",
		ModuleBlocks:    []ContextBlock{{Label: "Hattrick", Body: "match tonight"}},
		RecentActions: []models.RecentAction{
			{Cycle: 41, TS: now.Add(-2 * time.Hour), Text: "sent budget summary"},
		},
		LearningContext:   "short messages get replies",
		OpenHypotheses:    []string{"evening nudges work better"},
		RecentConclusions: []string{"weekly rollups are read"},
	})

	sections := []string{
		"## Current time",
		"[QUIET HOURS]",
		"## Signals",
		"1. [medium] goal_work: goal g1 idle",
		"## Active goals",
		"g1 [high/in_progress] 40% Ship the importer",
		"## Pattern insights (30d)",
		"## Error analysis",
		"## Hattrick",
		"## Recent actions (do not repeat)",
		"## Signal briefs",
		"milestone m1 pending",
		"## Learnings",
		"## Reasoning journal",
		"## Response tags",
	}
	pos := -1
	for _, section := range sections {
		i := strings.Index(out, section)
		require.GreaterOrEqual(t, i, 0, "missing section %q", section)
		assert.Greater(t, i, pos, "section %q out of order", section)
		pos = i
	}
	assert.True(t, strings.HasPrefix(out, "<context>\n"))
	assert.Contains(t, out, "</context>")
}

func TestComposeOmitsEmptySections(t *testing.T) {
	out := NewBuilder().Compose(KindReasoning, Input{
		Now:     now,
		Signals: []models.Signal{{Type: "idle", Urgency: models.UrgencyLow, Summary: "quiet day"}},
	})
	assert.NotContains(t, out, "## Active goals")
	assert.NotContains(t, out, "## Error analysis")
	assert.NotContains(t, out, "## Recent actions")
}

func TestComposeRecentActionsWindowAndLimit(t *testing.T) {
	var actions []models.RecentAction
	actions = append(actions, models.RecentAction{Cycle: 1, TS: now.Add(-30 * time.Hour), Text: "too old"})
	for i := 0; i < 12; i++ {
		actions = append(actions, models.RecentAction{Cycle: 10 + i, TS: now.Add(-time.Hour), Text: "recent"})
	}
	out := NewBuilder().Compose(KindReasoning, Input{
		Now:           now,
		Signals:       []models.Signal{{Type: "x", Urgency: models.UrgencyLow, Summary: "s"}},
		RecentActions: actions,
	})
	assert.NotContains(t, out, "too old")
	assert.Equal(t, 10, strings.Count(out, "- cycle "))
}

func TestComposeReflection(t *testing.T) {
	out := NewBuilder().Compose(KindReflection, Input{Now: now})
	assert.Contains(t, out, "at most ONE mutating directive")
	assert.Contains(t, out, "## Response tags")
}

func TestComposeSimplifiedForFreeBackend(t *testing.T) {
	in := Input{
		Now:        now,
		Signals:    []models.Signal{{Type: "x", Urgency: models.UrgencyLow, Summary: "s"}},
		Simplified: true,
	}
	out := NewBuilder().Compose(KindReasoning, in)
	assert.Contains(t, out, "Keep it short")
	assert.NotContains(t, out, "autonomous loop. Address the signals")
}

func TestComposeAppendsAutoCoderBrief(t *testing.T) {
	out := NewBuilder().Compose(KindReasoning, Input{
		Now:            now,
		Signals:        []models.Signal{{Type: "goal_work", Urgency: models.UrgencyHigh, Summary: "build"}},
		AutoCoderBrief: "## Milestone brief\nwork on g1/m2",
	})
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "work on g1/m2"))
}

func TestComposeTimeInConfiguredZone(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	out := NewBuilder().Compose(KindReasoning, Input{
		Now:      now,
		Location: loc,
		Signals:  []models.Signal{{Type: "x", Urgency: models.UrgencyLow, Summary: "s"}},
	})
	assert.Contains(t, out, "10:30 CET")
}
