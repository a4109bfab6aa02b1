package signals

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/models"
)

var frozen = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

// fakeGoals is a canned GoalSource.
type fakeGoals struct {
	goals []*models.Goal
}

func (f *fakeGoals) List(filter goals.Filter) []*models.Goal {
	var out []*models.Goal
	for _, g := range f.goals {
		match := len(filter.Statuses) == 0
		for _, s := range filter.Statuses {
			if g.Status == s {
				match = true
			}
		}
		if match {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out
}

func (f *fakeGoals) Get(id string) *models.Goal {
	for _, g := range f.goals {
		if g.ID == id {
			return g
		}
	}
	return nil
}

func (f *fakeGoals) FindByTitle(title string) *models.Goal {
	for _, g := range f.goals {
		if g.Title == title {
			return g
		}
	}
	return nil
}

func (f *fakeGoals) Stale(hours int) []*models.Goal {
	cutoff := frozen.Add(-time.Duration(hours) * time.Hour)
	var out []*models.Goal
	for _, g := range f.goals {
		if g.Status == models.GoalInProgress && !g.UpdatedAt.After(cutoff) {
			out = append(out, g)
		}
	}
	return out
}

func (f *fakeGoals) UpcomingDeadlines(days int) []*models.Goal {
	horizon := frozen.AddDate(0, 0, days)
	var out []*models.Goal
	for _, g := range f.goals {
		if g.Status != models.GoalActive && g.Status != models.GoalInProgress {
			continue
		}
		if d, ok := parseDeadline(g.Deadline); ok && !d.After(horizon) {
			out = append(out, g)
		}
	}
	return out
}

func testWorld(gs ...*models.Goal) *World {
	return &World{
		Now:          frozen,
		Cfg:          &config.Config{QuietStart: -1, QuietEnd: -1, Location: time.UTC},
		Goals:        &fakeGoals{goals: gs},
		State:        &models.CycleState{},
		MCPReachable: true,
	}
}

func TestDetectStaleGoalsUrgencyBands(t *testing.T) {
	w := testWorld(
		&models.Goal{ID: "g1", Title: "Ship A", Status: models.GoalInProgress,
			Priority: models.PriorityHigh, UpdatedAt: frozen.Add(-50 * time.Hour)},
		&models.Goal{ID: "g2", Title: "Ship B", Status: models.GoalInProgress,
			Priority: models.PriorityHigh, UpdatedAt: frozen.Add(-100 * time.Hour)},
		&models.Goal{ID: "g3", Title: "Fresh", Status: models.GoalInProgress,
			Priority: models.PriorityHigh, UpdatedAt: frozen.Add(-time.Hour)},
	)

	sigs := detectStaleGoals(context.Background(), w)
	require.Len(t, sigs, 2)
	byGoal := make(map[string]models.Urgency)
	for _, s := range sigs {
		byGoal[s.GoalID()] = s.Urgency
	}
	assert.Equal(t, models.UrgencyMedium, byGoal["g1"])
	assert.Equal(t, models.UrgencyHigh, byGoal["g2"])
}

func TestDetectBlockedGoalsBands(t *testing.T) {
	w := testWorld(
		&models.Goal{ID: "b1", Title: "Blocked 4d", Status: models.GoalBlocked,
			UpdatedAt: frozen.Add(-4 * 24 * time.Hour)},
		&models.Goal{ID: "b2", Title: "Blocked 15d", Status: models.GoalBlocked,
			UpdatedAt: frozen.Add(-15 * 24 * time.Hour)},
		&models.Goal{ID: "b3", Title: "Blocked 1d", Status: models.GoalBlocked,
			UpdatedAt: frozen.Add(-24 * time.Hour)},
	)

	sigs := detectBlockedGoals(context.Background(), w)
	require.Len(t, sigs, 2)
	for _, s := range sigs {
		switch s.GoalID() {
		case "b1":
			assert.Equal(t, models.UrgencyMedium, s.Urgency)
			assert.Nil(t, s.Data["nudgeUser"])
		case "b2":
			assert.Equal(t, models.UrgencyHigh, s.Urgency)
			assert.Equal(t, true, s.Data["nudgeUser"])
		}
	}
}

func TestDetectDeadlines(t *testing.T) {
	w := testWorld(
		&models.Goal{ID: "d1", Title: "Due tomorrow", Status: models.GoalActive,
			Deadline: frozen.Add(40 * time.Hour).Format(time.RFC3339), UpdatedAt: frozen},
		&models.Goal{ID: "d2", Title: "Due tonight", Status: models.GoalInProgress,
			Deadline: frozen.Add(10 * time.Hour).Format(time.RFC3339), UpdatedAt: frozen},
	)

	sigs := detectDeadlines(context.Background(), w)
	require.Len(t, sigs, 2)
	for _, s := range sigs {
		switch s.GoalID() {
		case "d1":
			assert.Equal(t, models.UrgencyMedium, s.Urgency)
		case "d2":
			assert.Equal(t, models.UrgencyHigh, s.Urgency)
		}
	}
}

func TestDetectGoalWorkCapsAtThreePrioritySorted(t *testing.T) {
	mk := func(id string, prio models.Priority) *models.Goal {
		return &models.Goal{ID: id, Title: id, Status: models.GoalActive, Priority: prio,
			UpdatedAt: frozen,
			Milestones: []models.Milestone{{ID: id + "-m1", Title: "m1", Status: models.MilestonePending}}}
	}
	w := testWorld(
		mk("low", models.PriorityLow),
		mk("crit", models.PriorityCritical),
		mk("high", models.PriorityHigh),
		mk("med", models.PriorityMedium),
	)

	sigs := detectGoalWork(context.Background(), w)
	require.Len(t, sigs, 3)
	assert.Equal(t, "crit", sigs[0].GoalID())
	assert.Equal(t, models.UrgencyCritical, sigs[0].Urgency)
	assert.Equal(t, "high", sigs[1].GoalID())
	assert.Equal(t, "med", sigs[2].GoalID())
}

func TestDetectFollowupsAging(t *testing.T) {
	g := &models.Goal{ID: "g1", Title: "Ship A", Status: models.GoalInProgress,
		Priority: models.PriorityNormal, UpdatedAt: frozen}

	tests := []struct {
		name    string
		age     time.Duration
		urgency models.Urgency
	}{
		{"fresh", 2 * time.Hour, models.UrgencyLow},
		{"aged 24h", 24 * time.Hour, models.UrgencyMedium},
		{"aged 48h", 48 * time.Hour, models.UrgencyHigh},
		{"aged 72h still high", 72 * time.Hour, models.UrgencyHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testWorld(g)
			w.State.PendingFollowups = []models.Followup{{
				Topic:     "finish Ship A milestone m2",
				GoalID:    "g1",
				CreatedAt: frozen.Add(-tt.age),
			}}
			sigs := detectFollowups(context.Background(), w)
			require.Len(t, sigs, 1)
			assert.Equal(t, tt.urgency, sigs[0].Urgency)
			assert.Equal(t, "followup:g1", sigs[0].Key())
		})
	}
}

func TestDetectFollowupsFuzzyTitleResolution(t *testing.T) {
	g := &models.Goal{ID: "g7", Title: "ship the importer", Status: models.GoalActive,
		Priority: models.PriorityHigh, UpdatedAt: frozen}
	w := testWorld(g)
	w.State.PendingFollowups = []models.Followup{{
		Topic:     "ship the importer",
		CreatedAt: frozen.Add(-time.Hour),
	}}

	sigs := detectFollowups(context.Background(), w)
	require.Len(t, sigs, 1)
	assert.Equal(t, "g7", sigs[0].GoalID())
	// High-priority parent → baseline one tier below: medium.
	assert.Equal(t, models.UrgencyMedium, sigs[0].Urgency)
}

func TestDetectCostSpike(t *testing.T) {
	w := testWorld()
	w.State.DailyCost = 0.45
	w.RollingDailyAvgCost = 0.10

	sigs := detectCostSpike(context.Background(), w)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.UrgencyHigh, sigs[0].Urgency)
	assert.Equal(t, frozen, w.State.LastCostSpikeSignalAt)

	// Debounced within 6h.
	assert.Empty(t, detectCostSpike(context.Background(), w))

	// Disabled tracking suppresses entirely.
	w.State.LastCostSpikeSignalAt = time.Time{}
	w.Cfg.CostTrackingDisabled = true
	assert.Empty(t, detectCostSpike(context.Background(), w))
}

func TestDetectCostSpikeBelowFloor(t *testing.T) {
	w := testWorld()
	w.State.DailyCost = 0.09
	w.RollingDailyAvgCost = 0.01
	assert.Empty(t, detectCostSpike(context.Background(), w))
}

func TestDetectMemoryPressureTiers(t *testing.T) {
	tests := []struct {
		tier    MemoryTier
		urgency models.Urgency
		none    bool
	}{
		{MemNormal, "", true},
		{MemWarn, models.UrgencyLow, false},
		{MemShed, models.UrgencyMedium, false},
		{MemCritical, models.UrgencyHigh, false},
		{MemRestart, models.UrgencyHigh, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			w := testWorld()
			w.Memory = MemoryStats{Tier: tt.tier, HeapMB: 512, RSSMB: 900}
			sigs := detectMemoryPressure(context.Background(), w)
			if tt.none {
				assert.Empty(t, sigs)
				return
			}
			require.Len(t, sigs, 1)
			assert.Equal(t, tt.urgency, sigs[0].Urgency)
		})
	}
}

func TestDetectMemoryPressureAlertRateLimited(t *testing.T) {
	w := testWorld()
	w.Memory = MemoryStats{Tier: MemCritical}
	alerts := 0
	w.Alert = func(string) { alerts++ }

	detectMemoryPressure(context.Background(), w)
	detectMemoryPressure(context.Background(), w)
	assert.Equal(t, 1, alerts)
}

func TestDetectMCPDisconnected(t *testing.T) {
	w := testWorld()
	w.MCPReachable = false
	w.MCPFailures = 2
	sigs := detectMCPDisconnected(context.Background(), w)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.UrgencyMedium, sigs[0].Urgency)

	w.MCPFailures = 3
	sigs = detectMCPDisconnected(context.Background(), w)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.UrgencyHigh, sigs[0].Urgency)
}

func TestDetectFailingCrons(t *testing.T) {
	w := testWorld()
	w.Crons = []CronStatus{
		{ID: "c1", Name: "news", Enabled: true, ConsecutiveErrors: 3},
		{ID: "c2", Name: "digest", Enabled: true, ConsecutiveErrors: 6},
		{ID: "c3", Name: "off", Enabled: false, ConsecutiveErrors: 9},
		{ID: "c4", Name: "fine", Enabled: true, ConsecutiveErrors: 1},
	}

	sigs := detectFailingCrons(context.Background(), w)
	require.Len(t, sigs, 2)
	assert.Equal(t, models.UrgencyMedium, sigs[0].Urgency)
	assert.Equal(t, models.UrgencyHigh, sigs[1].Urgency)
}

func TestDetectTransferDeadlines(t *testing.T) {
	w := testWorld()
	w.Watchlist = []WatchItem{
		{Module: "hattrick", ID: "t1", Summary: "bid on keeper", Deadline: frozen.Add(80 * time.Minute)},
		{Module: "hattrick", ID: "t2", Summary: "bid on winger", Deadline: frozen.Add(20 * time.Minute)},
		{Module: "hattrick", ID: "t3", Summary: "far future", Deadline: frozen.Add(5 * time.Hour)},
		{Module: "hattrick", ID: "t4", Summary: "passed", Deadline: frozen.Add(-time.Minute)},
	}

	sigs := detectTransferDeadlines(context.Background(), w)
	require.Len(t, sigs, 2)
	assert.Equal(t, models.UrgencyHigh, sigs[0].Urgency)
	assert.Equal(t, models.UrgencyCritical, sigs[1].Urgency)
}

func TestDetectPlanStuck(t *testing.T) {
	w := testWorld()
	w.Workflows = []WorkflowStatus{
		{ID: "wf1", Step: "deploy", StepStarted: frozen.Add(-3 * time.Hour), Started: frozen.Add(-4 * time.Hour)},
		{ID: "wf2", Step: "fast", StepStarted: frozen.Add(-time.Minute), Started: frozen.Add(-10 * time.Hour), MaxDuration: 8 * time.Hour},
		{ID: "wf3", Step: "ok", StepStarted: frozen.Add(-time.Minute), Started: frozen.Add(-time.Hour)},
	}

	sigs := detectPlanStuck(context.Background(), w)
	require.Len(t, sigs, 2)
}

func TestSynthesizeCompound(t *testing.T) {
	low := func(typ string) models.Signal {
		return models.Signal{Type: typ, Urgency: models.UrgencyLow}
	}
	assert.Empty(t, synthesizeCompound([]models.Signal{low("a"), low("b")}))

	out := synthesizeCompound([]models.Signal{low("a"), low("b"), low("c")})
	require.Len(t, out, 1)
	assert.Equal(t, models.SignalCompound, out[0].Type)
	assert.Equal(t, models.UrgencyMedium, out[0].Urgency)
}

func TestSynthesizeChainOpportunitySharedGoal(t *testing.T) {
	sig := func(typ, goal string) models.Signal {
		return models.Signal{Type: typ, Urgency: models.UrgencyMedium,
			Data: map[string]any{models.DataGoalID: goal}}
	}
	out := synthesizeChainOpportunity([]models.Signal{
		sig(models.SignalStaleGoal, "g1"),
		sig(models.SignalFollowup, "g1"),
		sig(models.SignalDeadline, "g1"),
	})
	require.Len(t, out, 1)
	assert.Equal(t, models.SignalChainOpportunity, out[0].Type)
	assert.Equal(t, "g1", out[0].GoalID())
}

func TestSynthesizeChainOpportunityDeadlinePlusWork(t *testing.T) {
	out := synthesizeChainOpportunity([]models.Signal{
		{Type: models.SignalDeadline, Urgency: models.UrgencyHigh},
		{Type: models.SignalGoalWork, Urgency: models.UrgencyMedium},
	})
	require.Len(t, out, 1)
	assert.Equal(t, models.SignalChainOpportunity, out[0].Type)
}

func TestCorrelate(t *testing.T) {
	sigs := []models.Signal{
		{Type: models.SignalStaleGoal, Urgency: models.UrgencyMedium},
		{Type: models.SignalConversationGap, Urgency: models.UrgencyLow},
		{Type: models.SignalMemoryPressure, Urgency: models.UrgencyMedium},
		{Type: models.SignalErrorSpike, Urgency: models.UrgencyMedium},
		{Type: models.SignalCostSpike, Urgency: models.UrgencyHigh},
	}
	out := Correlate(sigs, &World{APICallsToday: 150})

	types := make(map[string]models.Urgency)
	for _, s := range out {
		types[s.Type] = s.Urgency
	}
	assert.Equal(t, models.UrgencyHigh, types[models.SignalUserDisengaged])
	assert.Equal(t, models.UrgencyHigh, types[models.SignalSystemIncident])
	assert.Equal(t, models.UrgencyMedium, types[models.SignalCostDowngrade])
}

func TestCollectSwallowsDetectorPanic(t *testing.T) {
	w := testWorld()
	w.Modules = []ModuleDetector{panicky{}}

	assert.NotPanics(t, func() { Collect(context.Background(), w) })
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Detect(context.Context, *World) []models.Signal {
	panic("broken module detector")
}

func TestCollectStampsInsertionIndex(t *testing.T) {
	w := testWorld()
	w.Watchlist = []WatchItem{
		{Module: "hattrick", ID: "t1", Summary: "a", Deadline: frozen.Add(time.Hour)},
		{Module: "hattrick", ID: "t2", Summary: "b", Deadline: frozen.Add(25 * time.Minute)},
	}
	sigs := Collect(context.Background(), w)
	require.Len(t, sigs, 2)
	assert.Equal(t, 0, sigs[0].Index)
	assert.Equal(t, 1, sigs[1].Index)
}

func TestDetectConversationGapQuietHoursSuppressed(t *testing.T) {
	w := testWorld()
	w.LastInboundAt = frozen.Add(-20 * time.Hour)

	sigs := detectConversationGap(context.Background(), w)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.UrgencyLow, sigs[0].Urgency)

	w.Cfg.QuietStart = 11
	w.Cfg.QuietEnd = 13
	assert.Empty(t, detectConversationGap(context.Background(), w))
}

func TestDetectStaleBotMemory(t *testing.T) {
	w := testWorld()
	w.BotMemoryMtime = frozen.Add(-30 * time.Hour)
	sigs := detectStaleBotMemory(context.Background(), w)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.UrgencyLow, sigs[0].Urgency)

	w.BotMemoryMtime = frozen.Add(-80 * time.Hour)
	sigs = detectStaleBotMemory(context.Background(), w)
	require.Len(t, sigs, 1)
	assert.Equal(t, models.UrgencyMedium, sigs[0].Urgency)
}

func TestDetectStaleMemoryCappedAtThree(t *testing.T) {
	w := testWorld()
	for i := 0; i < 5; i++ {
		w.MemoryRecords = append(w.MemoryRecords, MemoryRecord{
			ID: string(rune('a' + i)), Tier: "warm",
			LastAccessed: frozen.Add(-6 * 24 * time.Hour),
		})
	}
	sigs := detectStaleMemory(context.Background(), w)
	assert.Len(t, sigs, 3)
}
