package signals

import (
	"fmt"

	"github.com/perchd/perch/pkg/models"
)

// synthesizeCompound folds an accumulation of 3+ low signals into one
// medium compound signal so the arbiter can surface the aggregate even
// though no single member would be picked.
func synthesizeCompound(sigs []models.Signal) []models.Signal {
	var lows []string
	for _, s := range sigs {
		if s.Urgency == models.UrgencyLow {
			lows = append(lows, s.Type)
		}
	}
	if len(lows) < 3 {
		return nil
	}
	return []models.Signal{{
		Type:    models.SignalCompound,
		Urgency: models.UrgencyMedium,
		Summary: fmt.Sprintf("%d low-urgency signals accumulated: %v", len(lows), lows),
		Data:    map[string]any{"count": len(lows), "types": lows},
	}}
}

// synthesizeChainOpportunity fires when 3+ signals share a goal, or a
// deadline co-occurs with goal work — multiple angles on one goal are
// cheaper to handle in a single chained plan.
func synthesizeChainOpportunity(sigs []models.Signal) []models.Signal {
	byGoal := make(map[string]int)
	hasDeadline := false
	hasGoalWork := false
	for _, s := range sigs {
		if id := s.GoalID(); id != "" {
			byGoal[id]++
		}
		switch s.Type {
		case models.SignalDeadline:
			hasDeadline = true
		case models.SignalGoalWork:
			hasGoalWork = true
		}
	}

	for goalID, n := range byGoal {
		if n >= 3 {
			return []models.Signal{{
				Type:    models.SignalChainOpportunity,
				Urgency: models.UrgencyMedium,
				Summary: fmt.Sprintf("%d signals converge on goal %s — consider a chained plan", n, goalID),
				Data:    map[string]any{models.DataGoalID: goalID, "count": n},
			}}
		}
	}
	if hasDeadline && hasGoalWork {
		return []models.Signal{{
			Type:    models.SignalChainOpportunity,
			Urgency: models.UrgencyMedium,
			Summary: "Deadline pressure co-occurs with pending goal work",
			Data:    map[string]any{models.DataTopic: "deadline_goal_work"},
		}}
	}
	return nil
}

// Correlate synthesises higher-level signals from co-occurring ones:
//
//	user_disengaged  = stale_goal + conversation_gap  (high)
//	system_incident  = memory_pressure + error_spike  (high)
//	cost_downgrade_hint on any cost_spike; urgency scales with the
//	day's API call volume.
//
// It runs before picking so synthesised signals compete for selection
// like any other.
func Correlate(sigs []models.Signal, w *World) []models.Signal {
	present := make(map[string]bool, len(sigs))
	for _, s := range sigs {
		present[s.Type] = true
	}

	var out []models.Signal
	if present[models.SignalStaleGoal] && present[models.SignalConversationGap] {
		out = append(out, models.Signal{
			Type:    models.SignalUserDisengaged,
			Urgency: models.UrgencyHigh,
			Summary: "Stale goals plus a long conversation gap — the user may have disengaged",
			Data:    map[string]any{models.DataTopic: "disengaged"},
		})
	}
	if present[models.SignalMemoryPressure] && present[models.SignalErrorSpike] {
		out = append(out, models.Signal{
			Type:    models.SignalSystemIncident,
			Urgency: models.UrgencyHigh,
			Summary: "Memory pressure coincides with an error spike — likely one incident",
			Data:    map[string]any{models.DataTopic: "incident"},
		})
	}
	if present[models.SignalCostSpike] {
		urgency := models.UrgencyLow
		if w != nil && w.APICallsToday >= 100 {
			urgency = models.UrgencyMedium
		}
		out = append(out, models.Signal{
			Type:    models.SignalCostDowngrade,
			Urgency: urgency,
			Summary: "Cost spike observed — prefer the free tier for upcoming cycles",
			Data:    map[string]any{models.DataTopic: "downgrade"},
		})
	}
	return out
}
