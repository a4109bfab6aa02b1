package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/models"
)

// detectStaleGoals flags in_progress goals untouched for 48 h or more.
func detectStaleGoals(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, g := range w.Goals.Stale(48) {
		age := w.Now.Sub(g.UpdatedAt)
		urgency := models.UrgencyMedium
		if age > 96*time.Hour {
			urgency = models.UrgencyHigh
		}
		out = append(out, models.Signal{
			Type:    models.SignalStaleGoal,
			Urgency: urgency,
			Summary: fmt.Sprintf("Goal %q has had no update for %dh", g.Title, int(age.Hours())),
			Data:    map[string]any{models.DataGoalID: g.ID},
		})
	}
	return out
}

// detectBlockedGoals escalates with age: ≥3d medium, ≥7d high, ≥14d
// additionally asks the model to nudge the user.
func detectBlockedGoals(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, g := range w.Goals.List(goals.Filter{Statuses: []models.GoalStatus{models.GoalBlocked}}) {
		age := w.Now.Sub(g.UpdatedAt)
		if age < 3*24*time.Hour {
			continue
		}
		urgency := models.UrgencyMedium
		if age >= 7*24*time.Hour {
			urgency = models.UrgencyHigh
		}
		data := map[string]any{models.DataGoalID: g.ID}
		if age >= 14*24*time.Hour {
			data["nudgeUser"] = true
		}
		out = append(out, models.Signal{
			Type:    models.SignalBlockedGoal,
			Urgency: urgency,
			Summary: fmt.Sprintf("Goal %q blocked for %d days", g.Title, int(age.Hours()/24)),
			Data:    data,
		})
	}
	return out
}

// detectDeadlines flags active or in_progress goals due within 48 h.
func detectDeadlines(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, g := range w.Goals.UpcomingDeadlines(2) {
		deadline, ok := parseDeadline(g.Deadline)
		if !ok {
			continue
		}
		left := deadline.Sub(w.Now)
		if left < 0 {
			left = 0
		}
		urgency := models.UrgencyMedium
		if left <= 24*time.Hour {
			urgency = models.UrgencyHigh
		}
		out = append(out, models.Signal{
			Type:    models.SignalDeadline,
			Urgency: urgency,
			Summary: fmt.Sprintf("Goal %q deadline in %dh", g.Title, int(left.Hours())),
			Data:    map[string]any{models.DataGoalID: g.ID, "deadline": g.Deadline},
		})
	}
	return out
}

// detectGoalWork surfaces the top 3 active/in_progress goals that
// still have pending milestones, priority-sorted; urgency mirrors the
// goal's priority. These are Sonnet-requiring signals.
func detectGoalWork(_ context.Context, w *World) []models.Signal {
	listed := w.Goals.List(goals.Filter{Statuses: []models.GoalStatus{models.GoalActive, models.GoalInProgress}})
	var out []models.Signal
	for _, g := range listed {
		ms := g.PendingMilestone()
		if ms == nil {
			continue
		}
		out = append(out, models.Signal{
			Type:    models.SignalGoalWork,
			Urgency: g.Priority.Urgency(),
			Summary: fmt.Sprintf("Goal %q has pending milestone %q", g.Title, ms.Title),
			Data: map[string]any{
				models.DataGoalID: g.ID,
				"milestoneId":     ms.ID,
			},
		})
		if len(out) == 3 {
			break
		}
	}
	return out
}

func parseDeadline(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
