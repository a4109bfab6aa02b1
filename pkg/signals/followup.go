package signals

import (
	"context"
	"fmt"

	"github.com/perchd/perch/pkg/models"
)

// detectFollowups emits one signal per pending followup. The parent
// goal is resolved by stored id first, then by fuzzy title match
// against the topic; urgency follows the aging rules on Followup.
func detectFollowups(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, f := range w.State.PendingFollowups {
		parent := models.PriorityNormal
		goalID := f.GoalID
		if goalID != "" {
			if g := w.Goals.Get(goalID); g != nil {
				parent = g.Priority
			} else {
				goalID = ""
			}
		}
		if goalID == "" {
			if g := w.Goals.FindByTitle(f.Topic); g != nil {
				goalID = g.ID
				parent = g.Priority
			}
		}

		data := map[string]any{models.DataTopic: f.Topic}
		if goalID != "" {
			data[models.DataGoalID] = goalID
		}
		out = append(out, models.Signal{
			Type:    models.SignalFollowup,
			Urgency: f.Urgency(parent, w.Now),
			Summary: fmt.Sprintf("Followup pending: %s", f.Topic),
			Data:    data,
		})
	}
	return out
}
