package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// stuckStepAfter is how long a single workflow step may run before the
// plan counts as stuck.
const stuckStepAfter = 2 * time.Hour

// detectPlanStuck flags running workflows whose current step exceeded
// 2 h or whose total lifetime exceeded the workflow's max duration.
func detectPlanStuck(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, wf := range w.Workflows {
		stuckStep := !wf.StepStarted.IsZero() && w.Now.Sub(wf.StepStarted) > stuckStepAfter
		overLifetime := wf.MaxDuration > 0 && w.Now.Sub(wf.Started) > wf.MaxDuration
		if !stuckStep && !overLifetime {
			continue
		}
		reason := "step stalled"
		if overLifetime {
			reason = "exceeded max duration"
		}
		out = append(out, models.Signal{
			Type:    models.SignalPlanStuck,
			Urgency: models.UrgencyMedium,
			Summary: fmt.Sprintf("Workflow %s %s at step %q", wf.ID, reason, wf.Step),
			Data:    map[string]any{models.DataTopic: wf.ID, "step": wf.Step},
		})
	}
	return out
}
