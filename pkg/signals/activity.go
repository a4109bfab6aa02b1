package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/perchd/perch/pkg/events"
	"github.com/perchd/perch/pkg/models"
)

// detectConversationGap fires when no inbound user message arrived
// for 18 h, outside quiet hours.
func detectConversationGap(_ context.Context, w *World) []models.Signal {
	if w.LastInboundAt.IsZero() || w.Cfg.IsQuiet(w.Now) {
		return nil
	}
	gap := w.Now.Sub(w.LastInboundAt)
	if gap < 18*time.Hour {
		return nil
	}
	return []models.Signal{{
		Type:    models.SignalConversationGap,
		Urgency: models.UrgencyLow,
		Summary: fmt.Sprintf("No user message for %dh", int(gap.Hours())),
		Data:    map[string]any{"hours": int(gap.Hours())},
	}}
}

// detectRecentEventHeuristics derives goal-progress, anomaly and
// idle-time signals from the live event log:
//   - ≥3 cycle errors in the last hour → high anomaly
//   - ≥2 backoffs in the last hour     → medium anomaly
//   - ≥3 h without a completed cycle outside quiet hours → idle
func detectRecentEventHeuristics(_ context.Context, w *World) []models.Signal {
	if w.Events == nil {
		return nil
	}
	var out []models.Signal
	hourAgo := w.Now.Add(-time.Hour)

	if n := w.Events.CountSince(events.EventCycleError, hourAgo); n >= 3 {
		out = append(out, models.Signal{
			Type:    models.SignalAnomaly,
			Urgency: models.UrgencyHigh,
			Summary: fmt.Sprintf("%d cycle errors in the last hour", n),
			Data:    map[string]any{models.DataTopic: "cycle_errors", "count": n},
		})
	}
	if n := w.Events.CountSince(events.EventCycleBackoff, hourAgo); n >= 2 {
		out = append(out, models.Signal{
			Type:    models.SignalAnomaly,
			Urgency: models.UrgencyMedium,
			Summary: fmt.Sprintf("%d cycle backoffs in the last hour", n),
			Data:    map[string]any{models.DataTopic: "cycle_backoffs", "count": n},
		})
	}

	if !w.State.LastCycleAt.IsZero() && !w.Cfg.IsQuiet(w.Now) {
		idle := w.Now.Sub(w.State.LastCycleAt)
		if idle >= 3*time.Hour {
			urgency := models.UrgencyLow
			if idle >= 6*time.Hour {
				urgency = models.UrgencyMedium
			}
			out = append(out, models.Signal{
				Type:    models.SignalIdleTime,
				Urgency: urgency,
				Summary: fmt.Sprintf("No completed cycle for %dh", int(idle.Hours())),
				Data:    map[string]any{models.DataTopic: "idle", "hours": int(idle.Hours())},
			})
		}
	}
	return out
}
