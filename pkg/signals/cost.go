package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// Cost-spike thresholds.
const (
	costSpikeFloor    = 0.10 // USD; below this, never a spike
	costSpikeRatio    = 1.5
	costSpikeHighRatio = 3.0
	costSpikeDebounce = 6 * time.Hour
)

// detectCostSpike compares today's spend against the rolling daily
// average. Suppressed entirely when cost tracking is disabled, and
// debounced to one signal per 6 h via State.LastCostSpikeSignalAt —
// one of the documented detector mutations.
func detectCostSpike(_ context.Context, w *World) []models.Signal {
	if w.Cfg.CostTrackingDisabled {
		return nil
	}
	today := w.State.DailyCost
	avg := w.RollingDailyAvgCost
	if today <= costSpikeFloor || avg <= 0 || today <= avg*costSpikeRatio {
		return nil
	}
	if !w.State.LastCostSpikeSignalAt.IsZero() && w.Now.Sub(w.State.LastCostSpikeSignalAt) < costSpikeDebounce {
		return nil
	}
	w.State.LastCostSpikeSignalAt = w.Now

	urgency := models.UrgencyMedium
	if today > avg*costSpikeHighRatio {
		urgency = models.UrgencyHigh
	}
	return []models.Signal{{
		Type:    models.SignalCostSpike,
		Urgency: urgency,
		Summary: fmt.Sprintf("Today's spend $%.2f is %.1fx the $%.2f daily average", today, today/avg, avg),
		Data: map[string]any{
			"todayUsd":   today,
			"averageUsd": avg,
		},
	}}
}
