package signals

import (
	"context"
	"fmt"

	"github.com/perchd/perch/pkg/models"
)

// Engagement threshold for the low-engagement cron detector.
const (
	lowEngagementRate       = 0.1
	lowEngagementMinDeliver = 10
)

// detectFailingCrons flags enabled crons with 3+ consecutive errors,
// high at 5+.
func detectFailingCrons(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, c := range w.Crons {
		if !c.Enabled || c.ConsecutiveErrors < 3 {
			continue
		}
		urgency := models.UrgencyMedium
		if c.ConsecutiveErrors >= 5 {
			urgency = models.UrgencyHigh
		}
		out = append(out, models.Signal{
			Type:    models.SignalFailingCron,
			Urgency: urgency,
			Summary: fmt.Sprintf("Cron %q failed %d times in a row", c.Name, c.ConsecutiveErrors),
			Data:    map[string]any{models.DataCronID: c.ID, "errors": c.ConsecutiveErrors},
		})
	}
	return out
}

// detectLowEngagement flags crons the user stopped reacting to, once
// enough deliveries exist to judge.
func detectLowEngagement(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, c := range w.Crons {
		if !c.Enabled || c.Deliveries < lowEngagementMinDeliver || c.EngagementRate >= lowEngagementRate {
			continue
		}
		out = append(out, models.Signal{
			Type:    models.SignalLowEngagement,
			Urgency: models.UrgencyLow,
			Summary: fmt.Sprintf("Cron %q engagement %.0f%% over %d deliveries",
				c.Name, c.EngagementRate*100, c.Deliveries),
			Data: map[string]any{models.DataCronID: c.ID, "rate": c.EngagementRate},
		})
	}
	return out
}
