package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// Transfer-deadline windows.
const (
	transferHighWindow     = 90 * time.Minute
	transferCriticalWindow = 30 * time.Minute
)

// detectTransferDeadlines watches module-local watchlist items with a
// hard deadline: high inside 90 min, critical inside 30 min.
func detectTransferDeadlines(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, item := range w.Watchlist {
		left := item.Deadline.Sub(w.Now)
		if left < 0 || left > transferHighWindow {
			continue
		}
		urgency := models.UrgencyHigh
		if left <= transferCriticalWindow {
			urgency = models.UrgencyCritical
		}
		out = append(out, models.Signal{
			Type:    models.SignalTransferDeadline,
			Urgency: urgency,
			Summary: fmt.Sprintf("%s: %s closes in %d min", item.Module, item.Summary, int(left.Minutes())),
			Data: map[string]any{
				models.DataTopic:  item.ID,
				models.DataModule: item.Module,
			},
		})
	}
	return out
}
