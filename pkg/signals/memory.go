package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// detectStaleMemory flags memory entries not accessed for over five
// days, capped at 3 per cycle so reviews stay digestible.
func detectStaleMemory(_ context.Context, w *World) []models.Signal {
	var out []models.Signal
	for _, rec := range w.MemoryRecords {
		if rec.LastAccessed.IsZero() || w.Now.Sub(rec.LastAccessed) <= 5*24*time.Hour {
			continue
		}
		out = append(out, models.Signal{
			Type:    models.SignalStaleMemory,
			Urgency: models.UrgencyLow,
			Summary: fmt.Sprintf("Memory %s (%s tier) untouched for %d days",
				rec.ID, rec.Tier, int(w.Now.Sub(rec.LastAccessed).Hours()/24)),
			Data: map[string]any{models.DataMemoryID: rec.ID, "tier": rec.Tier},
		})
		if len(out) == 3 {
			break
		}
	}
	return out
}

// detectStaleBotMemory watches the bot-authored memory file: low
// after 24 h without a write, medium after 72 h.
func detectStaleBotMemory(_ context.Context, w *World) []models.Signal {
	if w.BotMemoryMtime.IsZero() {
		return nil
	}
	age := w.Now.Sub(w.BotMemoryMtime)
	if age < 24*time.Hour {
		return nil
	}
	urgency := models.UrgencyLow
	if age >= 72*time.Hour {
		urgency = models.UrgencyMedium
	}
	return []models.Signal{{
		Type:    models.SignalStaleBotMemory,
		Urgency: urgency,
		Summary: fmt.Sprintf("Bot memory file unchanged for %dh", int(age.Hours())),
		Data:    map[string]any{models.DataTopic: "bot_memory", "hours": int(age.Hours())},
	}}
}
