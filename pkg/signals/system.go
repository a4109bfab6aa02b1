package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// memoryAlertCooldown rate-limits CRITICAL memory alerts.
const memoryAlertCooldown = 30 * time.Minute

// detectMemoryPressure maps the tiered heap/RSS snapshot onto
// signals. CRITICAL and RESTART additionally fire a direct alert,
// rate-limited through the world's alert cooldown — a documented
// detector mutation.
func detectMemoryPressure(_ context.Context, w *World) []models.Signal {
	var urgency models.Urgency
	switch w.Memory.Tier {
	case MemWarn:
		urgency = models.UrgencyLow
	case MemShed:
		urgency = models.UrgencyMedium
	case MemCritical, MemRestart:
		urgency = models.UrgencyHigh
	default:
		return nil
	}

	if urgency == models.UrgencyHigh && w.Alert != nil {
		if w.lastMemoryAlertAt.IsZero() || w.Now.Sub(w.lastMemoryAlertAt) >= memoryAlertCooldown {
			w.lastMemoryAlertAt = w.Now
			w.Alert(fmt.Sprintf("Memory pressure %s: heap %dMB, RSS %dMB — restart recommended",
				w.Memory.Tier, w.Memory.HeapMB, w.Memory.RSSMB))
		}
	}

	return []models.Signal{{
		Type:    models.SignalMemoryPressure,
		Urgency: urgency,
		Summary: fmt.Sprintf("Memory tier %s (heap %dMB, RSS %dMB)", w.Memory.Tier, w.Memory.HeapMB, w.Memory.RSSMB),
		Data:    map[string]any{"tier": string(w.Memory.Tier)},
	}}
}

// detectMCPDisconnected reports an unreachable external memory
// service; high after 3 consecutive probe failures.
func detectMCPDisconnected(_ context.Context, w *World) []models.Signal {
	if w.MCPReachable || w.MCPFailures == 0 {
		return nil
	}
	urgency := models.UrgencyMedium
	if w.MCPFailures >= 3 {
		urgency = models.UrgencyHigh
	}
	return []models.Signal{{
		Type:    models.SignalMCPDisconnected,
		Urgency: urgency,
		Summary: fmt.Sprintf("Memory service unreachable (%d consecutive failures)", w.MCPFailures),
		Data:    map[string]any{"failures": w.MCPFailures},
	}}
}

// errorSpikeAlertCooldown limits direct error-spike alerts to one per hour.
const errorSpikeAlertCooldown = time.Hour

// detectErrorSpike queries the analytics store for an hour-over-hour
// surge: high when count ≥ 10 and ratio ≥ 2, medium when count ≥ 5.
// A high spike also fires a direct alert with a 1 h cooldown stamped
// into State.LastErrorSpikeAlertAt — a documented detector mutation.
func detectErrorSpike(ctx context.Context, w *World) []models.Signal {
	if w.Analytics == nil {
		return nil
	}
	spike, err := w.Analytics.DetectSpike(ctx)
	if err != nil {
		slog.Warn("Error-spike detection failed", "error", err)
		return nil
	}
	if spike == nil {
		return nil
	}

	urgency := models.UrgencyMedium
	if spike.RecentCount >= 10 && spike.Ratio >= 2 {
		urgency = models.UrgencyHigh
	}

	if urgency == models.UrgencyHigh && w.Alert != nil {
		if w.State.LastErrorSpikeAlertAt.IsZero() || w.Now.Sub(w.State.LastErrorSpikeAlertAt) >= errorSpikeAlertCooldown {
			w.State.LastErrorSpikeAlertAt = w.Now
			w.Alert(fmt.Sprintf("Error spike: %d errors in the last hour (prior hour %d)",
				spike.RecentCount, spike.PriorCount))
		}
	}

	return []models.Signal{{
		Type:    models.SignalErrorSpike,
		Urgency: urgency,
		Summary: fmt.Sprintf("%d errors in last hour vs %d in prior hour", spike.RecentCount, spike.PriorCount),
		Data: map[string]any{
			"recent":   spike.RecentCount,
			"prior":    spike.PriorCount,
			"byModule": spike.ByModule,
		},
	}}
}
