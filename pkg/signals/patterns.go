package signals

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/perchd/perch/pkg/models"
)

// detectPatterns emits pattern_observed when the same content keyword
// appeared on 3+ distinct days across the past week, capped at 3 per
// cycle. Keywords are sorted so the cap is deterministic.
func detectPatterns(ctx context.Context, w *World) []models.Signal {
	if w.Analytics == nil {
		return nil
	}
	days, err := w.Analytics.KeywordDays(ctx)
	if err != nil {
		slog.Warn("Pattern detection failed", "error", err)
		return nil
	}

	keywords := make([]string, 0, len(days))
	for kw, n := range days {
		if n >= 3 {
			keywords = append(keywords, kw)
		}
	}
	sort.Strings(keywords)

	var out []models.Signal
	for _, kw := range keywords {
		out = append(out, models.Signal{
			Type:    models.SignalPatternObserved,
			Urgency: models.UrgencyLow,
			Summary: fmt.Sprintf("Keyword %q recurred on %d days this week", kw, days[kw]),
			Data:    map[string]any{models.DataTopic: kw, "days": days[kw]},
		})
		if len(out) == 3 {
			break
		}
	}
	return out
}

// detectSelfImprovement surfaces a recurring error-recovery pattern
// seen 5+ times in the prior week — a candidate for automation.
func detectSelfImprovement(ctx context.Context, w *World) []models.Signal {
	if w.Analytics == nil {
		return nil
	}
	counts, err := w.Analytics.RecoveryPatternCounts(ctx)
	if err != nil {
		slog.Warn("Self-improvement detection failed", "error", err)
		return nil
	}

	patterns := make([]string, 0, len(counts))
	for p, n := range counts {
		if n >= 5 {
			patterns = append(patterns, p)
		}
	}
	sort.Strings(patterns)

	var out []models.Signal
	for _, p := range patterns {
		out = append(out, models.Signal{
			Type:    models.SignalSelfImprovement,
			Urgency: models.UrgencyLow,
			Summary: fmt.Sprintf("Recovery pattern %q repeated %d times this week — automate it?", p, counts[p]),
			Data:    map[string]any{models.DataTopic: p, "count": counts[p]},
		})
	}
	return out
}
