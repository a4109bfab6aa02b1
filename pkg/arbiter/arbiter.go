// Package arbiter turns the raw signal list into the picked set: it
// filters by cooldown, escalates aged low signals, selects at most two
// with at most one Sonnet-requiring type, swaps for diversity, and
// stamps cooldowns for the picked keys only.
package arbiter

import (
	"sort"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// MaxPicked bounds the signals that reach the model per cycle.
const MaxPicked = 2

// MaxSonnetPicked bounds the Sonnet-requiring signals per cycle.
const MaxSonnetPicked = 1

// cooldownRetention prunes cooldown entries older than this.
const cooldownRetention = 24 * time.Hour

// agingEscalationAfter promotes a low signal to medium for sorting
// when its lastCheckAt is older than this.
const agingEscalationAfter = 4 * 24 * time.Hour

// Arbiter holds the set of Sonnet-requiring signal types. The core
// set is goal_work and followup; modules may extend it.
type Arbiter struct {
	sonnetTypes map[string]bool
}

// New returns an arbiter with the core Sonnet-requiring types plus
// any module-provided extras.
func New(extraSonnetTypes ...string) *Arbiter {
	types := map[string]bool{
		models.SignalGoalWork: true,
		models.SignalFollowup: true,
	}
	for _, t := range extraSonnetTypes {
		types[t] = true
	}
	return &Arbiter{sonnetTypes: types}
}

// IsSonnetType reports whether the signal type requires the paid tier.
func (a *Arbiter) IsSonnetType(typ string) bool { return a.sonnetTypes[typ] }

// Result is the outcome of one selection pass.
type Result struct {
	Picked   []models.Signal
	Filtered int // dropped by cooldown
}

// candidate pairs a signal with its sort-effective urgency.
type candidate struct {
	sig       models.Signal
	effective models.Urgency
}

// Pick runs the full selection pipeline and stamps cooldowns for the
// picked keys into state.SignalCooldowns. Filtered-but-unpicked
// signals keep their old stamps and are re-eligible next cycle.
func (a *Arbiter) Pick(sigs []models.Signal, state *models.CycleState, now time.Time) Result {
	if state.SignalCooldowns == nil {
		state.SignalCooldowns = make(map[string]int64)
	}

	// 1. Cooldown filter.
	var res Result
	var cands []candidate
	for _, s := range sigs {
		if a.onCooldown(s, state, now) {
			res.Filtered++
			continue
		}
		cands = append(cands, candidate{sig: s, effective: effectiveUrgency(s, now)})
	}

	// 2. Sort by effective urgency, insertion order breaking ties.
	sort.SliceStable(cands, func(i, j int) bool {
		ri, rj := cands[i].effective.Rank(), cands[j].effective.Rank()
		if ri != rj {
			return ri < rj
		}
		return cands[i].sig.Index < cands[j].sig.Index
	})

	// 3. Pick top-k respecting the Sonnet cap.
	picked := a.pickTop(cands)

	// 4. Diversity swap: two picks of the same tier starve lower
	// tiers forever, so trade the second for the best lower-tier
	// candidate when one exists.
	picked = a.diversify(picked, cands)

	// 5. Stamp picked cooldowns; prune stale entries.
	ms := now.UnixMilli()
	for _, c := range picked {
		state.SignalCooldowns[c.sig.Key()] = ms
	}
	pruneCooldowns(state, now)

	for _, c := range picked {
		res.Picked = append(res.Picked, c.sig)
	}
	return res
}

func (a *Arbiter) onCooldown(s models.Signal, state *models.CycleState, now time.Time) bool {
	window := models.CooldownFor(s.Urgency)
	if window == 0 {
		return false
	}
	last, ok := state.SignalCooldowns[s.Key()]
	if !ok {
		return false
	}
	return now.Sub(time.UnixMilli(last)) < window
}

func (a *Arbiter) pickTop(cands []candidate) []candidate {
	var picked []candidate
	sonnet := 0
	for _, c := range cands {
		if len(picked) == MaxPicked {
			break
		}
		if a.sonnetTypes[c.sig.Type] {
			if sonnet == MaxSonnetPicked {
				continue
			}
			sonnet++
		}
		picked = append(picked, c)
	}
	return picked
}

// diversify replaces the second pick with the top strictly-lower-tier
// candidate when both picks share a tier, keeping the Sonnet cap
// intact.
func (a *Arbiter) diversify(picked, cands []candidate) []candidate {
	if len(picked) < 2 || picked[0].effective.Rank() != picked[1].effective.Rank() {
		return picked
	}
	tier := picked[0].effective.Rank()
	firstIsSonnet := a.sonnetTypes[picked[0].sig.Type]
	for _, c := range cands {
		if c.effective.Rank() <= tier {
			continue
		}
		if a.sonnetTypes[c.sig.Type] && firstIsSonnet {
			continue
		}
		picked[1] = c
		break
	}
	return picked
}

// effectiveUrgency applies aging escalation: a low signal whose
// lastCheckAt is over four days old sorts as medium.
func effectiveUrgency(s models.Signal, now time.Time) models.Urgency {
	if s.Urgency != models.UrgencyLow {
		return s.Urgency
	}
	last, ok := lastCheckAt(s)
	if !ok || now.Sub(last) <= agingEscalationAfter {
		return s.Urgency
	}
	return models.UrgencyMedium
}

// lastCheckAt extracts data.lastCheckAt as a time, accepting the
// time.Time, RFC3339 string and unix-ms forms that detectors and
// modules variously produce.
func lastCheckAt(s models.Signal) (time.Time, bool) {
	v, ok := s.Data[models.DataLastCheckAt]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	}
	return time.Time{}, false
}

// pruneCooldowns drops entries older than 24 h so the table never
// accumulates dead keys.
func pruneCooldowns(state *models.CycleState, now time.Time) {
	for key, ms := range state.SignalCooldowns {
		if now.Sub(time.UnixMilli(ms)) > cooldownRetention {
			delete(state.SignalCooldowns, key)
		}
	}
}
