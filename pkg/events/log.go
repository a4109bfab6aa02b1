// Package events provides the engine's bounded event ring.
//
// Two views exist: the persisted tail (stored inside CycleState and
// surviving restarts) and the live buffer (process-local, ahead of the
// last persist). Queries merge the two, deduplicating by (event, ts),
// so the dashboard and cycle-skip diagnostics see one coherent stream.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// Engine event names. Modules may emit their own.
const (
	EventCycleStart    = "agent:cycle:start"
	EventCycleSignals  = "agent:cycle:signals"
	EventCycleSkip     = "agent:cycle:skip"
	EventCycleComplete = "cycle:complete"
	EventCycleError    = "cycle:error"
	EventCycleBackoff  = "agent:cycle:backoff"
	EventAlertSent     = "agent:alert:sent"
	EventSessionReset  = "agent:session:reset"
)

// Log is the live in-memory event buffer. It is owned by the cycle
// supervisor; the dashboard receives read-only snapshots.
type Log struct {
	mu     sync.RWMutex
	events []models.EventRecord
}

// NewLog returns an empty live buffer.
func NewLog() *Log {
	return &Log{}
}

// Emit appends an event, trimming the buffer to the ring bound.
func (l *Log) Emit(event string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, models.EventRecord{
		Event: event,
		TS:    time.Now().UTC(),
		Data:  data,
	})
	if n := len(l.events); n > models.MaxRecentEvents {
		l.events = l.events[n-models.MaxRecentEvents:]
	}
}

// Live returns a copy of the live buffer, oldest first.
func (l *Log) Live() []models.EventRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.EventRecord, len(l.events))
	copy(out, l.events)
	return out
}

// CountSince counts live events with the given name at or after cutoff.
// Used by the recent-event detector heuristics.
func (l *Log) CountSince(event string, cutoff time.Time) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.events {
		if e.Event == event && !e.TS.Before(cutoff) {
			n++
		}
	}
	return n
}

// Merge combines the persisted tail with the live buffer, deduplicates
// by (event, ts), sorts by timestamp (stable for equal timestamps),
// and trims to the ring bound. This is the public query view.
func Merge(persisted, live []models.EventRecord) []models.EventRecord {
	type key struct {
		event string
		ts    int64
	}
	seen := make(map[key]bool, len(persisted)+len(live))
	merged := make([]models.EventRecord, 0, len(persisted)+len(live))
	for _, e := range persisted {
		k := key{e.Event, e.TS.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, e)
	}
	for _, e := range live {
		k := key{e.Event, e.TS.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, e)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].TS.Before(merged[j].TS)
	})
	if n := len(merged); n > models.MaxRecentEvents {
		merged = merged[n-models.MaxRecentEvents:]
	}
	return merged
}
