package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchd/perch/pkg/models"
)

func TestEmitTrimsToRingBound(t *testing.T) {
	l := NewLog()
	for i := 0; i < models.MaxRecentEvents+10; i++ {
		l.Emit(fmt.Sprintf("e%d", i), nil)
	}
	live := l.Live()
	require.Len(t, live, models.MaxRecentEvents)
	assert.Equal(t, "e10", live[0].Event)
}

func TestMergeDeduplicatesByEventAndTimestamp(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	persisted := []models.EventRecord{
		{Event: "a", TS: ts},
		{Event: "b", TS: ts.Add(time.Second)},
	}
	live := []models.EventRecord{
		{Event: "b", TS: ts.Add(time.Second)}, // duplicate of persisted
		{Event: "c", TS: ts.Add(2 * time.Second)},
	}

	merged := Merge(persisted, live)
	require.Len(t, merged, 3)
	assert.Equal(t, "a", merged[0].Event)
	assert.Equal(t, "b", merged[1].Event)
	assert.Equal(t, "c", merged[2].Event)
}

func TestMergeSortsByTimestamp(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	persisted := []models.EventRecord{{Event: "late", TS: ts.Add(time.Minute)}}
	live := []models.EventRecord{{Event: "early", TS: ts}}

	merged := Merge(persisted, live)
	require.Len(t, merged, 2)
	assert.Equal(t, "early", merged[0].Event)
}

func TestCountSince(t *testing.T) {
	l := NewLog()
	l.Emit(EventCycleError, nil)
	l.Emit(EventCycleError, nil)
	l.Emit(EventCycleComplete, nil)

	assert.Equal(t, 2, l.CountSince(EventCycleError, time.Now().Add(-time.Hour)))
	assert.Equal(t, 0, l.CountSince(EventCycleError, time.Now().Add(time.Hour)))
}
