package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedErrors inserts n errors with the given timestamp offset from now.
func seedErrors(t *testing.T, s *Store, n int, module string, offset time.Duration) {
	t.Helper()
	base := s.now()
	for i := 0; i < n; i++ {
		_, err := s.db.Exec(`INSERT INTO errors (ts, module, message) VALUES (?, ?, ?)`,
			base.Add(offset).Unix(), module, "boom")
		require.NoError(t, err)
	}
}

func TestDetectSpikeHighRatio(t *testing.T) {
	s := openTestStore(t)
	seedErrors(t, s, 12, "ingest", -10*time.Minute)
	seedErrors(t, s, 4, "ingest", -90*time.Minute)

	spike, err := s.DetectSpike(context.Background())
	require.NoError(t, err)
	require.NotNil(t, spike)
	assert.Equal(t, 12, spike.RecentCount)
	assert.Equal(t, 4, spike.PriorCount)
	assert.InDelta(t, 3.0, spike.Ratio, 1e-9)
	assert.Equal(t, 12, spike.ByModule["ingest"])
}

func TestDetectSpikeBelowThreshold(t *testing.T) {
	s := openTestStore(t)
	seedErrors(t, s, 4, "", -10*time.Minute)

	spike, err := s.DetectSpike(context.Background())
	require.NoError(t, err)
	assert.Nil(t, spike)
}

func TestSummarizeForAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordError(ctx, "whatsapp", "socket hang up"))
	require.NoError(t, s.RecordError(ctx, "whatsapp", "socket hang up"))

	summary, err := s.SummarizeForAgent(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary, "whatsapp: 2 errors")
}

func TestSummarizeForAgentEmpty(t *testing.T) {
	s := openTestStore(t)
	summary, err := s.SummarizeForAgent(context.Background())
	require.NoError(t, err)
	assert.Contains(t, summary, "No errors")
}

func TestKeywordDaysCountsDistinctDays(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	for _, offset := range []time.Duration{0, -24 * time.Hour, -48 * time.Hour, -48*time.Hour - time.Minute} {
		_, err := s.db.Exec(`INSERT INTO observations (ts, kind, content) VALUES (?, 'keyword', 'training')`,
			base.Add(offset).Unix())
		require.NoError(t, err)
	}

	days, err := s.KeywordDays(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, days["training"], 3)
}

func TestRecoveryPatternCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordObservation(ctx, "recovery", "restart whatsapp bridge"))
	}

	counts, err := s.RecoveryPatternCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts["restart whatsapp bridge"])
}

func TestChronicModules(t *testing.T) {
	s := openTestStore(t)
	base := time.Now()
	for day := 0; day < 4; day++ {
		_, err := s.db.Exec(`INSERT INTO errors (ts, module, message) VALUES (?, 'cron', 'x')`,
			base.AddDate(0, 0, -day).Unix())
		require.NoError(t, err)
	}

	chronic, err := s.ChronicModules(context.Background(), 3)
	require.NoError(t, err)
	assert.Contains(t, chronic, "cron")
}
