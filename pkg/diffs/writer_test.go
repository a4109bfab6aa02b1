package diffs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchd/perch/pkg/models"
)

type upperScrubber struct{}

func (upperScrubber) Mask(text string) string {
	return strings.ReplaceAll(text, "sk-secret", "***MASKED***")
}

func TestWriteAndLoadCycleArtefacts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, upperScrubber{}, 0, nil)
	require.NoError(t, err)

	diff := models.CycleDiff{
		Cycle:   7,
		TS:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Model:   "test-model",
		Cost:    0.12,
		Actions: []string{"sent summary"},
		Files:   []models.FileDiff{{Path: "lib/a.go", Diff: "uses sk-secret here"}},
	}
	w.Write(diff, "prompt with sk-secret", "reply text")

	prompt, err := os.ReadFile(filepath.Join(dir, "cycle-7-prompt.txt"))
	require.NoError(t, err)
	assert.NotContains(t, string(prompt), "sk-secret")
	assert.Contains(t, string(prompt), "***MASKED***")

	reply, err := os.ReadFile(filepath.Join(dir, "cycle-7-reply.txt"))
	require.NoError(t, err)
	assert.Equal(t, "reply text", string(reply))

	loaded, err := w.Load(7)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Cycle)
	assert.Equal(t, "test-model", loaded.Model)
	require.Len(t, loaded.Files, 1)
	assert.NotContains(t, loaded.Files[0].Diff, "sk-secret")
}

func TestLoadMissingCycle(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil, 0, nil)
	require.NoError(t, err)
	_, err = w.Load(99)
	assert.Error(t, err)
}

func TestSweepRemovesOnlyExpiredArtefacts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, nil, 14, nil)
	require.NoError(t, err)

	old := filepath.Join(dir, "cycle-1.json")
	fresh := filepath.Join(dir, "cycle-2.json")
	require.NoError(t, os.WriteFile(old, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("{}"), 0o644))
	stale := time.Now().AddDate(0, 0, -20)
	require.NoError(t, os.Chtimes(old, stale, stale))

	removed := w.Sweep(time.Now())
	assert.Equal(t, 1, removed)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
