// Package diffs writes the per-cycle audit artefacts: the masked
// prompt and reply dumps plus a structured JSON record, and enforces
// retention on the artefact directory.
package diffs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/perchd/perch/pkg/models"
)

// DefaultRetentionDays bounds how long cycle artefacts stay on disk.
const DefaultRetentionDays = 14

// Scrubber masks secrets before artefacts hit disk.
type Scrubber interface {
	Mask(text string) string
}

// Writer persists cycle artefacts under one directory.
type Writer struct {
	dir           string
	scrubber      Scrubber
	retentionDays int
	logger        *slog.Logger
}

// NewWriter creates the artefact directory if needed. A nil scrubber
// writes artefacts unmasked; production always passes one.
func NewWriter(dir string, scrubber Scrubber, retentionDays int, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cycle-diff dir: %w", err)
	}
	return &Writer{
		dir:           dir,
		scrubber:      scrubber,
		retentionDays: retentionDays,
		logger:        logger.With("component", "cycle_diffs"),
	}, nil
}

// Write persists one cycle's prompt, reply and structured record.
// Artefact failures are logged, not fatal: the audit trail must never
// break a cycle.
func (w *Writer) Write(diff models.CycleDiff, prompt, reply string) {
	if w.scrubber != nil {
		prompt = w.scrubber.Mask(prompt)
		reply = w.scrubber.Mask(reply)
		for i := range diff.Files {
			diff.Files[i].Diff = w.scrubber.Mask(diff.Files[i].Diff)
		}
	}

	base := fmt.Sprintf("cycle-%d", diff.Cycle)
	w.writeFile(base+"-prompt.txt", []byte(prompt))
	w.writeFile(base+"-reply.txt", []byte(reply))

	data, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		w.logger.Error("Failed to encode cycle diff", "cycle", diff.Cycle, "error", err)
		return
	}
	w.writeFile(base+".json", data)
}

func (w *Writer) writeFile(name string, data []byte) {
	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o644); err != nil {
		w.logger.Error("Failed to write cycle artefact", "file", name, "error", err)
	}
}

// Load reads one cycle's structured record.
func (w *Writer) Load(cycle int) (*models.CycleDiff, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, fmt.Sprintf("cycle-%d.json", cycle)))
	if err != nil {
		return nil, err
	}
	var diff models.CycleDiff
	if err := json.Unmarshal(data, &diff); err != nil {
		return nil, fmt.Errorf("failed to decode cycle %d record: %w", cycle, err)
	}
	return &diff, nil
}

// Sweep deletes artefacts older than the retention window. Idempotent;
// runs from the supervisor's maintenance slot.
func (w *Writer) Sweep(now time.Time) int {
	cutoff := now.AddDate(0, 0, -w.retentionDays)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("Retention sweep failed to list artefacts", "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, entry.Name())); err != nil {
			w.logger.Error("Failed to remove expired artefact", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		w.logger.Info("Retention sweep removed expired cycle artefacts", "count", removed)
	}
	return removed
}
