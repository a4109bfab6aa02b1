package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perchd/perch/pkg/kvstore"
)

// journalKey is the K/V key holding the learning journal.
const journalKey = "journal"

// journalBound caps each journal section; oldest entries fall off.
const journalBound = 100

// JournalEntry is one dated learning-journal record.
type JournalEntry struct {
	TS    time.Time `json:"ts"`
	Topic string    `json:"topic,omitempty"` // capability gap topic or hypothesis id
	Text  string    `json:"text"`
}

// journalDoc is the persisted journal shape.
type journalDoc struct {
	Lessons     []JournalEntry   `json:"lessons,omitempty"`
	Gaps        []JournalEntry   `json:"gaps,omitempty"`
	Hypotheses  []JournalEntry   `json:"hypotheses,omitempty"`
	Evidence    []JournalEntry   `json:"evidence,omitempty"`
	Conclusions []JournalEntry   `json:"conclusions,omitempty"`
	Experiments []map[string]any `json:"experiments,omitempty"`
}

// Journal is the K/V-backed learning journal the dispatcher writes to
// and the composer reads back as learning context.
type Journal struct {
	mu     sync.Mutex
	kv     *kvstore.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewJournal(kv *kvstore.Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		kv:     kv,
		logger: logger.With("component", "journal"),
		now:    time.Now,
	}
}

func (j *Journal) LessonLearned(text string) {
	j.mutate(func(d *journalDoc) {
		d.Lessons = appendBounded(d.Lessons, j.entry("", text))
	})
}

func (j *Journal) CapabilityGap(topic, text string) {
	j.mutate(func(d *journalDoc) {
		d.Gaps = appendBounded(d.Gaps, j.entry(topic, text))
	})
}

func (j *Journal) ExperimentCreate(spec map[string]any, raw string) {
	if spec == nil {
		spec = map[string]any{"raw": raw}
	}
	spec["createdAt"] = j.now().Format(time.RFC3339)
	j.mutate(func(d *journalDoc) {
		d.Experiments = append(d.Experiments, spec)
		if len(d.Experiments) > journalBound {
			d.Experiments = d.Experiments[len(d.Experiments)-journalBound:]
		}
	})
}

// Hypothesis records a new hypothesis under a fresh short id, so later
// <evidence> and <conclude> directives can address it by hid.
func (j *Journal) Hypothesis(text string) {
	j.mutate(func(d *journalDoc) {
		d.Hypotheses = appendBounded(d.Hypotheses, j.entry(uuid.NewString()[:8], text))
	})
}

func (j *Journal) Evidence(hid, text string) {
	j.mutate(func(d *journalDoc) {
		d.Evidence = appendBounded(d.Evidence, j.entry(hid, text))
	})
}

func (j *Journal) Conclude(hid, text string) {
	j.mutate(func(d *journalDoc) {
		d.Conclusions = appendBounded(d.Conclusions, j.entry(hid, text))
	})
}

// RecentLessons returns up to n lessons, newest last.
func (j *Journal) RecentLessons(n int) []string {
	doc := j.load()
	return entryTexts(doc.Lessons, n)
}

// OpenHypotheses returns hypotheses without a matching conclusion,
// rendered as "[hid] text" so the model can conclude them by id. A
// conclusion naming the hypothesis text instead of the hid still
// closes it.
func (j *Journal) OpenHypotheses(n int) []string {
	doc := j.load()
	concluded := make(map[string]bool, len(doc.Conclusions))
	for _, c := range doc.Conclusions {
		concluded[c.Topic] = true
	}
	var open []JournalEntry
	for _, h := range doc.Hypotheses {
		if !concluded[h.Topic] && !concluded[h.Text] {
			open = append(open, h)
		}
	}
	if n > 0 && len(open) > n {
		open = open[len(open)-n:]
	}
	out := make([]string, 0, len(open))
	for _, h := range open {
		out = append(out, fmt.Sprintf("[%s] %s", h.Topic, h.Text))
	}
	return out
}

// RecentConclusions returns up to n conclusions, newest last.
func (j *Journal) RecentConclusions(n int) []string {
	doc := j.load()
	return entryTexts(doc.Conclusions, n)
}

func (j *Journal) entry(topic, text string) JournalEntry {
	return JournalEntry{TS: j.now(), Topic: topic, Text: text}
}

func (j *Journal) load() journalDoc {
	var doc journalDoc
	if _, err := j.kv.LoadJSON(journalKey, &doc); err != nil {
		j.logger.Error("Failed to load journal", "error", err)
	}
	return doc
}

func (j *Journal) mutate(fn func(*journalDoc)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	doc := j.load()
	fn(&doc)
	if err := j.kv.SaveJSON(journalKey, doc); err != nil {
		j.logger.Error("Failed to persist journal", "error", err)
	}
}

func appendBounded(entries []JournalEntry, e JournalEntry) []JournalEntry {
	entries = append(entries, e)
	if len(entries) > journalBound {
		entries = entries[len(entries)-journalBound:]
	}
	return entries
}

func entryTexts(entries []JournalEntry, n int) []string {
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}
