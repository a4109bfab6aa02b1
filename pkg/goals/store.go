// Package goals is the authoritative store for goals and milestones,
// backed by data/goals.json. All mutations pass through this store;
// status changes are validated against the fixed transition graph.
// Direct on-disk edits (the model editing goals.json through the tool
// bridge) are picked up via ImportJSONChanges.
package goals

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perchd/perch/pkg/models"
)

// Filter selects goals for List. Zero value matches everything.
type Filter struct {
	Statuses []models.GoalStatus
	Source   string
}

func (f Filter) matches(g *models.Goal) bool {
	if f.Source != "" && g.Source != f.Source {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if g.Status == s {
			return true
		}
	}
	return false
}

// Store holds goals in memory and persists them to a single JSON file
// with the same temp-sibling atomic replace used by the K/V store.
type Store struct {
	path string

	mu        sync.RWMutex
	goals     []*models.Goal
	loadedAt  time.Time
	now       func() time.Time
}

// Open loads (or initialises) the goal file.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.goals = nil
		s.loadedAt = s.now()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read goal file: %w", err)
	}
	var goals []*models.Goal
	if err := json.Unmarshal(data, &goals); err != nil {
		return fmt.Errorf("failed to decode goal file: %w", err)
	}
	s.goals = goals
	s.loadedAt = s.now()
	return nil
}

// flushLocked persists the goal list atomically. Caller holds s.mu.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.goals, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode goals: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create goal dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "goals-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp goal file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write temp goal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to close temp goal file: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("failed to replace goal file: %w", err)
	}
	// Our own writes must not look like external edits to
	// ImportJSONChanges, so advance the load marker past the new mtime.
	s.loadedAt = s.JSONMtime()
	return nil
}

// List returns copies of goals matching the filter, priority-sorted.
func (s *Store) List(f Filter) []*models.Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Goal
	for _, g := range s.goals {
		if f.matches(g) {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out
}

// Get returns a copy of the goal with the given id, or nil.
func (s *Store) Get(id string) *models.Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g := s.findLocked(id); g != nil {
		cp := *g
		return &cp
	}
	return nil
}

func (s *Store) findLocked(id string) *models.Goal {
	for _, g := range s.goals {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// AddOpts carries optional fields for Add and Propose.
type AddOpts struct {
	Description string
	Priority    models.Priority
	Deadline    string
	Milestones  []string
	Source      string
	Status      models.GoalStatus
}

// Add creates a new goal and persists it.
func (s *Store) Add(title string, opts AddOpts) (*models.Goal, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("goal title must not be empty")
	}
	status := opts.Status
	if status == "" {
		status = models.GoalActive
	}
	priority := opts.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	g := &models.Goal{
		ID:          uuid.New().String()[:8],
		Title:       strings.TrimSpace(title),
		Description: opts.Description,
		Status:      status,
		Priority:    priority,
		Deadline:    opts.Deadline,
		UpdatedAt:   s.now().UTC(),
		Source:      opts.Source,
	}
	for _, mt := range opts.Milestones {
		g.Milestones = append(g.Milestones, models.Milestone{
			ID:     uuid.New().String()[:8],
			Title:  mt,
			Status: models.MilestonePending,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.goals = append(s.goals, g)
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	cp := *g
	return &cp, nil
}

// Propose creates a user-approval-gated goal in proposed status.
func (s *Store) Propose(title string, opts AddOpts) (*models.Goal, error) {
	opts.Status = models.GoalProposed
	return s.Add(title, opts)
}

// UpdateFields carries the mutable goal fields for Update.
type UpdateFields struct {
	Status   models.GoalStatus
	Progress *int
	Note     string
	Priority models.Priority
	Deadline string
}

// Update mutates a goal. A status change outside the transition graph
// is rejected: Update returns nil and the goal is unchanged. This is
// the single mutating function that enforces transition legality.
func (s *Store) Update(id string, fields UpdateFields) *models.Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.findLocked(id)
	if g == nil {
		return nil
	}
	if fields.Status != "" && fields.Status != g.Status {
		if g.IsTerminal() || !models.CanTransition(g.Status, fields.Status) {
			slog.Warn("Rejected illegal goal transition",
				"goal", id, "from", g.Status, "to", fields.Status)
			return nil
		}
		g.Status = fields.Status
	}
	if fields.Progress != nil {
		p := *fields.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		g.Progress = p
	}
	if fields.Priority != "" {
		g.Priority = fields.Priority
	}
	if fields.Deadline != "" {
		g.Deadline = fields.Deadline
	}
	if fields.Note != "" {
		s.appendLogLocked(g, fields.Note)
	}
	g.UpdatedAt = s.now().UTC()
	if err := s.flushLocked(); err != nil {
		slog.Error("Failed to persist goal update", "goal", id, "error", err)
	}
	cp := *g
	return &cp
}

// CompleteMilestone marks a milestone done with evidence. When every
// non-skipped milestone is done the goal auto-transitions to
// completed. The model name is recorded in the goal log for audit.
func (s *Store) CompleteMilestone(goalID, milestoneID, evidence, model string) (*models.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.findLocked(goalID)
	if g == nil {
		return nil, fmt.Errorf("goal %q not found", goalID)
	}
	var ms *models.Milestone
	for i := range g.Milestones {
		if g.Milestones[i].ID == milestoneID {
			ms = &g.Milestones[i]
			break
		}
	}
	if ms == nil {
		return nil, fmt.Errorf("milestone %q not found on goal %q", milestoneID, goalID)
	}
	if ms.Status == models.MilestoneDone {
		return nil, fmt.Errorf("milestone %q already done", milestoneID)
	}
	ms.Status = models.MilestoneDone
	ms.CompletedAt = s.now().UTC()
	ms.Evidence = evidence
	s.appendLogLocked(g, fmt.Sprintf("milestone %q completed by %s", ms.Title, model))

	if g.AllMilestonesDone() && models.CanTransition(g.Status, models.GoalCompleted) {
		g.Status = models.GoalCompleted
		s.appendLogLocked(g, "all milestones done, goal auto-completed")
	}
	g.UpdatedAt = s.now().UTC()
	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	cp := *g
	return &cp, nil
}

// appendLogLocked appends to the bounded goal log. Caller holds s.mu.
func (s *Store) appendLogLocked(g *models.Goal, note string) {
	g.Log = append(g.Log, models.GoalEvent{TS: s.now().UTC(), Note: note})
	if n := len(g.Log); n > models.MaxGoalLogEvents {
		g.Log = g.Log[n-models.MaxGoalLogEvents:]
	}
}

// Stale returns in_progress goals untouched for at least the given
// number of hours.
func (s *Store) Stale(hours int) []*models.Goal {
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	var out []*models.Goal
	for _, g := range s.List(Filter{Statuses: []models.GoalStatus{models.GoalInProgress}}) {
		if !g.UpdatedAt.After(cutoff) {
			out = append(out, g)
		}
	}
	return out
}

// UpcomingDeadlines returns active or in_progress goals whose deadline
// falls within the given number of days.
func (s *Store) UpcomingDeadlines(days int) []*models.Goal {
	horizon := s.now().AddDate(0, 0, days)
	var out []*models.Goal
	for _, g := range s.List(Filter{Statuses: []models.GoalStatus{models.GoalActive, models.GoalInProgress}}) {
		d, ok := parseDeadline(g.Deadline)
		if !ok {
			continue
		}
		if !d.After(horizon) {
			out = append(out, g)
		}
	}
	return out
}

// parseDeadline accepts ISO dates with or without a time component.
func parseDeadline(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FindByTitle resolves a goal by fuzzy title match: exact (case
// folded) wins, then substring either way. Used to re-attach
// followups whose stored goal id went stale.
func (s *Store) FindByTitle(title string) *models.Goal {
	needle := strings.ToLower(strings.TrimSpace(title))
	if needle == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var partial *models.Goal
	for _, g := range s.goals {
		hay := strings.ToLower(g.Title)
		if hay == needle {
			cp := *g
			return &cp
		}
		if partial == nil && (strings.Contains(hay, needle) || strings.Contains(needle, hay)) {
			partial = g
		}
	}
	if partial != nil {
		cp := *partial
		return &cp
	}
	return nil
}

// CountAgentActive counts non-terminal agent-owned goals, used to
// enforce the 5-goal creation cap.
func (s *Store) CountAgentActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, g := range s.goals {
		if g.Source == "agent" && !g.IsTerminal() {
			n++
		}
	}
	return n
}

// JSONMtime returns the goal file's modification time, or zero when
// the file does not exist.
func (s *Store) JSONMtime() time.Time {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// ImportJSONChanges reloads the goal file when it changed on disk
// after our last load — the model sometimes edits goals.json directly
// through the tool bridge. Returns true when a reload happened.
func (s *Store) ImportJSONChanges() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mtime := s.JSONMtime()
	if mtime.IsZero() || !mtime.After(s.loadedAt) {
		return false, nil
	}
	if err := s.loadLocked(); err != nil {
		return false, err
	}
	slog.Info("Re-imported goals.json after on-disk edit", "mtime", mtime)
	return true, nil
}
