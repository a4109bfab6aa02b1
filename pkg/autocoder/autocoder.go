// Package autocoder turns goal milestones into coding work: it picks
// the next pending milestone, writes the prompt brief, runs the test
// suite, and commits verified changes.
package autocoder

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/perchd/perch/pkg/models"
)

// TestCommand runs the project test suite and returns its combined
// output. The default shells out to the configured command; tests
// inject fakes.
type TestCommand func(ctx context.Context) (output string, err error)

// SendFunc delivers the commit report to the user.
type SendFunc func(ctx context.Context, text string) bool

// Coder drives the milestone workflow inside one repository.
type Coder struct {
	repoDir  string
	runTests TestCommand
	git      runGit
	logger   *slog.Logger
}

// New creates a coder for repoDir. testCmd is the test-suite command
// line (e.g. "go test ./..."); empty uses the default.
func New(repoDir, testCmd string, logger *slog.Logger) *Coder {
	if logger == nil {
		logger = slog.Default()
	}
	if testCmd == "" {
		testCmd = "go test ./..."
	}
	c := &Coder{
		repoDir: repoDir,
		git:     execGit,
		logger:  logger.With("component", "autocoder"),
	}
	c.runTests = func(ctx context.Context) (string, error) {
		parts := strings.Fields(testCmd)
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Dir = repoDir
		out, err := cmd.CombinedOutput()
		return string(out), err
	}
	return c
}

// SetTestCommand overrides the test runner. Startup or tests only.
func (c *Coder) SetTestCommand(run TestCommand) { c.runTests = run }

// PickMilestone returns the first pending milestone of the
// highest-priority in-progress goal, or nils when no work is ready.
func PickMilestone(goals []models.Goal) (*models.Goal, *models.Milestone) {
	for i := range goals {
		g := &goals[i]
		if g.Status != models.GoalInProgress && g.Status != models.GoalActive {
			continue
		}
		if ms := g.PendingMilestone(); ms != nil {
			return g, ms
		}
	}
	return nil, nil
}

// BuildMilestoneBrief renders the auto-coder prompt block for one
// milestone.
func BuildMilestoneBrief(goal *models.Goal, ms *models.Milestone) string {
	var sb strings.Builder
	sb.WriteString("## Milestone brief\n")
	fmt.Fprintf(&sb, "Goal %s: %s\n", goal.ID, goal.Title)
	if goal.Description != "" {
		sb.WriteString(goal.Description + "\n")
	}
	fmt.Fprintf(&sb, "Current milestone %s: %s\n", ms.ID, ms.Title)
	sb.WriteString("Work on this milestone only. When it is verifiably done, respond with ")
	fmt.Fprintf(&sb, "<milestone_complete goal=%q milestone=%q>evidence</milestone_complete> ", goal.ID, ms.ID)
	sb.WriteString("and an <action_taken> entry. If you are blocked, say why instead.")
	return sb.String()
}

// Report is the outcome of a verify-and-commit attempt.
type Report struct {
	TestsPassed bool
	Committed   bool
	TestOutput  string
	CommitMsg   string
	Files       []models.FileDiff
}

// CommitAndReport runs the test suite and, on success, commits the
// modified source and test files with a structured message, then
// notifies the user through send. On failure it reports without
// committing.
func (c *Coder) CommitAndReport(ctx context.Context, goal *models.Goal, ms *models.Milestone, evidence string, send SendFunc) Report {
	output, err := c.runTests(ctx)
	report := Report{TestOutput: tail(output, 2000)}
	if err != nil {
		c.logger.Warn("Milestone tests failed, not committing",
			"goal", goal.ID, "milestone", ms.ID, "error", err)
		if send != nil {
			send(ctx, fmt.Sprintf("Milestone %s/%s: tests FAILED, nothing committed.\n%s",
				goal.ID, ms.ID, tail(output, 600)))
		}
		return report
	}
	report.TestsPassed = true

	// Capture diffs before the commit moves them out of the worktree.
	for _, path := range c.changedFiles(ctx) {
		report.Files = append(report.Files, c.FileDiff(ctx, path))
	}

	msg := commitMessage(goal, ms, evidence)
	report.CommitMsg = msg
	if err := c.commit(ctx, msg); err != nil {
		c.logger.Error("Commit failed after green tests",
			"goal", goal.ID, "milestone", ms.ID, "error", err)
		if send != nil {
			send(ctx, fmt.Sprintf("Milestone %s/%s: tests passed but commit failed: %v", goal.ID, ms.ID, err))
		}
		return report
	}
	report.Committed = true
	if send != nil {
		send(ctx, fmt.Sprintf("Milestone %s/%s done: tests passed, committed.\n%s", goal.ID, ms.ID, evidence))
	}
	return report
}

func (c *Coder) commit(ctx context.Context, msg string) error {
	add := exec.CommandContext(ctx, "git", "add", "lib/", "test/")
	add.Dir = c.repoDir
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %w: %s", err, tail(string(out), 200))
	}
	commit := exec.CommandContext(ctx, "git", "commit", "-m", msg)
	commit.Dir = c.repoDir
	if out, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %w: %s", err, tail(string(out), 200))
	}
	return nil
}

// shellMeta strips characters a shell would interpret. Commit fields
// come from model output and must never reach a shell intact.
var shellMeta = regexp.MustCompile("[`$\\\\;|&<>(){}\\[\\]!\"'\n\r]")

// Sanitize removes shell metacharacters and squeezes whitespace.
func Sanitize(s string) string {
	s = shellMeta.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

func commitMessage(goal *models.Goal, ms *models.Milestone, evidence string) string {
	return fmt.Sprintf("milestone: %s (%s/%s)\n\n%s",
		Sanitize(ms.Title), Sanitize(goal.ID), Sanitize(ms.ID), Sanitize(evidence))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
