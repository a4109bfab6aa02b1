package autocoder

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchd/perch/pkg/models"
)

func milestone(id, title string, status models.MilestoneStatus) models.Milestone {
	return models.Milestone{ID: id, Title: title, Status: status}
}

func TestPickMilestone(t *testing.T) {
	goals := []models.Goal{
		{ID: "g1", Status: models.GoalBlocked, Milestones: []models.Milestone{
			milestone("m1", "blocked work", models.MilestonePending),
		}},
		{ID: "g2", Status: models.GoalInProgress, Milestones: []models.Milestone{
			milestone("m1", "done already", models.MilestoneDone),
			milestone("m2", "write the parser", models.MilestonePending),
		}},
		{ID: "g3", Status: models.GoalActive, Milestones: []models.Milestone{
			milestone("m1", "later", models.MilestonePending),
		}},
	}

	g, ms := PickMilestone(goals)
	require.NotNil(t, g)
	require.NotNil(t, ms)
	assert.Equal(t, "g2", g.ID)
	assert.Equal(t, "m2", ms.ID)
}

func TestPickMilestoneNoneReady(t *testing.T) {
	goals := []models.Goal{
		{ID: "g1", Status: models.GoalCompleted},
		{ID: "g2", Status: models.GoalInProgress}, // no milestones
	}
	g, ms := PickMilestone(goals)
	assert.Nil(t, g)
	assert.Nil(t, ms)
}

func TestBuildMilestoneBrief(t *testing.T) {
	g := &models.Goal{ID: "g2", Title: "Ship importer", Description: "CSV import for budget"}
	ms := &models.Milestone{ID: "m2", Title: "write the parser"}

	brief := BuildMilestoneBrief(g, ms)
	assert.Contains(t, brief, "## Milestone brief")
	assert.Contains(t, brief, "Goal g2: Ship importer")
	assert.Contains(t, brief, "Current milestone m2: write the parser")
	assert.Contains(t, brief, `<milestone_complete goal="g2" milestone="m2">`)
}

func TestCommitAndReportTestFailure(t *testing.T) {
	c := New(t.TempDir(), "", nil)
	c.SetTestCommand(func(context.Context) (string, error) {
		return "--- FAIL: TestImporter", errors.New("exit status 1")
	})

	var sent []string
	report := c.CommitAndReport(context.Background(),
		&models.Goal{ID: "g2"}, &models.Milestone{ID: "m2", Title: "parser"}, "done it",
		func(_ context.Context, text string) bool { sent = append(sent, text); return true })

	assert.False(t, report.TestsPassed)
	assert.False(t, report.Committed)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "tests FAILED")
	assert.Contains(t, sent[0], "nothing committed")
}

func TestCommitAndReportSuccessPath(t *testing.T) {
	// Not a git repo: the commit step fails, which exercises the
	// tests-passed-commit-failed report.
	c := New(t.TempDir(), "", nil)
	c.SetTestCommand(func(context.Context) (string, error) { return "ok", nil })

	var sent []string
	report := c.CommitAndReport(context.Background(),
		&models.Goal{ID: "g2"}, &models.Milestone{ID: "m2", Title: "parser"}, "evidence",
		func(_ context.Context, text string) bool { sent = append(sent, text); return true })

	assert.True(t, report.TestsPassed)
	assert.False(t, report.Committed)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "commit failed")
}

func TestSanitizeStripsShellMetacharacters(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain title", "plain title"},
		{"rm -rf; echo `pwd` $(id)", "rm -rf echo pwd id"},
		{"a|b&c>d<e", "abcde"},
		{"multi\nline\revidence", "multi line evidence"},
		{`quotes "double" and 'single'`, "quotes double and single"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "input %q", tt.in)
	}
}

func TestCommitMessageStructure(t *testing.T) {
	msg := commitMessage(
		&models.Goal{ID: "g2"},
		&models.Milestone{ID: "m2", Title: "write; the `parser`"},
		"all tests green")
	assert.Equal(t, "milestone: write the parser (g2/m2)\n\nall tests green", msg)
}

// scriptedGit maps a stringified arg list to canned output; unknown
// invocations fail.
func scriptedGit(outputs map[string]string) runGit {
	return func(_ context.Context, _ string, args ...string) (string, error) {
		key := fmt.Sprintf("%v", args)
		if out, ok := outputs[key]; ok {
			return out, nil
		}
		return "", errors.New("no diff")
	}
}

func TestFileDiffFallbackChain(t *testing.T) {
	scripted := scriptedGit

	unstaged := scripted(map[string]string{
		"[diff -- lib/a.go]": "diff --git unstaged",
	})
	d := fileDiff(context.Background(), ".", "lib/a.go", unstaged)
	assert.Equal(t, "diff --git unstaged", d.Diff)

	staged := scripted(map[string]string{
		"[diff --cached -- lib/a.go]": "diff --git staged",
	})
	d = fileDiff(context.Background(), ".", "lib/a.go", staged)
	assert.Equal(t, "diff --git staged", d.Diff)

	lastCommit := scripted(map[string]string{
		"[diff HEAD~1 HEAD -- lib/a.go]": "diff --git committed",
	})
	d = fileDiff(context.Background(), ".", "lib/a.go", lastCommit)
	assert.Equal(t, "diff --git committed", d.Diff)

	d = fileDiff(context.Background(), ".", "lib/new.go", scripted(nil))
	assert.Equal(t, "(new file)", d.Diff)
	assert.Equal(t, "lib/new.go", d.Path)
}

func TestChangedFilesListsModifiedAndUntracked(t *testing.T) {
	git := scriptedGit(map[string]string{
		"[diff --name-only HEAD]":                "lib/a.go\nlib/b.go\n",
		"[ls-files --others --exclude-standard]": "lib/new.go\n",
	})
	paths := changedFiles(context.Background(), ".", git)
	assert.Equal(t, []string{"lib/a.go", "lib/b.go", "lib/new.go"}, paths)

	// Outside a repo the listing fails and no files are reported.
	assert.Nil(t, changedFiles(context.Background(), ".", scriptedGit(nil)))
}

func TestCommitAndReportCapturesFileDiffs(t *testing.T) {
	c := New(t.TempDir(), "", nil)
	c.SetTestCommand(func(context.Context) (string, error) { return "ok", nil })
	c.git = scriptedGit(map[string]string{
		"[diff --name-only HEAD]": "lib/a.go\n",
		"[diff -- lib/a.go]":      "diff --git a",
	})

	report := c.CommitAndReport(context.Background(),
		&models.Goal{ID: "g2"}, &models.Milestone{ID: "m2", Title: "parser"}, "green", nil)

	assert.True(t, report.TestsPassed)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "lib/a.go", report.Files[0].Path)
	assert.Equal(t, "diff --git a", report.Files[0].Diff)
}
