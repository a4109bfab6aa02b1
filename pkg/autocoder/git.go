package autocoder

import (
	"context"
	"os/exec"
	"strings"

	"github.com/perchd/perch/pkg/models"
)

// runGit abstracts git invocation so tests can script outputs.
type runGit func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// FileDiff returns the diff for one file, trying unstaged, then
// staged, then the last commit. A file unknown to git in all three is
// reported as new.
func (c *Coder) FileDiff(ctx context.Context, path string) models.FileDiff {
	return fileDiff(ctx, c.repoDir, path, c.git)
}

// changedFiles lists paths modified since the last commit, staged or
// not, plus untracked files.
func (c *Coder) changedFiles(ctx context.Context) []string {
	return changedFiles(ctx, c.repoDir, c.git)
}

func changedFiles(ctx context.Context, dir string, git runGit) []string {
	var paths []string
	out, err := git(ctx, dir, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	if out, err := git(ctx, dir, "ls-files", "--others", "--exclude-standard"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				paths = append(paths, line)
			}
		}
	}
	return paths
}

func fileDiff(ctx context.Context, dir, path string, git runGit) models.FileDiff {
	attempts := [][]string{
		{"diff", "--", path},
		{"diff", "--cached", "--", path},
		{"diff", "HEAD~1", "HEAD", "--", path},
	}
	for _, args := range attempts {
		out, err := git(ctx, dir, args...)
		if err == nil && strings.TrimSpace(out) != "" {
			return models.FileDiff{Path: path, Diff: out}
		}
	}
	return models.FileDiff{Path: path, Diff: "(new file)"}
}
