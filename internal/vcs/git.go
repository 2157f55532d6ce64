package vcs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotRepository is returned when RepoPath is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// GitCommitter stages everything in the work tree and commits it.
type GitCommitter struct {
	config GitConfig
	logger *slog.Logger
	mu     sync.Mutex // Serializes git operations on the repository
}

// NewGitCommitter returns a committer for cfg.RepoPath.
func NewGitCommitter(cfg GitConfig, logger *slog.Logger) *GitCommitter {
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitCommitter{config: cfg, logger: logger}
}

// Check verifies that git is installed and RepoPath is a work tree.
func (g *GitCommitter) Check(ctx context.Context) error {
	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found: %w", err)
	}
	out, err := g.git(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(out) != "true" {
		return fmt.Errorf("%w: %s", ErrNotRepository, g.config.RepoPath)
	}
	return nil
}

// Commit stages all changes and commits them with message. A clean tree is
// not an error.
func (g *GitCommitter) Commit(ctx context.Context, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	addArgs := []string{"add", "-A", "--", "."}
	for _, path := range g.config.Exclude {
		addArgs = append(addArgs, ":(exclude)"+path)
	}
	if _, err := g.gitRetry(ctx, addArgs...); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}

	// diff --cached --quiet exits 1 when something is staged
	if _, err := g.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		g.logger.Debug("nothing to commit", "message", message)
		return nil
	}

	commitArgs := []string{"commit", "-m", message}
	if g.config.Author != "" {
		commitArgs = append(commitArgs, "--author", g.config.Author)
	}
	if _, err := g.gitRetry(ctx, commitArgs...); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	if head, err := g.head(ctx); err == nil {
		g.logger.Info("checkpoint committed", "head", head, "message", message)
	}
	return nil
}

// Head returns the current HEAD commit hash.
func (g *GitCommitter) Head(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head(ctx)
}

func (g *GitCommitter) head(ctx context.Context) (string, error) {
	out, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Status lists uncommitted changes, excluded paths included.
func (g *GitCommitter) Status(ctx context.Context) ([]Change, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out, err := g.git(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("failed to read status: %w", err)
	}
	return parseStatus(out), nil
}

// Pending lists the changes the next Commit would stage.
func (g *GitCommitter) Pending(ctx context.Context) ([]Change, error) {
	changes, err := g.Status(ctx)
	if err != nil {
		return nil, err
	}
	pending := changes[:0]
	for _, c := range changes {
		if !g.excluded(c.Path) {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

func (g *GitCommitter) excluded(path string) bool {
	for _, ex := range g.config.Exclude {
		ex = strings.TrimSuffix(filepath.ToSlash(ex), "/")
		if path == ex || strings.HasPrefix(path, ex+"/") {
			return true
		}
	}
	return false
}

// parseStatus parses `git status --porcelain` (v1) output.
func parseStatus(output string) []Change {
	var changes []Change
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames are reported as "old -> new"
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		changes = append(changes, Change{Status: line[:2], Path: strings.Trim(path, `"`)})
	}
	return changes
}

func (g *GitCommitter) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.config.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// gitRetry runs a git command, retrying with exponential backoff while
// another process holds the index lock. Other failures are permanent.
func (g *GitCommitter) gitRetry(ctx context.Context, args ...string) (string, error) {
	var out string
	operation := func() error {
		var err error
		out, err = g.git(ctx, args...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isLockContention(out) {
			return backoff.Permanent(err)
		}
		g.logger.Debug("git index locked, retrying", "command", args[0])
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.config.Retry.InitialInterval
	policy.MaxInterval = g.config.Retry.MaxInterval
	policy.MaxElapsedTime = g.config.Retry.MaxElapsedTime

	var b backoff.BackOff = policy
	if g.config.Retry.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, g.config.Retry.MaxRetries)
	}
	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return out, err
}

func isLockContention(output string) bool {
	return strings.Contains(output, "index.lock")
}
