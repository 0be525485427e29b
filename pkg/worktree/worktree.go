// Package worktree creates and tears down the per-task, per-machine
// isolated source-control checkouts the child supervisor runs the coding
// assistant against. It shells out to the `git` and `gh` binaries
// rather than reimplementing either.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pushdaemon/pushd/pkg/pushlog"
)

var logger = pushlog.WithComponent("worktree")

const commandTimeout = 30 * time.Second

// Manager creates and removes worktrees for a single project checkout.
type Manager struct {
	// GitBin and GHBin allow tests to point at fakes; default to "git"/"gh".
	GitBin string
	GHBin  string
}

// New returns a Manager using the git and gh binaries found on PATH.
func New() *Manager {
	return &Manager{GitBin: "git", GHBin: "gh"}
}

// Name returns the branch/directory name used for a task on this machine:
// push-{displayNumber}-{machineSuffix}.
func Name(displayNumber int, machineSuffix string) string {
	return fmt.Sprintf("push-%d-%s", displayNumber, machineSuffix)
}

// Create ensures a worktree directory exists for the given name, as a
// sibling of projectPath, on a branch of the same name. If the directory
// already exists it is returned as-is (idempotent). If branch creation
// fails because the branch already exists (e.g. a stale worktree was
// removed but the branch survived, per design), it retries by attaching
// the existing branch instead.
func (m *Manager) Create(ctx context.Context, projectPath, name string) (string, error) {
	worktreePath := filepath.Join(filepath.Dir(projectPath), name)

	if info, err := os.Stat(worktreePath); err == nil && info.IsDir() {
		return worktreePath, nil
	}

	out, err := m.git(ctx, projectPath, "worktree", "add", "-b", name, worktreePath)
	if err == nil {
		return worktreePath, nil
	}
	if !strings.Contains(out, "already exists") {
		return "", fmt.Errorf("worktree: creating worktree %s: %w (%s)", name, err, out)
	}

	// Branch already exists from a prior run on this machine; attach to it.
	out, err = m.git(ctx, projectPath, "worktree", "add", worktreePath, name)
	if err != nil {
		return "", fmt.Errorf("worktree: attaching existing branch %s: %w (%s)", name, err, out)
	}
	return worktreePath, nil
}

// Remove deletes the worktree directory for name, forcing removal even if
// it has uncommitted changes. The branch is intentionally left behind so a
// human can review it. Failures are logged, never returned: removal is
// best-effort cleanup.
func (m *Manager) Remove(ctx context.Context, projectPath, name string) {
	worktreePath := filepath.Join(filepath.Dir(projectPath), name)
	if out, err := m.git(ctx, projectPath, "worktree", "remove", "--force", worktreePath); err != nil {
		logger.Warn().Err(err).Str("worktree", name).Str("output", out).Msg("failed to remove worktree")
	}
}

// CreateReviewRequest pushes the branch and opens a review request via the
// gh CLI if the branch has at least one commit ahead of the default
// branch. Entirely best-effort: every failure is logged and swallowed, and
// the caller receives an empty URL rather than an error.
func (m *Manager) CreateReviewRequest(ctx context.Context, projectPath, name, summary string) string {
	ahead, err := m.commitsAhead(ctx, projectPath, name)
	if err != nil {
		logger.Info().Err(err).Str("worktree", name).Msg("could not determine commits ahead, skipping review request")
		return ""
	}
	if ahead == 0 {
		return ""
	}

	if out, err := m.git(ctx, projectPath, "push", "-u", "origin", name); err != nil {
		logger.Info().Err(err).Str("worktree", name).Str("output", out).Msg("failed to push branch for review request")
		return ""
	}

	if _, err := exec.LookPath(m.ghBin()); err != nil {
		logger.Info().Str("worktree", name).Msg("gh CLI not available, skipping pull request creation")
		return ""
	}

	out, err := m.run(ctx, projectPath, m.ghBin(), "pr", "create", "--head", name, "--title", summary, "--body", summary, "--fill")
	if err != nil {
		logger.Info().Err(err).Str("worktree", name).Str("output", out).Msg("failed to create review request")
		return ""
	}
	return strings.TrimSpace(lastLine(out))
}

func (m *Manager) commitsAhead(ctx context.Context, projectPath, name string) (int, error) {
	out, err := m.git(ctx, projectPath, "rev-list", "--count", "main.."+name)
	if err != nil {
		out, err = m.git(ctx, projectPath, "rev-list", "--count", "master.."+name)
		if err != nil {
			return 0, err
		}
	}
	var n int
	if _, scanErr := fmt.Sscanf(strings.TrimSpace(out), "%d", &n); scanErr != nil {
		return 0, scanErr
	}
	return n, nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run(ctx, dir, m.gitBin(), args...)
}

func (m *Manager) run(ctx context.Context, dir, bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	return buf.String(), err
}

func (m *Manager) gitBin() string {
	if m.GitBin != "" {
		return m.GitBin
	}
	return "git"
}

func (m *Manager) ghBin() string {
	if m.GHBin != "" {
		return m.GHBin
	}
	return "gh"
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return lines[len(lines)-1]
}
