package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"logpose/internal/pathsafe"
	"logpose/internal/userid"
)

// BranchNamespace is the prefix of user-namespaced branches. A user's
// checkout of base branch "main" lives on "logpose/<shortUserId>/main".
const BranchNamespace = "logpose"

// worktreesDirName is the directory under the repo root that holds all
// per-user worktrees.
const worktreesDirName = ".worktrees"

// Errors surfaced by worktree creation.
var (
	// ErrBranchMissing is returned when the requested base branch exists
	// neither locally nor on origin.
	ErrBranchMissing = errors.New("base branch not found")
	// ErrBranchExists is returned when creating a fresh branch that the
	// user already has.
	ErrBranchExists = errors.New("user branch already exists")
)

// WorktreeManager creates, locates, and cleans per-user isolated checkouts.
// Worktree mutations against the same repository are serialized: git
// worktree add/remove both touch .git and conflict under concurrency.
type WorktreeManager struct {
	mu sync.Mutex
}

// NewWorktreeManager returns a WorktreeManager.
func NewWorktreeManager() *WorktreeManager {
	return &WorktreeManager{}
}

// UserBranch returns the user-namespaced branch name for a base branch.
func UserBranch(userEmail, baseBranch string) string {
	return BranchNamespace + "/" + userid.ShortID(userEmail) + "/" + baseBranch
}

// WorktreePath returns the on-disk location of a user's worktree for a base
// branch: <repoRoot>/.worktrees/<shortUserId>/<baseBranch>.
func WorktreePath(repoRoot, userEmail, baseBranch string) string {
	return filepath.Join(repoRoot, worktreesDirName, userid.ShortID(userEmail), filepath.FromSlash(baseBranch))
}

// EnsureFromExisting returns the user's worktree for baseBranch, creating it
// on first use. The base branch must exist locally or as origin/<baseBranch>;
// otherwise ErrBranchMissing is returned. When the user-namespaced branch
// already exists it is checked out as-is, so repeated calls are idempotent
// and perform no git mutation once the worktree directory exists.
func (w *WorktreeManager) EnsureFromExisting(ctx context.Context, repoRoot, userEmail, baseBranch string) (string, error) {
	return w.ensure(ctx, repoRoot, userEmail, baseBranch, false)
}

// EnsureFromNewBranch creates the user's worktree on a fresh user-namespaced
// branch cut from the repository's current HEAD. Fails with ErrBranchExists
// if the user's namespaced branch is already present.
func (w *WorktreeManager) EnsureFromNewBranch(ctx context.Context, repoRoot, userEmail, newBaseBranch string) (string, error) {
	return w.ensure(ctx, repoRoot, userEmail, newBaseBranch, true)
}

func (w *WorktreeManager) ensure(ctx context.Context, repoRoot, userEmail, baseBranch string, fromHEAD bool) (string, error) {
	if err := ValidateBranchName(baseBranch); err != nil {
		return "", err
	}
	repo, err := Open(repoRoot)
	if err != nil {
		return "", err
	}

	wtPath := WorktreePath(repoRoot, userEmail, baseBranch)
	// The computed path must satisfy the same containment invariant the
	// file surface relies on.
	rel, err := filepath.Rel(repoRoot, wtPath)
	if err != nil {
		return "", err
	}
	if err := pathsafe.ValidateRelativePath(filepath.ToSlash(rel)); err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if fi, statErr := os.Stat(wtPath); statErr == nil && fi.IsDir() {
		return wtPath, nil
	}

	userBranch := UserBranch(userEmail, baseBranch)
	hasUserBranch := repo.branchExists(ctx, userBranch)

	var addArgs []string
	switch {
	case fromHEAD:
		if hasUserBranch {
			return "", fmt.Errorf("%w: %s", ErrBranchExists, userBranch)
		}
		addArgs = []string{"worktree", "add", "-b", userBranch, "--", wtPath}
	case hasUserBranch:
		addArgs = []string{"worktree", "add", "--", wtPath, userBranch}
	case repo.branchExists(ctx, baseBranch):
		addArgs = []string{"worktree", "add", "-b", userBranch, "--", wtPath, baseBranch}
	case repo.remoteBranchExists(ctx, baseBranch):
		addArgs = []string{"worktree", "add", "--track", "-b", userBranch, "--", wtPath, "origin/" + baseBranch}
	default:
		return "", fmt.Errorf("%w: %s", ErrBranchMissing, baseBranch)
	}

	parent := filepath.Dir(wtPath)
	parentExisted := dirExists(parent)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	if _, err := repo.run(ctx, addArgs...); err != nil {
		// Creation must be atomic-enough: remove anything we created before
		// surfacing the error.
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			slog.Warn("worktree rollback failed", "path", wtPath, "error", rmErr)
		}
		if !parentExisted {
			if rmErr := os.Remove(parent); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Debug("worktree parent rollback failed", "path", parent, "error", rmErr)
			}
		}
		return "", fmt.Errorf("create worktree for %s: %w", userBranch, err)
	}

	slog.Info("worktree created",
		"repo", repoRoot, "user", userid.ShortID(userEmail), "branch", userBranch, "path", wtPath)
	return wtPath, nil
}

// Cleanup removes the worktree entry from git and best-effort removes the
// directory. It never returns an error: cleanup runs during session
// termination and failures there must not break teardown. Errors are logged.
func (w *WorktreeManager) Cleanup(ctx context.Context, repoRoot, worktreePath string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	repo, err := Open(repoRoot)
	if err != nil {
		slog.Warn("worktree cleanup: repo open failed", "repo", repoRoot, "error", err)
		return
	}
	if _, err := repo.run(ctx, "worktree", "remove", "--force", "--", worktreePath); err != nil {
		slog.Warn("worktree cleanup: git remove failed", "path", worktreePath, "error", err)
	}
	if err := os.RemoveAll(worktreePath); err != nil {
		slog.Warn("worktree cleanup: directory removal failed", "path", worktreePath, "error", err)
	}
	if _, err := repo.run(ctx, "worktree", "prune", "--expire=now"); err != nil {
		slog.Debug("worktree cleanup: prune failed", "repo", repoRoot, "error", err)
	}
}

// ListForUser enumerates the user's worktree directories under
// <repoRoot>/.worktrees/<shortUserId>/ by filesystem listing. Each returned
// path is a checkout root (identified by its .git entry); branch names with
// slashes nest, so the walk descends until it finds one.
func (w *WorktreeManager) ListForUser(repoRoot, userEmail string) ([]string, error) {
	userDir := filepath.Join(repoRoot, worktreesDirName, userid.ShortID(userEmail))
	if !dirExists(userDir) {
		return nil, nil
	}

	var out []string
	err := filepath.WalkDir(userDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if _, statErr := os.Stat(filepath.Join(path, ".git")); statErr == nil {
			out = append(out, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
