package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"logpose/internal/testutil"
)

func TestWorktreePath(t *testing.T) {
	got := WorktreePath("/r/demo", "Jane.Doe@example.com", "main")
	want := filepath.Join("/r/demo", ".worktrees", "jane-doe", "main")
	if got != want {
		t.Errorf("WorktreePath() = %q, want %q", got, want)
	}
}

func TestUserBranch(t *testing.T) {
	if got := UserBranch("jane@example.com", "main"); got != "logpose/jane/main" {
		t.Errorf("UserBranch() = %q", got)
	}
}

func TestEnsureFromExisting(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	path, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", "main")
	if err != nil {
		t.Fatalf("EnsureFromExisting() error = %v", err)
	}
	if !strings.HasPrefix(path, repoRoot) {
		t.Errorf("worktree %q not under repo root %q", path, repoRoot)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		t.Errorf("worktree missing .git entry: %v", err)
	}

	repo, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "logpose/jane/main" {
		t.Errorf("worktree HEAD = %q, want logpose/jane/main", branch)
	}
}

func TestEnsureFromExistingIdempotent(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	first, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", "main")
	if err != nil {
		t.Fatal(err)
	}
	// Drop a marker; a second ensure must not recreate or reset the checkout.
	marker := filepath.Join(first, "marker.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", "main")
	if err != nil {
		t.Fatalf("second EnsureFromExisting() error = %v", err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("marker lost on second ensure: %v", err)
	}
}

func TestEnsureFromExistingMissingBranch(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	_, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", "no-such-branch")
	if !errors.Is(err, ErrBranchMissing) {
		t.Errorf("error = %v, want ErrBranchMissing", err)
	}
	// Failed creation must not leave a directory behind.
	if _, statErr := os.Stat(WorktreePath(repoRoot, "jane@example.com", "no-such-branch")); !os.IsNotExist(statErr) {
		t.Errorf("stale worktree directory left after failure: %v", statErr)
	}
}

func TestEnsureFromExistingInvalidBranch(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	for _, name := range []string{"", "a..b", "-x", "a//b"} {
		if _, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", name); !errors.Is(err, ErrInvalidBranchName) {
			t.Errorf("EnsureFromExisting(%q) error = %v, want ErrInvalidBranchName", name, err)
		}
	}
}

func TestEnsureFromNewBranch(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	path, err := wm.EnsureFromNewBranch(ctx, repoRoot, "jane@example.com", "feature/fresh")
	if err != nil {
		t.Fatalf("EnsureFromNewBranch() error = %v", err)
	}
	repo, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if branch != "logpose/jane/feature/fresh" {
		t.Errorf("worktree HEAD = %q", branch)
	}

	// Second creation of the same namespaced branch must fail.
	wm.Cleanup(ctx, repoRoot, path)
	if _, err := wm.EnsureFromNewBranch(ctx, repoRoot, "jane@example.com", "feature/fresh"); !errors.Is(err, ErrBranchExists) {
		t.Errorf("error = %v, want ErrBranchExists", err)
	}
}

func TestWorktreeIsolationBetweenUsers(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	a, err := wm.EnsureFromExisting(ctx, repoRoot, "a@example.com", "main")
	if err != nil {
		t.Fatal(err)
	}
	b, err := wm.EnsureFromExisting(ctx, repoRoot, "b@example.com", "main")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("worktrees are not distinct: %q", a)
	}
	if err := os.WriteFile(filepath.Join(a, "only-a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(b, "only-a.txt")); !os.IsNotExist(err) {
		t.Errorf("file written in a's worktree is visible in b's: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	path, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", "main")
	if err != nil {
		t.Fatal(err)
	}
	wm.Cleanup(ctx, repoRoot, path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("worktree directory still present after cleanup: %v", err)
	}
	// Cleanup never errors, even when the worktree is already gone.
	wm.Cleanup(ctx, repoRoot, path)
}

func TestListForUser(t *testing.T) {
	ctx := context.Background()
	repoRoot := testutil.CreateTempGitRepo(t)
	wm := NewWorktreeManager()

	if got, err := wm.ListForUser(repoRoot, "jane@example.com"); err != nil || len(got) != 0 {
		t.Fatalf("ListForUser() = %v, %v; want empty", got, err)
	}

	testutil.RunGit(t, repoRoot, "branch", "dev")
	if _, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := wm.EnsureFromExisting(ctx, repoRoot, "jane@example.com", "dev"); err != nil {
		t.Fatal(err)
	}

	got, err := wm.ListForUser(repoRoot, "jane@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("ListForUser() = %v, want 2 entries", got)
	}
}
