// Package git wraps the git CLI for the two concerns the gateway needs:
// per-user worktree management and the safe allowlist of read operations
// exposed over HTTP (status, diff, log, branches). All commands run with
// per-argument parameterization, never through a shell.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNotARepo is returned when a directory has no git metadata.
var ErrNotARepo = errors.New("not a git repository")

// Repository is a handle on a git checkout (a main checkout or a worktree).
type Repository struct {
	path string
}

// StatusEntry is one line of porcelain status output.
type StatusEntry struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// LogEntry is one commit in log output.
type LogEntry struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

// Branch is one entry in branch listing output.
type Branch struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
}

// maxLogLimit caps the number of commits returned by Log.
const maxLogLimit = 200

// Open returns a Repository for dir, or ErrNotARepo when dir is not inside
// a git checkout.
func Open(dir string) (*Repository, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotARepo, dir)
	}
	return &Repository{path: dir}, nil
}

// Path returns the checkout directory.
func (r *Repository) Path() string {
	return r.path
}

// CurrentBranch returns the checked-out branch name, or an empty string for
// a detached HEAD.
func (r *Repository) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", nil
	}
	return out, nil
}

// Status returns porcelain status entries for the checkout.
func (r *Repository) Status(ctx context.Context) ([]StatusEntry, error) {
	out, err := r.runRaw(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	entries := []StatusEntry{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		entries = append(entries, StatusEntry{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}
	return entries, nil
}

// Diff returns the unified diff of the working tree, optionally limited to
// one validated relative path.
func (r *Repository) Diff(ctx context.Context, relPath string) (string, error) {
	args := []string{"diff"}
	if relPath != "" {
		args = append(args, "--", relPath)
	}
	return r.runRaw(ctx, args...)
}

// Log returns up to limit commits from HEAD, newest first. The limit is
// capped at maxLogLimit; zero or negative means 50.
func (r *Repository) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	// %x1f separates fields, %x1e separates records; both are safe against
	// arbitrary subject lines.
	out, err := r.runRaw(ctx,
		"log", "-n", strconv.Itoa(limit), "--pretty=format:%H%x1f%an%x1f%aI%x1f%s%x1e")
	if err != nil {
		return nil, err
	}
	entries := []LogEntry{}
	for _, rec := range strings.Split(out, "\x1e") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		fields := strings.SplitN(rec, "\x1f", 4)
		if len(fields) != 4 {
			continue
		}
		entries = append(entries, LogEntry{
			Hash:    fields[0],
			Author:  fields[1],
			Date:    fields[2],
			Subject: fields[3],
		})
	}
	return entries, nil
}

// Branches lists local branches with the current one marked.
func (r *Repository) Branches(ctx context.Context) ([]Branch, error) {
	out, err := r.runRaw(ctx, "branch", "--list", "--format=%(if)%(HEAD)%(then)*%(else) %(end)%(refname:short)")
	if err != nil {
		return nil, err
	}
	branches := []Branch{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		branches = append(branches, Branch{
			Name:    strings.TrimSpace(line[1:]),
			Current: line[0] == '*',
		})
	}
	return branches, nil
}

// branchExists reports whether a local branch exists.
func (r *Repository) branchExists(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// remoteBranchExists reports whether origin/<name> exists locally.
func (r *Repository) remoteBranchExists(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+name)
	return err == nil
}
