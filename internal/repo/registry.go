// Package repo maps opaque repo ids of the form "<rootName>/<sub-path>" to
// absolute on-disk directories under the configured repo roots.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"logpose/internal/pathsafe"
)

// ErrNotFound is returned when a repo id does not resolve to a unique
// directory under a configured root.
var ErrNotFound = errors.New("repository not found")

// Info describes a discoverable repository.
type Info struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PathHint    string `json:"pathHint"`
}

// Registry resolves repo ids against a fixed set of root directories.
// It is stateless beyond the immutable configuration.
type Registry struct {
	roots []string
}

// NewRegistry creates a registry over the given absolute root paths.
// Root basenames must be unique, otherwise repo ids would be ambiguous.
func NewRegistry(roots []string) (*Registry, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("repo: no roots configured")
	}
	seen := make(map[string]string, len(roots))
	for _, r := range roots {
		if !filepath.IsAbs(r) {
			return nil, fmt.Errorf("repo: root %q is not absolute", r)
		}
		base := filepath.Base(r)
		if prev, dup := seen[base]; dup {
			return nil, fmt.Errorf("repo: roots %q and %q share basename %q", prev, r, base)
		}
		seen[base] = r
	}
	return &Registry{roots: roots}, nil
}

// Discover enumerates the immediate children of every configured root and
// returns one Info per readable directory whose name does not start with a
// dot, sorted by display name ascending, case-insensitive.
func (r *Registry) Discover() ([]Info, error) {
	var out []Info
	for _, root := range r.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			// A missing or unreadable root yields no repos rather than
			// failing the whole listing.
			continue
		}
		rootName := filepath.Base(root)
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			out = append(out, Info{
				ID:          rootName + "/" + e.Name(),
				DisplayName: e.Name(),
				PathHint:    filepath.Join(root, e.Name()),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if a == b {
			return out[i].ID < out[j].ID
		}
		return a < b
	})
	return out, nil
}

// Resolve parses repoID as "<rootName>/<sub>" and returns the real path of
// the repository directory, or ErrNotFound. The resolved path is guaranteed
// to lie under the matching root even in the presence of symlinks.
func (r *Registry) Resolve(repoID string) (string, error) {
	rootName, sub, ok := strings.Cut(repoID, "/")
	if !ok || rootName == "" || sub == "" {
		return "", fmt.Errorf("%w: malformed id %q", ErrNotFound, repoID)
	}
	if err := pathsafe.ValidateRelativePath(sub); err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, repoID)
	}
	for _, root := range r.roots {
		if filepath.Base(root) != rootName {
			continue
		}
		real, err := pathsafe.ResolveRepoPath(root, sub)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrNotFound, repoID)
		}
		fi, err := os.Stat(real)
		if err != nil || !fi.IsDir() {
			return "", fmt.Errorf("%w: %q", ErrNotFound, repoID)
		}
		return real, nil
	}
	return "", fmt.Errorf("%w: no root named %q", ErrNotFound, rootName)
}
