// Package pathsafe validates and resolves client-supplied relative paths
// against a repository root. Every file, search, and git operation performed
// on behalf of a user goes through these routines; external callers never
// hand the server an absolute path.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for paths that are empty, absolute, or contain
// a ".." segment.
var ErrUnsafePath = errors.New("unsafe path")

// ErrPathEscape is returned when a path resolves (through symlinks) outside
// the repository root.
var ErrPathEscape = errors.New("path escapes repository root")

// binaryExtensions is the denylist used to refuse textual reads/writes of
// known binary formats.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".webp": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".webm": true, ".wav": true, ".flac": true, ".wasm": true, ".class": true,
	".jar": true, ".o": true, ".a": true, ".pyc": true, ".db": true,
	".sqlite": true, ".sqlite3": true,
}

// excludedDirs are directory names elided from tree listings and search:
// VCS metadata, dependency vendoring, and build outputs.
var excludedDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, ".worktrees": true,
	"node_modules": true, "vendor": true, "bower_components": true,
	"dist": true, "build": true, "out": true, "target": true,
	".next": true, ".nuxt": true, ".cache": true, ".turbo": true,
	"__pycache__": true, ".venv": true, "venv": true,
	"coverage": true, ".gradle": true,
}

// visibleHidden are the dotfiles still shown despite being hidden.
var visibleHidden = map[string]bool{
	".gitignore": true, ".gitattributes": true, ".github": true,
	".editorconfig": true, ".env.example": true, ".dockerignore": true,
	".eslintrc": true, ".prettierrc": true, ".nvmrc": true,
}

// IsExcludedDir reports whether a directory name is elided from listings
// and search.
func IsExcludedDir(name string) bool {
	return excludedDirs[name]
}

// IsListable reports whether an entry appears in tree listings: excluded
// directories never, hidden entries only when allowlisted.
func IsListable(name string, isDir bool) bool {
	if isDir && excludedDirs[name] {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return visibleHidden[name]
	}
	return true
}

// ExcludedDirs returns the elided directory names, for building subprocess
// glob exclusions.
func ExcludedDirs() []string {
	out := make([]string, 0, len(excludedDirs))
	for name := range excludedDirs {
		out = append(out, name)
	}
	return out
}

// ValidateRelativePath rejects paths that are empty, absolute, start with a
// path separator, or contain a ".." segment after normalization.
func ValidateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: path traversal in %q", ErrUnsafePath, p)
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path traversal in %q", ErrUnsafePath, p)
		}
	}
	return nil
}

// ResolveRepoPath resolves <root>/<sub> to its real path and verifies the
// result still lies under the real path of root. Used by the repo registry
// when mapping repo ids to on-disk directories.
func ResolveRepoPath(root, sub string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(filepath.Join(realRoot, sub))
	if err != nil {
		return "", fmt.Errorf("resolve %q under %q: %w", sub, root, err)
	}
	if !isUnder(real, realRoot) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, sub)
	}
	return real, nil
}

// ResolveFilePath validates rel, joins it with repoRoot, and resolves
// symlinks. Targets that do not exist yet are allowed: the parent directory
// is resolved instead and the basename re-attached, so that writes to new
// files still get symlink-escape detection.
func ResolveFilePath(repoRoot, rel string) (string, error) {
	if err := ValidateRelativePath(rel); err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(repoRoot)
	if err != nil {
		return "", fmt.Errorf("resolve repo root %q: %w", repoRoot, err)
	}
	joined := filepath.Join(realRoot, filepath.FromSlash(rel))

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve %q: %w", rel, err)
		}
		parent, perr := filepath.EvalSymlinks(filepath.Dir(joined))
		if perr != nil {
			return "", fmt.Errorf("resolve parent of %q: %w", rel, perr)
		}
		real = filepath.Join(parent, filepath.Base(joined))
	}
	if !isUnder(real, realRoot) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return real, nil
}

// IsBinaryByExtension reports whether the file extension is on the binary
// denylist. The comparison is case-insensitive.
func IsBinaryByExtension(name string) bool {
	return binaryExtensions[strings.ToLower(filepath.Ext(name))]
}

// isUnder reports whether path equals root or is a prefix-extension of it
// (root + separator). Both arguments must already be real paths.
func isUnder(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
