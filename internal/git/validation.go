package git

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidBranchName is returned for branch names that fail validation.
var ErrInvalidBranchName = errors.New("invalid branch name")

// commitHashRegex validates commit hashes before they are passed to git
// log/diff. Only abbreviated-to-full hex object names are accepted.
var commitHashRegex = regexp.MustCompile(`^[a-f0-9]{7,40}$`)

// forbiddenBranchRunes are characters git refuses in ref names, plus
// backslash. Whitespace is checked separately.
const forbiddenBranchRunes = "~^:*[]?\\"

// IsValidBranchName reports whether name is acceptable as a branch name.
// Slashes are allowed so user-namespaced branches work; each "/"-delimited
// segment must be non-empty and must neither start nor end with a dot.
func IsValidBranchName(name string) bool {
	if name == "" || name == "@" {
		return false
	}
	if strings.HasPrefix(name, "-") {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return false
	}
	if strings.ContainsAny(name, forbiddenBranchRunes) {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || strings.HasPrefix(seg, ".") || strings.HasSuffix(seg, ".") {
			return false
		}
	}
	return true
}

// ValidateBranchName validates that a branch name is safe to pass to git.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidBranchName)
	}
	if !IsValidBranchName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	return nil
}

// ValidateCommitHash validates a commit hash used in log/diff arguments.
func ValidateCommitHash(hash string) error {
	if !commitHashRegex.MatchString(hash) {
		return fmt.Errorf("invalid commit hash %q", hash)
	}
	return nil
}
