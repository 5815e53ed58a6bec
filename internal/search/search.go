// Package search runs ripgrep over a repository and parses its JSON-lines
// output. The indexer is an external subprocess by design: it already knows
// how to skip binaries, honor size limits, and do smart-case matching.
package search

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"time"

	"logpose/internal/pathsafe"
)

const (
	// maxMatches caps the result set returned to the client.
	maxMatches = 200
	// maxPerFile caps matches within one file so a single noisy file cannot
	// crowd out the rest of the repo.
	maxPerFile = 10
	// maxFileSize skips files the indexer should not bother with.
	maxFileSize = "1M"
	// defaultTimeout bounds one search subprocess.
	defaultTimeout = 30 * time.Second
)

// ErrUnavailable is returned when the indexer binary is not installed.
var ErrUnavailable = errors.New("search indexer not available")

// Match is one result line.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Searcher invokes the indexer binary.
type Searcher struct {
	binary  string
	timeout time.Duration
}

// New creates a Searcher using ripgrep from PATH.
func New() *Searcher {
	return &Searcher{binary: "rg", timeout: defaultTimeout}
}

// Search runs the query under dir, optionally narrowed to the given
// repo-relative paths (already validated by the caller). Smart-case: an
// all-lowercase query matches case-insensitively.
func (s *Searcher) Search(ctx context.Context, dir, query string, paths []string) ([]Match, error) {
	if query == "" {
		return nil, nil
	}
	if _, err := exec.LookPath(s.binary); err != nil {
		return nil, fmt.Errorf("%w: %s not in PATH", ErrUnavailable, s.binary)
	}

	args := []string{
		"--json",
		"--max-count", fmt.Sprint(maxPerFile),
		"--max-filesize", maxFileSize,
		"--follow",
		"--smart-case",
	}
	excluded := pathsafe.ExcludedDirs()
	sort.Strings(excluded)
	for _, name := range excluded {
		args = append(args, "--glob", "!**/"+name+"/**")
	}
	args = append(args, "--", query)
	args = append(args, paths...)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("search pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.binary, err)
	}

	matches, parseErr := parseMatches(stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		// Partial results from a timed-out search are still useful.
		slog.Warn("search timed out", "dir", dir, "matches", len(matches))
		return matches, nil
	}
	if parseErr != nil {
		return nil, parseErr
	}
	// Exit code 1 means no matches; anything else is a real failure.
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() > 1 {
		return nil, fmt.Errorf("%s failed: %s", s.binary, firstLine(exitErr.Stderr))
	}
	return matches, nil
}

// rgLine is the subset of ripgrep's JSON event stream the server consumes.
type rgLine struct {
	Type string `json:"type"`
	Data struct {
		Path struct {
			Text string `json:"text"`
		} `json:"path"`
		LineNumber int `json:"line_number"`
		Lines      struct {
			Text string `json:"text"`
		} `json:"lines"`
	} `json:"data"`
}

func parseMatches(r io.Reader) ([]Match, error) {
	var out []Match
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var line rgLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if line.Type != "match" {
			continue
		}
		out = append(out, Match{
			Path: line.Data.Path.Text,
			Line: line.Data.LineNumber,
			Text: trimNewline(line.Data.Lines.Text),
		})
		if len(out) >= maxMatches {
			// Drain the rest so the subprocess is not blocked on a full pipe
			// before Wait.
			for sc.Scan() {
			}
			break
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read search output: %w", err)
	}
	return out, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
