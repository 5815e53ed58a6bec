package git

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Git command retry settings for handling index.lock conflicts.
// Uses exponential backoff: 100ms, 200ms, 400ms, ... capped at 1600ms.
const (
	maxGitRetries        = 10
	gitRetryBaseInterval = 100 * time.Millisecond
	gitRetryMaxInterval  = 1600 * time.Millisecond
	// Maximum number of concurrent git commands.
	// Set to 4 to balance parallelism against git index.lock contention;
	// higher values increase lock conflicts on the same repository.
	maxConcurrentGitCommands = 4
	// Timeout for acquiring the git semaphore. Prevents indefinite blocking
	// when all semaphore slots are occupied by long-running git operations.
	semaphoreAcquireTimeout = 30 * time.Second
)

// gitSemaphore limits the number of concurrent git command executions.
var gitSemaphore = make(chan struct{}, maxConcurrentGitCommands)

func acquireGitSemaphore() error {
	select {
	case gitSemaphore <- struct{}{}:
		return nil
	case <-time.After(semaphoreAcquireTimeout):
		return fmt.Errorf("git semaphore acquisition timed out after %v", semaphoreAcquireTimeout)
	}
}

func releaseGitSemaphore() {
	<-gitSemaphore
}

// isLockFileConflict checks if the error indicates a git lock file conflict.
// Matches both "index.lock" and generic "Unable to create... File exists"
// messages (e.g., shallow.lock, pack-refs.lock).
func isLockFileConflict(errMsg string) bool {
	return strings.Contains(errMsg, "index.lock") ||
		(strings.Contains(errMsg, "Unable to create") && strings.Contains(errMsg, "File exists"))
}

// runGitCLI is the shared implementation for running git commands.
// Handles semaphore concurrency limiting and index.lock retry.
// SECURITY: executes only the "git" binary with application-constructed
// args that have passed validation (never raw user input, no shell).
func runGitCLI(ctx context.Context, dir string, args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("git: no command specified")
	}

	start := time.Now()
	defer func() {
		slog.Debug("git command completed",
			"dir", dir,
			"args", args,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	if err := acquireGitSemaphore(); err != nil {
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	defer releaseGitSemaphore()

	var lastErrMsg string

	for attempt := 0; attempt < maxGitRetries; attempt++ {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return stdout.Bytes(), nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("git %s: %w", args[0], ctx.Err())
		}

		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = err.Error()
		}
		lastErrMsg = errMsg

		if !isLockFileConflict(errMsg) {
			return nil, fmt.Errorf("git %s failed: %s", args[0], strings.TrimSpace(errMsg))
		}

		if attempt < maxGitRetries-1 {
			backoff := gitRetryBaseInterval << uint(attempt)
			if backoff > gitRetryMaxInterval {
				backoff = gitRetryMaxInterval
			}
			slog.Debug("git lock file conflict, retrying",
				"attempt", attempt+1, "maxRetries", maxGitRetries,
				"backoff_ms", backoff.Milliseconds(), "args", args,
				"dir", dir)
			time.Sleep(backoff)
		}
	}

	return nil, fmt.Errorf("git %s failed after %d retries (lock file conflict): %s",
		args[0], maxGitRetries, strings.TrimSpace(lastErrMsg))
}

// run executes a git command in the repository directory and returns trimmed output.
func (r *Repository) run(ctx context.Context, args ...string) (string, error) {
	output, err := runGitCLI(ctx, r.path, args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// runRaw executes a git command and returns output with only trailing newlines trimmed.
func (r *Repository) runRaw(ctx context.Context, args ...string) (string, error) {
	output, err := runGitCLI(ctx, r.path, args)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(output), "\n\r"), nil
}
