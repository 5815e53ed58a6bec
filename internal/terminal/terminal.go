// Package terminal wraps one PTY-backed child process using creack/pty.
// The session manager owns exactly one Terminal per session; the Terminal
// knows nothing about sessions, clients, or replay.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const (
	defaultCols = 120
	defaultRows = 30
)

// Config configures a terminal process.
type Config struct {
	// Command is the binary to launch. It is exec-replaced over the login
	// shell that spawns it, so when the command exits there is no shell
	// left behind to drop into.
	Command string
	Dir     string
	Env     []string
	Columns int
	Rows    int
}

// Terminal wraps one PTY process.
type Terminal struct {
	mu       sync.RWMutex
	cmd      *exec.Cmd
	ptmx     *os.File
	closed   bool
	closeErr error

	waitOnce sync.Once
	waitErr  error
}

// Start launches Config.Command on a fresh PTY. The command runs as
// sh -l -c 'exec <command>': the login shell exists only to pick up the
// user's environment and is replaced by the command before any input is
// processed.
func Start(cfg Config) (*Terminal, error) {
	if cfg.Command == "" {
		return nil, errors.New("terminal: no command configured")
	}
	if cfg.Columns <= 0 {
		cfg.Columns = defaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = defaultRows
	}

	// SECURITY: cfg.Command comes from server configuration, never from
	// request input.
	cmd := exec.Command("/bin/sh", "-l", "-c", "exec "+cfg.Command)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Columns),
		Rows: uint16(cfg.Rows),
	})
	if err != nil {
		return nil, fmt.Errorf("terminal: start pty: %w", err)
	}
	return &Terminal{
		cmd:  cmd,
		ptmx: ptmx,
	}, nil
}
