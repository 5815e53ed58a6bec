package terminal

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/creack/pty"
)

// ErrClosed is returned for operations on a terminal after Close.
var ErrClosed = errors.New("terminal closed")

// PID returns the process id, or 0 if the process never started.
func (t *Terminal) PID() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// IsClosed reports whether Close has been called.
func (t *Terminal) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Write writes input bytes to the PTY master.
func (t *Terminal) Write(data []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, ErrClosed
	}
	n, err := t.ptmx.Write(data)
	if err != nil {
		slog.Warn("terminal write failed", "error", err, "dataLen", len(data))
	}
	return n, err
}

// Resize updates the PTY window size.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("terminal: invalid size")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// ReadLoop continuously reads PTY output until the process exits or the
// terminal is closed, invoking onData for every chunk. onData must consume
// the bytes during the call because the backing buffer is reused on the
// next read. ReadLoop returns when the read side is drained.
func (t *Terminal) ReadLoop(onData func([]byte)) {
	if onData == nil {
		return
	}
	t.mu.RLock()
	file := t.ptmx
	t.mu.RUnlock()

	buf := make([]byte, 32*1024)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			// EIO from the master side is the normal end-of-stream signal
			// when the child exits.
			if !errors.Is(err, io.EOF) {
				slog.Debug("terminal read loop ended", "error", err)
			}
			return
		}
	}
}

// Wait reaps the child process and returns its exit code. Safe to call more
// than once; callers typically invoke it after ReadLoop returns.
func (t *Terminal) Wait() int {
	t.waitOnce.Do(func() {
		t.mu.RLock()
		cmd := t.cmd
		t.mu.RUnlock()
		if cmd != nil {
			t.waitErr = cmd.Wait()
		}
	})
	if t.waitErr == nil {
		return 0
	}
	t.mu.RLock()
	cmd := t.cmd
	t.mu.RUnlock()
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// Close closes the PTY and kills the child process. Idempotent.
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.closeErr
	}
	t.closed = true

	var firstErr error
	if t.cmd != nil && t.cmd.Process != nil {
		if killErr := t.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			slog.Debug("terminal process kill during close failed", "error", killErr)
		}
	}
	if t.ptmx != nil {
		if err := t.ptmx.Close(); err != nil {
			firstErr = err
		}
	}
	t.closeErr = firstErr
	return firstErr
}
