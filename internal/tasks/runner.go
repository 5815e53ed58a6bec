package tasks

import (
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// runTimeout bounds one task subprocess.
const runTimeout = 5 * time.Minute

// Retired runs stay queryable for this long so a client can still fetch the
// tail of a run it observed finishing.
const runRetention = 10 * time.Minute

// RunState is the lifecycle of one task run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// EventKind distinguishes stream payloads.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventStatus EventKind = "status"
)

// Event is one item on a subscriber stream.
type Event struct {
	Kind     EventKind `json:"type"`
	Data     string    `json:"data,omitempty"`
	State    RunState  `json:"state,omitempty"`
	ExitCode int       `json:"exitCode,omitempty"`
}

// run is the record for one task invocation.
type run struct {
	id    string
	task  string
	user  string
	start time.Time

	mu       sync.Mutex
	state    RunState
	exitCode int
	output   []byte
	subs     map[chan Event]struct{}
	done     time.Time
}

// RunInfo is the REST representation of a run.
type RunInfo struct {
	ID       string    `json:"runId"`
	Task     string    `json:"task"`
	User     string    `json:"user"`
	State    RunState  `json:"state"`
	Started  time.Time `json:"startedAt"`
	ExitCode int       `json:"exitCode,omitempty"`
}

// Runner starts allowlisted tasks and fans their output out to subscribers.
type Runner struct {
	tasks map[string]Task

	mu   sync.Mutex
	runs map[string]*run
}

// NewRunner creates a Runner over the given allowlist.
func NewRunner(allowlist []Task) *Runner {
	tasks := make(map[string]Task, len(allowlist))
	for _, t := range allowlist {
		tasks[t.Name] = t
	}
	return &Runner{tasks: tasks, runs: make(map[string]*run)}
}

// List returns the allowlisted tasks sorted by name.
func (r *Runner) List() []Task {
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run starts the named task in dir and returns the run id. The subprocess
// is detached from the caller's lifetime; its output streams to subscribers.
func (r *Runner) Run(name, user, dir string) (string, error) {
	task, ok := r.tasks[name]
	if !ok {
		return "", ErrUnknownTask
	}
	rn := &run{
		id:    uuid.NewString(),
		task:  task.Name,
		user:  user,
		start: time.Now(),
		state: RunRunning,
		subs:  make(map[chan Event]struct{}),
	}
	r.mu.Lock()
	r.runs[rn.id] = rn
	r.pruneLocked()
	r.mu.Unlock()

	go r.execute(rn, task, dir)
	slog.Info("task run started", "runId", rn.id, "task", task.Name, "user", user)
	return rn.id, nil
}

// Info returns the run record.
func (r *Runner) Info(runID string) (RunInfo, error) {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return RunInfo{}, ErrRunNotFound
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return RunInfo{
		ID: rn.id, Task: rn.task, User: rn.user,
		State: rn.state, Started: rn.start, ExitCode: rn.exitCode,
	}, nil
}

// Subscribe attaches to a run's stream. The first event replays all output
// so far; a terminal status event is delivered last (immediately, for runs
// already finished). The caller must call the returned cancel func.
func (r *Runner) Subscribe(runID string) (<-chan Event, func(), error) {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan Event, 256)
	rn.mu.Lock()
	if len(rn.output) > 0 {
		ch <- Event{Kind: EventOutput, Data: string(rn.output)}
	}
	if rn.state != RunRunning {
		ch <- Event{Kind: EventStatus, State: rn.state, ExitCode: rn.exitCode}
		close(ch)
		rn.mu.Unlock()
		return ch, func() {}, nil
	}
	rn.subs[ch] = struct{}{}
	rn.mu.Unlock()

	cancel := func() {
		rn.mu.Lock()
		if _, still := rn.subs[ch]; still {
			delete(rn.subs, ch)
			close(ch)
		}
		rn.mu.Unlock()
	}
	return ch, cancel, nil
}

func (r *Runner) execute(rn *run, task Task, dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", task.Command)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.finish(rn, RunFailed, -1)
		return
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		rn.append([]byte(err.Error() + "\n"))
		r.finish(rn, RunFailed, -1)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			rn.append(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	werr := cmd.Wait()

	state := RunSucceeded
	code := 0
	if werr != nil {
		state = RunFailed
		code = -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		rn.append([]byte("task timed out\n"))
		state = RunFailed
	}
	r.finish(rn, state, code)
}

// append buffers a chunk and fans it out to live subscribers. A subscriber
// with a full channel misses the chunk; the buffer replay on reconnect is
// the recovery path.
func (rn *run) append(chunk []byte) {
	data := make([]byte, len(chunk))
	copy(data, chunk)
	rn.mu.Lock()
	rn.output = append(rn.output, data...)
	ev := Event{Kind: EventOutput, Data: string(data)}
	for ch := range rn.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	rn.mu.Unlock()
}

func (r *Runner) finish(rn *run, state RunState, code int) {
	rn.mu.Lock()
	rn.state = state
	rn.exitCode = code
	rn.done = time.Now()
	ev := Event{Kind: EventStatus, State: state, ExitCode: code}
	for ch := range rn.subs {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
	rn.subs = make(map[chan Event]struct{})
	rn.mu.Unlock()
	slog.Info("task run finished", "runId", rn.id, "task", rn.task, "state", state, "exitCode", code)
}

// pruneLocked drops finished runs past retention. Caller holds r.mu.
func (r *Runner) pruneLocked() {
	cutoff := time.Now().Add(-runRetention)
	for id, rn := range r.runs {
		rn.mu.Lock()
		expired := rn.state != RunRunning && !rn.done.IsZero() && rn.done.Before(cutoff)
		rn.mu.Unlock()
		if expired {
			delete(r.runs, id)
		}
	}
}
