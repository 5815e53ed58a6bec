// Package tasks runs whitelisted ad-hoc commands (linters, test suites,
// codegen) on behalf of users. The allowlist lives in tasks.yaml; nothing
// outside it can be executed. Run output is buffered and streamed to
// read-only WebSocket subscribers.
package tasks

import (
	"errors"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

var (
	ErrUnknownTask = errors.New("task not in allowlist")
	ErrRunNotFound = errors.New("run not found")
)

// Task is one allowlisted command.
type Task struct {
	// Name is the handle clients use to start the task.
	Name string `yaml:"name" json:"name"`
	// Command is passed to sh -c inside the repo directory.
	Command string `yaml:"command" json:"-"`
	// Description is shown in task listings.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type allowlistFile struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadAllowlist parses tasks.yaml. A missing file yields an empty allowlist,
// not an error: tasks are an optional surface.
func LoadAllowlist(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file allowlistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	seen := map[string]bool{}
	for _, task := range file.Tasks {
		if task.Name == "" || task.Command == "" {
			return nil, fmt.Errorf("task allowlist entry missing name or command")
		}
		if seen[task.Name] {
			return nil, fmt.Errorf("duplicate task name %q", task.Name)
		}
		seen[task.Name] = true
	}
	return file.Tasks, nil
}
