package scheduler

import (
	"bytes"
	"fmt"
	"os"

	"github.com/mitchellh/hashstructure/v2"
	"gopkg.in/yaml.v3"
)

// taskFile is the on-disk shape of a task list. Both a bare list and a
// document with a top-level "tasks" key are accepted.
type taskFile struct {
	Spec  string  `yaml:"spec"`
	Tasks []*Task `yaml:"tasks"`
}

// TaskList is a parsed task list file.
type TaskList struct {
	Spec  string
	Tasks []*Task
}

// LoadTaskFile reads a YAML or JSON task list. JSON is parsed by the YAML
// decoder since it is a subset.
func LoadTaskFile(path string) (*TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task list %s: %w", path, err)
	}
	list, err := ParseTaskList(data)
	if err != nil {
		return nil, fmt.Errorf("parsing task list %s: %w", path, err)
	}
	return list, nil
}

// ParseTaskList decodes task list bytes.
func ParseTaskList(data []byte) (*TaskList, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("task list is empty")
	}

	var list TaskList
	if trimmed[0] == '[' || trimmed[0] == '-' {
		if err := yaml.Unmarshal(trimmed, &list.Tasks); err != nil {
			return nil, err
		}
	} else {
		var doc taskFile
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		list.Spec = doc.Spec
		list.Tasks = doc.Tasks
	}

	for i, task := range list.Tasks {
		if task == nil || task.ID == "" {
			return nil, fmt.Errorf("task at index %d has no id", i)
		}
	}
	return &list, nil
}

// BuildGraph adds tasks in order and validates the result. Structural
// problems (cycles, missing dependencies, duplicate IDs) are returned.
func BuildGraph(tasks []*Task, maxBlockers int) (*Graph, error) {
	g := NewGraph(maxBlockers)
	for _, task := range tasks {
		if err := g.AddTask(task); err != nil {
			return nil, err
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// definition is the part of a task that identifies the work, excluding
// runtime progress.
type definition struct {
	ID          string
	Title       string
	Description string
	Priority    int
	DependsOn   []string `hash:"set"`
}

// Fingerprint hashes task definitions in order. Progress fields (status,
// blocker count, skip reason) do not affect the result, so a persisted
// graph and the task list it came from share a fingerprint.
func Fingerprint(tasks []*Task) (string, error) {
	defs := make([]definition, 0, len(tasks))
	for _, task := range tasks {
		defs = append(defs, definition{
			ID:          task.ID,
			Title:       task.Title,
			Description: task.Description,
			Priority:    task.Priority,
			DependsOn:   task.DependsOn,
		})
	}
	sum, err := hashstructure.Hash(defs, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing task list: %w", err)
	}
	return fmt.Sprintf("%016x", sum), nil
}
