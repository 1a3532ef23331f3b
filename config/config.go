package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mrexodia/procrun/ready"
)

// DefaultFile is the task file looked up when none is given
const DefaultFile = "tasks.yaml"

// DefaultProgram runs when a task has neither cmd nor exec
const DefaultProgram = "node"

var ErrTaskNotFound = errors.New("task not found")

// Options is the resolved option bag of a task
type Options struct {
	Wait              bool              `yaml:"wait"`
	FailOnError       bool              `yaml:"failOnError"`
	Ready             ready.Spec        `yaml:"ready"`
	Quiet             bool              `yaml:"quiet"`
	Cwd               string            `yaml:"cwd"`
	Env               map[string]string `yaml:"env"`
	EnvFile           string            `yaml:"envFile"`
	PassArgs          []string          `yaml:"passArgs"`
	Iterable          bool              `yaml:"iterable"`
	Itterable         bool              `yaml:"itterable"` // historical spelling
	Global            bool              `yaml:"global"`
	ReadyBufferLength int               `yaml:"readyBufferLength"`
}

// Defaults returns the options every task starts from
func Defaults() Options {
	return Options{
		Wait:              true,
		Ready:             ready.Default(),
		ReadyBufferLength: ready.DefaultBufferLength,
	}
}

// IsIterable reports whether the task may run inside a bare "run" invocation
func (o Options) IsIterable() bool {
	return o.Iterable || o.Itterable
}

// Task describes one external command
type Task struct {
	Name     string    `yaml:"-"`
	Cmd      string    `yaml:"cmd,omitempty"`
	Args     []string  `yaml:"args,omitempty"`
	Exec     string    `yaml:"exec,omitempty"`
	Schedule string    `yaml:"schedule,omitempty"` // Cron schedule used by "procrun schedule"
	Options  yaml.Node `yaml:"options,omitempty"`
}

// IsScheduled returns true if the task has a cron schedule
func (t *Task) IsScheduled() bool {
	return t.Schedule != ""
}

// Tasks keeps tasks in file order
type Tasks []*Task

// UnmarshalYAML decodes a name -> task mapping, preserving order
func (ts *Tasks) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: tasks must be a mapping of name to task", value.Line)
	}

	seen := make(map[string]bool)
	for i := 0; i < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valueNode := value.Content[i+1]

		if seen[keyNode.Value] {
			return fmt.Errorf("line %d: duplicate task %q", keyNode.Line, keyNode.Value)
		}
		seen[keyNode.Value] = true

		task := &Task{}
		if err := valueNode.Decode(task); err != nil {
			return fmt.Errorf("task %s: %w", keyNode.Value, err)
		}
		task.Name = keyNode.Value
		*ts = append(*ts, task)
	}

	return nil
}

// DefaultFailureRetries is how many consecutive scheduled failures trigger the webhook
const DefaultFailureRetries = 3

// File represents the whole task file
type File struct {
	Registry string    `yaml:"registry,omitempty"`
	Options  yaml.Node `yaml:"options,omitempty"`
	Tasks    Tasks     `yaml:"tasks"`

	// Used by "procrun schedule" to report failing scheduled tasks
	FailureWebhookURL string `yaml:"failureWebhookUrl,omitempty"`
	FailureRetries    int    `yaml:"failureRetries,omitempty"`

	path string
}

// Load reads and parses a task file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	if f.FailureRetries <= 0 {
		f.FailureRetries = DefaultFailureRetries
	}

	f.path = path
	return &f, nil
}

// Scheduled returns the tasks that carry a cron schedule
func (f *File) Scheduled() []*Task {
	var result []*Task
	for _, t := range f.Tasks {
		if t.IsScheduled() {
			result = append(result, t)
		}
	}
	return result
}

// Path returns the file the tasks were loaded from
func (f *File) Path() string {
	return f.path
}

// RegistryPath returns the location of the persisted process registry.
// Relative paths are taken from the task file's directory.
func (f *File) RegistryPath() string {
	p := f.Registry
	if p == "" {
		p = filepath.Join(".procrun", "registry.yaml")
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(f.path), p)
}

// Task returns a task by name
func (f *File) Task(name string) (*Task, error) {
	for _, t := range f.Tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// Resolve layers the built-in defaults, the file-wide options and the task's
// own options, later layers overriding earlier ones key by key.
func (f *File) Resolve(t *Task) (Options, error) {
	opts := Defaults()

	if !isEmpty(&f.Options) {
		if err := f.Options.Decode(&opts); err != nil {
			return Options{}, fmt.Errorf("failed to decode options: %w", err)
		}
	}
	if !isEmpty(&t.Options) {
		if err := t.Options.Decode(&opts); err != nil {
			return Options{}, fmt.Errorf("failed to decode options of %s: %w", t.Name, err)
		}
	}

	if opts.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Options{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		opts.Cwd = cwd
	}
	if opts.ReadyBufferLength <= 0 {
		opts.ReadyBufferLength = ready.DefaultBufferLength
	}

	return opts, nil
}

func isEmpty(n *yaml.Node) bool {
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}
