package taskconfig

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the on-disk layout of a tasks file:
//
//	defaults:
//	  death_mode: KEEP_ALIVE
//	  keep_alive_interval: 30s
//	tasks:
//	  - application: billing
//	    name: export
//	    concurrency_limit: 2
type document struct {
	Defaults yaml.Node   `yaml:"defaults"`
	Tasks    []yaml.Node `yaml:"tasks"`
}

// File is a Provider backed by a YAML document. Each task entry is overlaid
// on the document's defaults, which are overlaid on Default().
type File struct {
	defaults TaskConfig
	tasks    map[string]TaskConfig
}

var _ Provider = (*File)(nil)

// LoadFile reads and parses the tasks file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a File from YAML bytes.
func Parse(data []byte) (*File, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task config: %w", err)
	}

	defaults := Default()
	if !doc.Defaults.IsZero() {
		if err := doc.Defaults.Decode(&defaults); err != nil {
			return nil, fmt.Errorf("parse task config defaults: %w", err)
		}
	}

	f := &File{defaults: defaults, tasks: make(map[string]TaskConfig, len(doc.Tasks))}
	for i := range doc.Tasks {
		cfg := defaults
		if err := doc.Tasks[i].Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse task config entry %d: %w", i, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		key := cfg.Task()
		if _, dup := f.tasks[key]; dup {
			return nil, fmt.Errorf("parse task config: duplicate task %s", key)
		}
		f.tasks[key] = cfg
	}
	return f, nil
}

// Get returns the task's entry, or the defaults for a task the file does not list.
func (f *File) Get(_ context.Context, application, name string) (TaskConfig, error) {
	if cfg, ok := f.tasks[application+"/"+name]; ok {
		return cfg, nil
	}
	cfg := f.defaults
	cfg.Application, cfg.Name = application, name
	if err := cfg.Validate(); err != nil {
		return TaskConfig{}, err
	}
	return cfg, nil
}

// Tasks returns every configured task.
func (f *File) Tasks() []TaskConfig {
	out := make([]TaskConfig, 0, len(f.tasks))
	for _, cfg := range f.tasks {
		out = append(out, cfg)
	}
	return out
}
