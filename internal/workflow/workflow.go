// Package workflow holds the task graphs jobs are expanded into. A job names
// a workflow; the builder instantiates one task per template.
package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// TaskTemplate describes one task of a workflow
type TaskTemplate struct {
	Key         string         `yaml:"key"`
	Service     string         `yaml:"service"`
	DependsOn   []string       `yaml:"depends_on"`
	MaxAttempts int            `yaml:"max_attempts"`
	Params      map[string]any `yaml:"params"`
}

// Definition is a named task graph
type Definition struct {
	Name  string         `yaml:"name"`
	Tasks []TaskTemplate `yaml:"tasks"`
}

// TaskSpec is a template resolved against a concrete job
type TaskSpec struct {
	Key         string
	Service     string
	Seq         int
	DependsOn   []string
	MaxAttempts int
	Params      map[string]any
}

// Registry resolves workflow names to definitions. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	defs map[string]*Definition
}

type document struct {
	Workflows []Definition `yaml:"workflows"`
}

// Load reads workflow definitions from a YAML file
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return Parse(data)
}

// Parse decodes workflow definitions from YAML
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}
	return NewRegistry(doc.Workflows...)
}

// NewRegistry validates and indexes the given definitions
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for i := range defs {
		def := defs[i]
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.defs[def.Name]; exists {
			return nil, fmt.Errorf("duplicate workflow %q", def.Name)
		}
		r.defs[def.Name] = &def
	}
	return r, nil
}

// Lookup returns the named definition
func (r *Registry) Lookup(name string) (*Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownWorkflow, name)
	}
	return def, nil
}

// Names returns the registered workflow names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expand resolves the named workflow for a job. Job params are overlaid on
// each template's params.
func (r *Registry) Expand(name string, jobParams map[string]any) ([]TaskSpec, error) {
	def, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	specs := make([]TaskSpec, len(def.Tasks))
	for i, tmpl := range def.Tasks {
		params := make(map[string]any, len(tmpl.Params)+len(jobParams))
		for k, v := range tmpl.Params {
			params[k] = v
		}
		for k, v := range jobParams {
			params[k] = v
		}

		maxAttempts := tmpl.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}

		specs[i] = TaskSpec{
			Key:         tmpl.Key,
			Service:     tmpl.Service,
			Seq:         i,
			DependsOn:   append([]string(nil), tmpl.DependsOn...),
			MaxAttempts: maxAttempts,
			Params:      params,
		}
	}
	return specs, nil
}

// Validate checks the definition is a non-empty acyclic graph of uniquely
// keyed tasks
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("workflow %q has no tasks", d.Name)
	}

	deps := make(map[string][]string, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.Key == "" {
			return fmt.Errorf("workflow %q: task key is required", d.Name)
		}
		if t.Service == "" {
			return fmt.Errorf("workflow %q: task %q: service is required", d.Name, t.Key)
		}
		if _, dup := deps[t.Key]; dup {
			return fmt.Errorf("workflow %q: duplicate task key %q", d.Name, t.Key)
		}
		deps[t.Key] = t.DependsOn
	}

	for key, upstream := range deps {
		for _, u := range upstream {
			if u == key {
				return fmt.Errorf("workflow %q: task %q depends on itself", d.Name, key)
			}
			if _, ok := deps[u]; !ok {
				return fmt.Errorf("workflow %q: task %q depends on unknown task %q", d.Name, key, u)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(deps))
	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case visiting:
			return fmt.Errorf("workflow %q: dependency cycle through task %q", d.Name, key)
		case visited:
			return nil
		}
		state[key] = visiting
		for _, u := range deps[key] {
			if err := visit(u); err != nil {
				return err
			}
		}
		state[key] = visited
		return nil
	}
	for _, t := range d.Tasks {
		if err := visit(t.Key); err != nil {
			return err
		}
	}
	return nil
}
