// Package pipeline turns high-level tasks into chains of jobs. A task is not
// a stored entity: it is a generated id threaded through the payload of every
// job the chain produces, and its current step is derived by matching
// completed job types against the task's definition.
package pipeline

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

var ErrUnknownTaskType = errors.New("unknown task type")

// Task types shipped in the default registry.
const (
	TaskTypeUploadPostprocess     = "upload_postprocess"
	TaskTypeRegenerateDerivatives = "regenerate_derivatives"
	TaskTypeProjectReindex        = "project_reindex"
)

type FailurePolicy string

const (
	// FailureHalt stops the chain on a failed job; resuming requires manual
	// intervention.
	FailureHalt FailurePolicy = "halt"
	// FailureRetry requeues the failed job until MaxAttempts is exhausted,
	// then halts.
	FailureRetry FailurePolicy = "retry"
)

const DefaultMaxAttempts = 3

// SkipRule causes a step to be skipped when the running payload carries the
// boolean Flag equal to Equals. A payload without the flag never matches.
type SkipRule struct {
	Flag   string
	Equals bool
}

func (r SkipRule) Matches(payload map[string]any) bool {
	value, ok := payload[r.Flag]
	if !ok {
		return false
	}
	flag, ok := value.(bool)
	if !ok {
		return false
	}
	return flag == r.Equals
}

type Step struct {
	JobType     string
	Priority    int
	Scope       string // overrides the definition scope when set
	SkipIf      *SkipRule
	OnFailure   FailurePolicy
	MaxAttempts int
}

type TaskDefinition struct {
	Type  string
	Scope string
	Steps []Step
}

// ScopeFor resolves the effective scope of a step.
func (d TaskDefinition) ScopeFor(step Step) string {
	if step.Scope != "" {
		return step.Scope
	}
	return d.Scope
}

// Registry holds the immutable task definitions. It is constructed once at
// process start and passed to the starter and advancer explicitly.
type Registry struct {
	defs map[string]TaskDefinition
}

func NewRegistry(defs ...TaskDefinition) (*Registry, error) {
	registry := &Registry{defs: make(map[string]TaskDefinition, len(defs))}
	for _, def := range defs {
		if err := validateDefinition(def); err != nil {
			return nil, err
		}
		if _, ok := registry.defs[def.Type]; ok {
			return nil, fmt.Errorf("duplicate task definition %q", def.Type)
		}
		registry.defs[def.Type] = def
	}
	return registry, nil
}

func validateDefinition(def TaskDefinition) error {
	if def.Type == "" {
		return errors.New("task definition with empty type")
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step.JobType == "" {
			return fmt.Errorf("task %q: step %d has no job type", def.Type, i)
		}
		if _, ok := seen[step.JobType]; ok {
			return fmt.Errorf("task %q: duplicate step job type %q", def.Type, step.JobType)
		}
		seen[step.JobType] = struct{}{}

		if def.ScopeFor(step) == "" {
			return fmt.Errorf("task %q: step %q resolves to no scope", def.Type, step.JobType)
		}
		if step.SkipIf != nil {
			if step.SkipIf.Flag == "" {
				return fmt.Errorf("task %q: step %q has a skip rule with no flag", def.Type, step.JobType)
			}
			if i == 0 {
				return fmt.Errorf("task %q: first step %q cannot have a skip rule", def.Type, step.JobType)
			}
		}
		switch step.OnFailure {
		case "", FailureHalt, FailureRetry:
		default:
			return fmt.Errorf("task %q: step %q has unknown failure policy %q", def.Type, step.JobType, step.OnFailure)
		}
	}
	return nil
}

func (r *Registry) Get(taskType string) (TaskDefinition, error) {
	def, ok := r.defs[taskType]
	if !ok {
		return TaskDefinition{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return def, nil
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.defs))
	for taskType := range r.defs {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}

type yamlSkipRule struct {
	Flag   string `yaml:"flag"`
	Equals *bool  `yaml:"equals"` // defaults to true: skip when the flag is set
}

type yamlStep struct {
	Type        string        `yaml:"type"`
	Priority    int           `yaml:"priority"`
	Scope       string        `yaml:"scope"`
	SkipIf      *yamlSkipRule `yaml:"skip_if"`
	OnFailure   string        `yaml:"on_failure"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type yamlDefinition struct {
	Scope string     `yaml:"scope"`
	Steps []yamlStep `yaml:"steps"`
}

type yamlRegistry struct {
	Tasks map[string]yamlDefinition `yaml:"tasks"`
}

//go:embed tasks.yaml
var defaultTasksYAML []byte

// DefaultRegistry loads the task definitions shipped with the binary.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(defaultTasksYAML)
}

// LoadRegistryFile loads task definitions from a config file, replacing the
// embedded defaults entirely.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading task definitions %s: %w", path, err)
	}
	return LoadRegistry(data)
}

// LoadRegistry parses YAML task definitions. Configured definitions must
// carry at least one step; definitions that exist purely as metadata can only
// be constructed in code via NewRegistry.
func LoadRegistry(data []byte) (*Registry, error) {
	var parsed yamlRegistry
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("error parsing task definitions: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, errors.New("task definitions contain no tasks")
	}

	defs := make([]TaskDefinition, 0, len(parsed.Tasks))
	for taskType, raw := range parsed.Tasks {
		if len(raw.Steps) == 0 {
			return nil, fmt.Errorf("task %q: empty steps list", taskType)
		}

		def := TaskDefinition{Type: taskType, Scope: raw.Scope}
		for _, rawStep := range raw.Steps {
			step := Step{
				JobType:     rawStep.Type,
				Priority:    rawStep.Priority,
				Scope:       rawStep.Scope,
				OnFailure:   FailurePolicy(rawStep.OnFailure),
				MaxAttempts: rawStep.MaxAttempts,
			}
			if rawStep.SkipIf != nil {
				equals := true
				if rawStep.SkipIf.Equals != nil {
					equals = *rawStep.SkipIf.Equals
				}
				step.SkipIf = &SkipRule{Flag: rawStep.SkipIf.Flag, Equals: equals}
			}
			def.Steps = append(def.Steps, step)
		}
		defs = append(defs, def)
	}

	return NewRegistry(defs...)
}
