package registry

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Registry is the concrete thread-safe component registry. One instance is
// shared by the validator, the interpreter and the control surfaces.
type Registry struct {
	mu        sync.RWMutex
	actions   map[string]Action
	agents    map[string]*AgentSpec
	gens      map[string]*GeneratorSpec
	builders  map[string]ContextBuilder
	stages    map[string]ValidationStage
	workflows map[string]*schema.WorkflowDefinition
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		actions:   make(map[string]Action),
		agents:    make(map[string]*AgentSpec),
		gens:      make(map[string]*GeneratorSpec),
		builders:  make(map[string]ContextBuilder),
		stages:    make(map[string]ValidationStage),
		workflows: make(map[string]*schema.WorkflowDefinition),
	}
}

// RegisterAction adds an action. Returns CONFLICT on duplicate name.
func (r *Registry) RegisterAction(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Action retrieves an action by name.
func (r *Registry) Action(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference, "action %q not registered", name)
	}
	return a, nil
}

// RegisterAgent adds an agent spec. Returns CONFLICT on duplicate name.
func (r *Registry) RegisterAgent(spec *AgentSpec) error {
	if spec == nil || spec.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent spec is nil or unnamed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[spec.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", spec.Name)
	}
	r.agents[spec.Name] = spec
	return nil
}

// Agent retrieves an agent spec by name.
func (r *Registry) Agent(name string) (*AgentSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference, "agent %q not registered", name)
	}
	return a, nil
}

// RegisterGenerator adds a generator spec. Returns CONFLICT on duplicate name.
func (r *Registry) RegisterGenerator(spec *GeneratorSpec) error {
	if spec == nil || spec.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "generator spec is nil or unnamed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gens[spec.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "generator %q already registered", spec.Name)
	}
	r.gens[spec.Name] = spec
	return nil
}

// Generator retrieves a generator spec by name.
func (r *Registry) Generator(name string) (*GeneratorSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gens[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference, "generator %q not registered", name)
	}
	return g, nil
}

// RegisterContextBuilder adds a context builder. Returns CONFLICT on
// duplicate name.
func (r *Registry) RegisterContextBuilder(b ContextBuilder) error {
	if b == nil || b.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "context builder is nil or unnamed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[b.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "context builder %q already registered", b.Name())
	}
	r.builders[b.Name()] = b
	return nil
}

// ContextBuilder retrieves a context builder by name.
func (r *Registry) ContextBuilder(name string) (ContextBuilder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.builders[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference, "context builder %q not registered", name)
	}
	return b, nil
}

// RegisterStage adds a validation stage. Returns CONFLICT on duplicate name.
func (r *Registry) RegisterStage(s ValidationStage) error {
	if s == nil || s.Name() == "" {
		return schema.NewError(schema.ErrCodeValidation, "validation stage is nil or unnamed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[s.Name()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "validation stage %q already registered", s.Name())
	}
	r.stages[s.Name()] = s
	return nil
}

// Stage retrieves a validation stage by name.
func (r *Registry) Stage(name string) (ValidationStage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference, "validation stage %q not registered", name)
	}
	return s, nil
}

// RegisterWorkflow adds a workflow definition for subworkflow and scheduler
// lookup. Returns CONFLICT on duplicate name.
func (r *Registry) RegisterWorkflow(def *schema.WorkflowDefinition) error {
	if def == nil || def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil or unnamed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", def.Name)
	}
	r.workflows[def.Name] = def
	return nil
}

// Workflow retrieves a registered workflow definition by name.
func (r *Registry) Workflow(name string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.workflows[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference, "workflow %q not registered", name)
	}
	return def, nil
}

// HasAction reports whether an action is registered.
func (r *Registry) HasAction(name string) bool { return r.hasKey(func() bool { _, ok := r.actions[name]; return ok }) }

// HasAgent reports whether an agent is registered.
func (r *Registry) HasAgent(name string) bool { return r.hasKey(func() bool { _, ok := r.agents[name]; return ok }) }

// HasGenerator reports whether a generator is registered.
func (r *Registry) HasGenerator(name string) bool {
	return r.hasKey(func() bool { _, ok := r.gens[name]; return ok })
}

// HasContextBuilder reports whether a context builder is registered.
func (r *Registry) HasContextBuilder(name string) bool {
	return r.hasKey(func() bool { _, ok := r.builders[name]; return ok })
}

// HasStage reports whether a validation stage is registered.
func (r *Registry) HasStage(name string) bool {
	return r.hasKey(func() bool { _, ok := r.stages[name]; return ok })
}

// HasWorkflow reports whether a workflow is registered.
func (r *Registry) HasWorkflow(name string) bool {
	return r.hasKey(func() bool { _, ok := r.workflows[name]; return ok })
}

func (r *Registry) hasKey(probe func() bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return probe()
}

// ListActions returns info for all registered actions, sorted by name.
func (r *Registry) ListActions() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{Name: a.Name(), Description: s.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ListWorkflows returns the names of all registered workflows, sorted.
func (r *Registry) ListWorkflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
