package schema

import "encoding/json"

// SupportedVersion is the workflow schema version this engine interprets.
const SupportedVersion = "1"

// WorkflowDefinition is the declarative workflow format. Definitions are
// parsed once, validated statically, and treated as immutable for the run.
type WorkflowDefinition struct {
	Version     string                      `json:"version" yaml:"version"`
	Name        string                      `json:"name" yaml:"name"`
	Description string                      `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      map[string]InputDeclaration `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps       []StepRecord                `json:"steps" yaml:"steps"`
}

// InputDeclaration describes one declared workflow input.
// Default must be absent when Required is true.
type InputDeclaration struct {
	Type     InputType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any       `json:"default,omitempty" yaml:"default,omitempty"`
}

// InputType enumerates the declared types of workflow inputs.
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputBoolean InputType = "boolean"
	InputList    InputType = "list"
	InputObject  InputType = "object"
)

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction      StepType = "action"
	StepTypeCapability  StepType = "capability"
	StepTypeGenerate    StepType = "generate"
	StepTypeValidate    StepType = "validate"
	StepTypeBranch      StepType = "branch"
	StepTypeLoop        StepType = "loop"
	StepTypeParallel    StepType = "parallel"
	StepTypeSubWorkflow StepType = "subworkflow"
	StepTypeCheckpoint  StepType = "checkpoint"
)

// StepTypes lists every member of the closed step union, in dispatch order.
var StepTypes = []StepType{
	StepTypeAction, StepTypeCapability, StepTypeGenerate, StepTypeValidate,
	StepTypeBranch, StepTypeLoop, StepTypeParallel, StepTypeSubWorkflow,
	StepTypeCheckpoint,
}

// StepRecord is one declared unit of work. The union is closed: Type selects
// exactly one of the per-type config blocks, and validation rejects records
// carrying a block that does not match their type.
type StepRecord struct {
	Name string   `json:"name" yaml:"name"`
	Type StepType `json:"type" yaml:"type"`

	// When is an optional guard expression evaluated before dispatch.
	// A false guard records the step as skipped.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Rollback is an optional compensation run on cancellation, in reverse
	// completion order.
	Rollback *RollbackSpec `json:"rollback,omitempty" yaml:"rollback,omitempty"`

	Action      *ActionConfig      `json:"action,omitempty" yaml:"action,omitempty"`
	Capability  *CapabilityConfig  `json:"capability,omitempty" yaml:"capability,omitempty"`
	Generate    *GenerateConfig    `json:"generate,omitempty" yaml:"generate,omitempty"`
	Validate    *ValidateConfig    `json:"validate,omitempty" yaml:"validate,omitempty"`
	Branch      *BranchConfig      `json:"branch,omitempty" yaml:"branch,omitempty"`
	Loop        *LoopConfig        `json:"loop,omitempty" yaml:"loop,omitempty"`
	Parallel    *ParallelConfig    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"subworkflow,omitempty" yaml:"subworkflow,omitempty"`
	Checkpoint  *CheckpointConfig  `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
}

// RollbackSpec names a registered action to run as compensation.
type RollbackSpec struct {
	Action string         `json:"action" yaml:"action"`
	With   map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
}

// ActionConfig invokes a registered action with interpolated arguments.
type ActionConfig struct {
	Name string         `json:"name" yaml:"name"`
	With map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
}

// CapabilityConfig invokes a registered agent through the StepExecutor
// boundary. Context names a registered context builder; OutputSchema, when
// present, is a JSON Schema the executor validates the final output against.
type CapabilityConfig struct {
	Agent        string          `json:"agent" yaml:"agent"`
	Context      string          `json:"context,omitempty" yaml:"context,omitempty"`
	Prompt       string          `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
}

// GenerateConfig invokes a registered generator: a single-shot, tool-less
// text production call with no retries and no streaming.
type GenerateConfig struct {
	Generator string         `json:"generator" yaml:"generator"`
	Context   map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// ValidateConfig runs registered validation stages in order, invoking the
// fixer agent between attempts when a stage fails. Retry bounds the number
// of fix attempts.
type ValidateConfig struct {
	Stages []string `json:"stages" yaml:"stages"`
	Retry  int      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Fixer  string   `json:"fixer,omitempty" yaml:"fixer,omitempty"`
}

// BranchConfig evaluates Condition and executes exactly one arm. The
// untaken arm's steps are recorded as skipped, not omitted.
type BranchConfig struct {
	Condition string       `json:"condition" yaml:"condition"`
	Then      []StepRecord `json:"then" yaml:"then"`
	Else      []StepRecord `json:"else,omitempty" yaml:"else,omitempty"`
}

// LoopConfig iterates the body over an expression-produced iterable or a
// fixed count. Break, when present, is checked after each iteration.
type LoopConfig struct {
	Over          string       `json:"over,omitempty" yaml:"over,omitempty"`
	Count         int          `json:"count,omitempty" yaml:"count,omitempty"`
	Body          []StepRecord `json:"body" yaml:"body"`
	Break         string       `json:"break,omitempty" yaml:"break,omitempty"`
	MaxIterations int          `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// ParallelFailurePolicy selects how a Parallel step reacts to a branch
// failure.
type ParallelFailurePolicy string

const (
	// FailureWaitAll lets every branch settle before the step fails,
	// preserving partial results from successful siblings.
	FailureWaitAll ParallelFailurePolicy = "wait_all"
	// FailureCancelSiblings cancels remaining branches on first failure.
	FailureCancelSiblings ParallelFailurePolicy = "cancel_siblings"
)

// ParallelConfig fans out named branches concurrently.
type ParallelConfig struct {
	Branches  []ParallelBranch      `json:"branches" yaml:"branches"`
	OnFailure ParallelFailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// ParallelBranch is one independent sub-step list within a Parallel step.
type ParallelBranch struct {
	Name  string       `json:"name" yaml:"name"`
	Steps []StepRecord `json:"steps" yaml:"steps"`
}

// SubWorkflowConfig runs a registered workflow in a nested interpreter.
// Inputs maps the child's input names to interpolated values.
type SubWorkflowConfig struct {
	Workflow string         `json:"workflow" yaml:"workflow"`
	Inputs   map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// CheckpointConfig captures a context snapshot. ID overrides the generated
// checkpoint identifier.
type CheckpointConfig struct {
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
}

// SubSteps returns the nested step lists declared by flow-control records,
// keyed by arm/branch label. Non-flow records return nil.
func (s *StepRecord) SubSteps() map[string][]StepRecord {
	switch s.Type {
	case StepTypeBranch:
		if s.Branch == nil {
			return nil
		}
		sub := map[string][]StepRecord{"then": s.Branch.Then}
		if len(s.Branch.Else) > 0 {
			sub["else"] = s.Branch.Else
		}
		return sub
	case StepTypeLoop:
		if s.Loop == nil {
			return nil
		}
		return map[string][]StepRecord{"body": s.Loop.Body}
	case StepTypeParallel:
		if s.Parallel == nil {
			return nil
		}
		sub := make(map[string][]StepRecord, len(s.Parallel.Branches))
		for _, b := range s.Parallel.Branches {
			sub[b.Name] = b.Steps
		}
		return sub
	default:
		return nil
	}
}
