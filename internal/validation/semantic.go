package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// validateSemantic performs static analysis on a structurally valid
// definition: input declarations, name uniqueness, per-type config
// coherence, registry references and ${{ }} reference ordering.
func validateSemantic(def *schema.WorkflowDefinition, lookup Lookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateInputDecls(def, result)

	seen := make(map[string]bool)
	collectNames(def.Steps, "steps", seen, result)

	sv := &semanticVisitor{
		def:    def,
		lookup: lookup,
		result: result,
	}
	sv.visitSteps(def.Steps, "steps", make(map[string]bool), false, false)

	return result
}

// validateInputDecls checks declared inputs: a required input cannot carry a
// default, and defaults must match the declared type.
func validateInputDecls(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	for name, decl := range def.Inputs {
		path := fmt.Sprintf("inputs.%s", name)

		if decl.Required && decl.Default != nil {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("input %q is required and cannot declare a default", name))
		}
		if decl.Default != nil {
			if err := checkInputType(decl.Type, decl.Default); err != nil {
				result.AddError(path+".default", schema.ErrCodeValidation,
					fmt.Sprintf("default for input %q: %s", name, err.Error()))
			}
		}
	}
}

// checkInputType verifies a value against a declared input type.
func checkInputType(t schema.InputType, v any) error {
	switch t {
	case schema.InputString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case schema.InputNumber:
		switch v.(type) {
		case float64, int, int64, json.Number:
		default:
			return fmt.Errorf("expected number, got %T", v)
		}
	case schema.InputBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case schema.InputList:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("expected list, got %T", v)
		}
	case schema.InputObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
	}
	return nil
}

// collectNames enforces name uniqueness across the whole step tree. The
// scope table is flat by step name, so duplicates anywhere would collide.
func collectNames(steps []schema.StepRecord, path string, seen map[string]bool, result *schema.ValidationResult) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		if seen[step.Name] {
			result.AddError(stepPath+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = true

		for label, sub := range step.SubSteps() {
			collectNames(sub, fmt.Sprintf("%s.%s", stepPath, label), seen, result)
		}
	}
}

// semanticVisitor walks the step tree carrying the set of step names visible
// at each point, so ${{steps.*}} references are checked against what will
// actually have completed by then.
type semanticVisitor struct {
	def    *schema.WorkflowDefinition
	lookup Lookup
	result *schema.ValidationResult
}

// visitSteps checks a step list sequentially. visible is mutated as steps
// complete; callers pass a copy when a nested scope must not leak upward.
func (sv *semanticVisitor) visitSteps(steps []schema.StepRecord, path string, visible map[string]bool, inLoop, nested bool) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		sv.visitStep(step, stepPath, visible, inLoop, nested)
		visible[step.Name] = true
	}
}

func (sv *semanticVisitor) visitStep(step *schema.StepRecord, path string, visible map[string]bool, inLoop, nested bool) {
	sv.checkConfigUnion(step, path)

	if step.When != "" && strings.Contains(step.When, "${{") {
		sv.result.AddError(path+".when", schema.ErrCodeValidation,
			"when guards are plain expressions; ${{ }} interpolation is not allowed here")
	}

	if step.Rollback != nil {
		if sv.lookup != nil && !sv.lookup.HasAction(step.Rollback.Action) {
			sv.result.AddError(path+".rollback.action", schema.ErrCodeReference,
				fmt.Sprintf("rollback action %q not registered", step.Rollback.Action))
		}
		sv.checkTokensInValue(step.Rollback.With, path+".rollback.with", visible, inLoop)
	}

	switch step.Type {
	case schema.StepTypeAction:
		if step.Action == nil {
			return
		}
		if sv.lookup != nil && !sv.lookup.HasAction(step.Action.Name) {
			sv.result.AddError(path+".action.name", schema.ErrCodeReference,
				fmt.Sprintf("action %q not registered", step.Action.Name))
		}
		sv.checkTokensInValue(step.Action.With, path+".action.with", visible, inLoop)

	case schema.StepTypeCapability:
		if step.Capability == nil {
			return
		}
		if sv.lookup != nil && !sv.lookup.HasAgent(step.Capability.Agent) {
			sv.result.AddError(path+".capability.agent", schema.ErrCodeReference,
				fmt.Sprintf("agent %q not registered", step.Capability.Agent))
		}
		if step.Capability.Context != "" && sv.lookup != nil && !sv.lookup.HasContextBuilder(step.Capability.Context) {
			sv.result.AddError(path+".capability.context", schema.ErrCodeReference,
				fmt.Sprintf("context builder %q not registered", step.Capability.Context))
		}
		sv.checkTokens(step.Capability.Prompt, path+".capability.prompt", visible, inLoop)

	case schema.StepTypeGenerate:
		if step.Generate == nil {
			return
		}
		if sv.lookup != nil && !sv.lookup.HasGenerator(step.Generate.Generator) {
			sv.result.AddError(path+".generate.generator", schema.ErrCodeReference,
				fmt.Sprintf("generator %q not registered", step.Generate.Generator))
		}
		sv.checkTokensInValue(step.Generate.Context, path+".generate.context", visible, inLoop)

	case schema.StepTypeValidate:
		if step.Validate == nil {
			return
		}
		for j, stage := range step.Validate.Stages {
			if sv.lookup != nil && !sv.lookup.HasStage(stage) {
				sv.result.AddError(fmt.Sprintf("%s.validate.stages[%d]", path, j),
					schema.ErrCodeReference,
					fmt.Sprintf("validation stage %q not registered", stage))
			}
		}
		if step.Validate.Fixer != "" && sv.lookup != nil && !sv.lookup.HasAgent(step.Validate.Fixer) {
			sv.result.AddError(path+".validate.fixer", schema.ErrCodeReference,
				fmt.Sprintf("fixer agent %q not registered", step.Validate.Fixer))
		}
		if step.Validate.Retry > 0 && step.Validate.Fixer == "" {
			sv.result.AddWarning(path+".validate.retry", schema.ErrCodeValidation,
				"retry without a fixer re-runs the same failing stages unchanged")
		}
		if step.Validate.Retry > 10 {
			sv.result.AddWarning(path+".validate.retry", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Validate.Retry))
		}

	case schema.StepTypeBranch:
		if step.Branch == nil {
			return
		}
		// Both arms see the same pre-branch scope; neither sees the other.
		sv.visitSteps(step.Branch.Then, path+".branch.then", copySet(visible), inLoop, true)
		if len(step.Branch.Else) > 0 {
			sv.visitSteps(step.Branch.Else, path+".branch.else", copySet(visible), inLoop, true)
		}

	case schema.StepTypeLoop:
		if step.Loop == nil {
			return
		}
		if step.Loop.Over == "" && step.Loop.Count == 0 {
			sv.result.AddError(path+".loop", schema.ErrCodeValidation,
				"loop requires either 'over' or a positive 'count'")
		}
		if step.Loop.Over != "" && step.Loop.Count > 0 {
			sv.result.AddError(path+".loop", schema.ErrCodeValidation,
				"loop cannot declare both 'over' and 'count'")
		}
		sv.visitSteps(step.Loop.Body, path+".loop.body", copySet(visible), true, true)

	case schema.StepTypeParallel:
		if step.Parallel == nil {
			return
		}
		branchNames := make(map[string]bool, len(step.Parallel.Branches))
		var settled []string
		for j, branch := range step.Parallel.Branches {
			branchPath := fmt.Sprintf("%s.parallel.branches[%d]", path, j)
			if branchNames[branch.Name] {
				sv.result.AddError(branchPath+".name", schema.ErrCodeValidation,
					fmt.Sprintf("duplicate parallel branch name %q", branch.Name))
			}
			branchNames[branch.Name] = true
			// Branches are isolated: each sees only the pre-parallel scope.
			branchVisible := copySet(visible)
			sv.visitSteps(branch.Steps, branchPath+".steps", branchVisible, inLoop, true)
			for name := range branchVisible {
				if !visible[name] {
					settled = append(settled, name)
				}
			}
		}
		// Settled branch outputs merge back into the parent scope, so steps
		// after the parallel step may reference them.
		for _, name := range settled {
			visible[name] = true
		}

	case schema.StepTypeSubWorkflow:
		if step.SubWorkflow == nil {
			return
		}
		if sv.lookup != nil && !sv.lookup.HasWorkflow(step.SubWorkflow.Workflow) {
			sv.result.AddError(path+".subworkflow.workflow", schema.ErrCodeReference,
				fmt.Sprintf("workflow %q not registered", step.SubWorkflow.Workflow))
		}
		sv.checkTokensInValue(step.SubWorkflow.Inputs, path+".subworkflow.inputs", visible, inLoop)

	case schema.StepTypeCheckpoint:
		// Resume restarts at a top-level step index; a checkpoint buried in
		// a branch arm, loop body or parallel branch could not be honored.
		if nested {
			sv.result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("checkpoint step %q must be at the top level of the workflow", step.Name))
		}
	}
}

// checkConfigUnion enforces the closed union: the config block matching the
// step type must be present, and no other block may be.
func (sv *semanticVisitor) checkConfigUnion(step *schema.StepRecord, path string) {
	blocks := map[schema.StepType]bool{
		schema.StepTypeAction:      step.Action != nil,
		schema.StepTypeCapability:  step.Capability != nil,
		schema.StepTypeGenerate:    step.Generate != nil,
		schema.StepTypeValidate:    step.Validate != nil,
		schema.StepTypeBranch:      step.Branch != nil,
		schema.StepTypeLoop:        step.Loop != nil,
		schema.StepTypeParallel:    step.Parallel != nil,
		schema.StepTypeSubWorkflow: step.SubWorkflow != nil,
		schema.StepTypeCheckpoint:  step.Checkpoint != nil,
	}

	// Checkpoint config is optional: a bare checkpoint step is valid.
	if !blocks[step.Type] && step.Type != schema.StepTypeCheckpoint {
		sv.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("step %q has type %q but no %q config block", step.Name, step.Type, step.Type))
	}
	for t, present := range blocks {
		if present && t != step.Type {
			sv.result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("step %q has type %q but carries a %q config block", step.Name, step.Type, t))
		}
	}
}

// checkTokensInValue scans every string in a decoded value tree for ${{ }}
// tokens and checks them.
func (sv *semanticVisitor) checkTokensInValue(v any, path string, visible map[string]bool, inLoop bool) {
	switch val := v.(type) {
	case string:
		sv.checkTokens(val, path, visible, inLoop)
	case map[string]any:
		for k, item := range val {
			sv.checkTokensInValue(item, path+"."+k, visible, inLoop)
		}
	case []any:
		for i, item := range val {
			sv.checkTokensInValue(item, fmt.Sprintf("%s[%d]", path, i), visible, inLoop)
		}
	}
}

// checkTokens statically checks every ${{ }} token in one string: namespace
// must exist, inputs must be declared, step references must be visible at
// this point, loop references must sit inside a loop body.
func (sv *semanticVisitor) checkTokens(s, path string, visible map[string]bool, inLoop bool) {
	for _, tok := range expressions.ScanTokens(s) {
		namespace, rest, _ := strings.Cut(tok, ".")

		switch namespace {
		case "inputs":
			name, _, _ := strings.Cut(rest, ".")
			if name == "" {
				sv.result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("invalid reference ${{%s}}: expected inputs.<name>", tok))
			} else if _, declared := sv.def.Inputs[name]; !declared {
				sv.result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("${{%s}} references undeclared input %q", tok, name))
			}
		case "steps":
			name, _, _ := strings.Cut(rest, ".")
			if name == "" {
				sv.result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("invalid reference ${{%s}}: expected steps.<name>.output", tok))
			} else if !visible[name] {
				sv.result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("${{%s}} references step %q, which has not completed at this point", tok, name))
			}
		case "loop":
			if !inLoop {
				sv.result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("${{%s}} used outside of a loop body", tok))
			}
		case "env", "workflow":
			// Resolved at run time; nothing to check statically.
		default:
			sv.result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("unknown namespace %q in ${{%s}}; available: %s",
					namespace, tok, strings.Join(expressions.Namespaces, ", ")))
		}
	}
}

func copySet(s map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}
