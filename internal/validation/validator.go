package validation

import "github.com/loomworks/loom/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Lookup is the registry probe surface the semantic stage checks references
// against. A nil Lookup skips existence checks (definition-only validation).
type Lookup interface {
	HasAction(name string) bool
	HasAgent(name string) bool
	HasGenerator(name string) bool
	HasContextBuilder(name string) bool
	HasStage(name string) bool
	HasWorkflow(name string) bool
}
