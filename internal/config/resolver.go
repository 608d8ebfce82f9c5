package config

import (
	"os"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"

	"github.com/loomworks/loom/pkg/schema"
)

// Overrides is the project-level configuration file layered over the engine
// defaults. Zero-valued fields in an override leave the lower layer intact.
type Overrides struct {
	// Defaults is merged over the engine baseline for every step.
	Defaults EffectiveConfig `yaml:"defaults,omitempty"`

	// Types overrides per step type, keyed by the type name.
	Types map[schema.StepType]EffectiveConfig `yaml:"types,omitempty"`

	// Steps overrides per step name; the highest-precedence layer.
	Steps map[string]EffectiveConfig `yaml:"steps,omitempty"`
}

// Resolver computes the effective configuration for a step. Immutable after
// construction; safe for concurrent use.
type Resolver struct {
	overrides Overrides
}

// NewResolver creates a Resolver with the given project overrides.
func NewResolver(overrides Overrides) *Resolver {
	return &Resolver{overrides: overrides}
}

// LoadOverrides reads a project override file. A missing file yields empty
// overrides, not an error: the file is optional.
func LoadOverrides(path string) (Overrides, error) {
	var o Overrides

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return o, schema.NewError(schema.ErrCodeValidation, "cannot read config overrides").WithCause(err)
	}

	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, schema.NewError(schema.ErrCodeValidation, "cannot parse config overrides").WithCause(err)
	}
	return o, nil
}

// Resolve merges the layers for one step, lowest precedence first:
// engine defaults, per-type defaults, project defaults, project per-type,
// project per-step-name.
func (r *Resolver) Resolve(step *schema.StepRecord) (EffectiveConfig, error) {
	cfg := Defaults()

	layers := []EffectiveConfig{
		TypeDefaults(step.Type),
		r.overrides.Defaults,
	}
	if typeOverride, ok := r.overrides.Types[step.Type]; ok {
		layers = append(layers, typeOverride)
	}
	if stepOverride, ok := r.overrides.Steps[step.Name]; ok {
		layers = append(layers, stepOverride)
	}

	for _, layer := range layers {
		if err := mergo.Merge(&cfg, layer, mergo.WithOverride); err != nil {
			return cfg, schema.NewError(schema.ErrCodeValidation, "cannot merge step config").
				WithStep(step.Name).WithCause(err)
		}
	}
	return cfg, nil
}
