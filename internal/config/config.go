// Package config resolves the effective per-step execution configuration.
// Precedence, lowest to highest: engine defaults, per-type defaults, project
// overrides keyed by step name. Resolution happens before dispatch, once per
// step execution.
package config

import (
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffNone        BackoffStrategy = "none"
	BackoffConstant    BackoffStrategy = "constant"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// EffectiveConfig is the fully resolved execution configuration for one step.
type EffectiveConfig struct {
	// Timeout bounds one attempt. Zero means no per-step deadline.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRetries bounds retries after the first attempt.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	Backoff  BackoffStrategy `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Delay    time.Duration   `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay time.Duration   `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`

	// ParallelPolicy is the default on_failure policy for parallel steps
	// that do not set one in the definition.
	ParallelPolicy schema.ParallelFailurePolicy `json:"parallel_policy,omitempty" yaml:"parallel_policy,omitempty"`

	// MaxConcurrency bounds the worker pool for parallel fan-out.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`

	// Provider carries backend-specific knobs passed through to the
	// StepExecutor opaquely.
	Provider map[string]any `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// Defaults returns the engine baseline configuration.
func Defaults() EffectiveConfig {
	return EffectiveConfig{
		Timeout:        5 * time.Minute,
		MaxRetries:     0,
		Backoff:        BackoffExponential,
		Delay:          time.Second,
		MaxDelay:       30 * time.Second,
		ParallelPolicy: schema.FailureWaitAll,
		MaxConcurrency: 8,
	}
}

// TypeDefaults returns the per-step-type adjustments layered over Defaults.
// Capability steps get retries because provider failures are often
// transient; generate steps are single-shot by contract.
func TypeDefaults(t schema.StepType) EffectiveConfig {
	switch t {
	case schema.StepTypeCapability:
		return EffectiveConfig{
			Timeout:    15 * time.Minute,
			MaxRetries: 2,
		}
	case schema.StepTypeGenerate:
		return EffectiveConfig{
			Timeout: 2 * time.Minute,
			Backoff: BackoffNone,
		}
	case schema.StepTypeAction:
		return EffectiveConfig{
			Timeout: 30 * time.Second,
		}
	default:
		return EffectiveConfig{}
	}
}
