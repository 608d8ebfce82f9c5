package actions

import (
	"log/slog"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/validation"
)

// BuiltinConfig bundles the per-group settings for the built-in action set.
type BuiltinConfig struct {
	HTTP   HTTPConfig
	FS     FSConfig
	Shell  ShellConfig
	Logger *slog.Logger
}

// RegisterBuiltins registers every built-in action into the registry.
// Registration stops at the first conflict.
func RegisterBuiltins(reg *registry.Registry, validator *validation.JSONSchemaValidator, cfg BuiltinConfig) error {
	groups := [][]registry.Action{
		{
			NewHTTPRequestAction(cfg.HTTP),
			NewHTTPGetAction(cfg.HTTP),
			NewHTTPPostAction(cfg.HTTP),
		},
		TransformActions(),
		AssertActions(validator),
		ExprActions(),
		CryptoActions(),
		FSActions(cfg.FS),
		ShellActions(cfg.Shell),
		LogActions(cfg.Logger),
	}

	for _, group := range groups {
		for _, action := range group {
			if err := reg.RegisterAction(action); err != nil {
				return err
			}
		}
	}
	return nil
}
