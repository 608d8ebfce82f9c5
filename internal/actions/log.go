package actions

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

// LogActions returns the logging actions. The logger is shared with the
// engine so workflow-emitted lines carry the same handler and correlation
// attributes as the runtime's own output.
func LogActions(logger *slog.Logger) []registry.Action {
	if logger == nil {
		logger = slog.Default()
	}
	return []registry.Action{
		&logEmitAction{logger: logger},
	}
}

// --- log.emit ---

type logEmitAction struct {
	logger *slog.Logger
}

func (a *logEmitAction) Name() string { return "log.emit" }

func (a *logEmitAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Emit a structured log line at the given level with optional fields",
	}
}

func (a *logEmitAction) Validate(args map[string]any) error {
	if stringParam(args, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log.emit requires non-empty 'message' string parameter")
	}
	switch stringParam(args, "level", "info") {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "log.emit: invalid level %q", args["level"])
	}
}

func (a *logEmitAction) Execute(ctx context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	if err := a.Validate(input.Args); err != nil {
		return nil, err
	}

	message := stringParam(input.Args, "message", "")
	level := stringParam(input.Args, "level", "info")

	attrs := make([]any, 0)
	if fields, ok := input.Args["fields"].(map[string]any); ok {
		for k, v := range fields {
			attrs = append(attrs, slog.Any(k, v))
		}
	}

	switch level {
	case "debug":
		a.logger.DebugContext(ctx, message, attrs...)
	case "warn":
		a.logger.WarnContext(ctx, message, attrs...)
	case "error":
		a.logger.ErrorContext(ctx, message, attrs...)
	default:
		a.logger.InfoContext(ctx, message, attrs...)
	}

	return marshalOutput(map[string]any{
		"logged": true,
		"level":  level,
	})
}
