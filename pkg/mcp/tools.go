package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/store"
)

// runSummary flattens a RunResult into the tool response payload.
func runSummary(result *engine.RunResult) map[string]any {
	steps := make([]map[string]any, 0, len(result.Results))
	for _, r := range result.Results {
		entry := map[string]any{
			"name":        r.Name,
			"type":        string(r.Type),
			"status":      string(r.Status),
			"attempts":    r.Attempts,
			"duration_ms": r.DurationMS,
		}
		if r.Error != nil {
			entry["error"] = r.Error
		}
		steps = append(steps, entry)
	}

	summary := map[string]any{
		"run_id":      result.RunID,
		"workflow":    result.Workflow,
		"status":      string(result.Status),
		"duration_ms": result.Duration.Milliseconds(),
		"outputs":     result.Outputs,
		"steps":       steps,
	}
	if result.Error != nil {
		summary["error"] = result.Error
	}
	return summary
}

// handleRun executes a registered workflow and returns the run result.
func (s *LoomServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	def, defErr := s.registry.Workflow(workflow)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", defErr)), nil
	}

	result, runErr := s.interpreter.Run(ctx, def, inputs)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}

	return marshalResult(runSummary(result))
}

// handleResume continues a run from a saved checkpoint.
func (s *LoomServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkpointID, err := req.RequireString("checkpoint_id")
	if err != nil {
		return mcp.NewToolResultError("checkpoint_id is required"), nil
	}

	cp, cpErr := s.store.GetCheckpoint(ctx, checkpointID)
	if cpErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("checkpoint lookup failed: %v", cpErr)), nil
	}

	def, defErr := s.registry.Workflow(cp.Workflow)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not registered: %v", cp.Workflow, defErr)), nil
	}

	result, resumeErr := s.interpreter.Resume(ctx, checkpointID, def)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	return marshalResult(runSummary(result))
}

// handleStatus returns the persisted state of a run.
func (s *LoomServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	payload := map[string]any{
		"run_id":     run.ID,
		"workflow":   run.Workflow,
		"version":    run.Version,
		"status":     string(run.Status),
		"created_at": run.CreatedAt,
	}
	if run.StartedAt != nil {
		payload["started_at"] = run.StartedAt
	}
	if run.CompletedAt != nil {
		payload["completed_at"] = run.CompletedAt
	}
	if len(run.Output) > 0 {
		payload["output"] = json.RawMessage(run.Output)
	}
	if len(run.Error) > 0 {
		payload["error"] = json.RawMessage(run.Error)
	}

	return marshalResult(payload)
}

// handleEvents reads a run's event log. With filter.follow=true the calling
// session also receives subsequent events as notifications.
func (s *LoomServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	if follow, ok := filter["follow"].(bool); ok && follow {
		s.captureSession(ctx, runID)
	}

	eventType, _ := filter["event_type"].(string)
	if eventType != "" {
		stepName, _ := filter["step_name"].(string)
		events, qErr := s.store.GetEventsByType(ctx, eventType, store.EventFilter{
			RunID:    runID,
			StepName: stepName,
			Limit:    extractInt(filter, "limit", 100),
		})
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", qErr)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	events, qErr := s.store.GetEvents(ctx, runID, int64(extractInt(filter, "since", 0)))
	if qErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", qErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// captureSession maps a run ID to the caller's MCP session for event push.
func (s *LoomServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
