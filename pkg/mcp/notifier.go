package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/internal/streaming"
)

// RunNotifier forwards engine events to the MCP sessions following each run.
// Best-effort: events for runs nobody follows are dropped, and an expired
// session simply stops following.
type RunNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier over the given hub and session registry.
func NewRunNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{
		mcpServer: mcpServer,
		sessions:  sessions,
		hub:       hub,
		logger:    logger,
	}
}

// Start subscribes to the hub and forwards events until ctx is cancelled.
func (n *RunNotifier) Start(ctx context.Context) error {
	events, cancel, err := n.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				n.forward(event)
			}
		}
	}()
	return nil
}

func (n *RunNotifier) forward(event streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(event.RunID)
	if !ok {
		return
	}

	payload := map[string]any{
		"run_id":     event.RunID,
		"event_type": event.EventType,
	}
	if event.StepName != "" {
		payload["step_name"] = event.StepName
	}
	if event.Payload != nil {
		payload["payload"] = event.Payload
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return
	}
	if err != nil {
		n.logger.Warn("event push failed",
			slog.String("run_id", event.RunID),
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
	}
}
