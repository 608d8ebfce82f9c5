package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoomServer(t *testing.T) {
	h := newTestHarness(t)
	require.NotNil(t, h.server)
	assert.NotNil(t, h.server.mcpServer)
	assert.NotNil(t, h.server.logger)
	assert.NotNil(t, h.server.sessions)
	assert.Same(t, h.server.mcpServer, h.server.MCPServer())
}

func TestToolRegistration(t *testing.T) {
	h := newTestHarness(t)

	tools := h.server.mcpServer.ListTools()
	require.Len(t, tools, 4)

	expectedTools := []string{
		"loom.run",
		"loom.resume",
		"loom.status",
		"loom.events",
	}
	for _, name := range expectedTools {
		tool := h.server.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "loom.run", "Execute a registered workflow"},
		{"resume", "loom.resume", "Resume a run from a saved checkpoint"},
		{"status", "loom.status", "Get the current state of a run"},
		{"events", "loom.events", "Read the event log of a run, optionally following new events as notifications"},
	}

	h := newTestHarness(t)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := h.server.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
