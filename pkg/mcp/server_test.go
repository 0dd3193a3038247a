package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecoilServer(t *testing.T) {
	s := NewRecoilServer(RecoilServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewRecoilServer(RecoilServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 9)

	expectedTools := []string{
		"workflow.run",
		"workflow.status",
		"workflow.approve",
		"workflow.resume",
		"workflow.cancel",
		"capability.invoke",
		"capability.list",
		"undo.last",
		"undo.history",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name     string
		toolName string
		contains string
	}{
		{"run", "workflow.run", "compensated in reverse order"},
		{"status", "workflow.status", "step states"},
		{"approve", "workflow.approve", "rejection rolls the workflow back"},
		{"resume", "workflow.resume", "non-terminal workflow"},
		{"cancel", "workflow.cancel", "Cancel a workflow"},
		{"invoke", "capability.invoke", "confirmation_required"},
		{"list", "capability.list", "risk posture"},
		{"undo-last", "undo.last", "LIFO"},
		{"undo-history", "undo.history", "without reversing"},
	}

	s := NewRecoilServer(RecoilServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Contains(t, tool.Tool.Description, tc.contains)
		})
	}
}
