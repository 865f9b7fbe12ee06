package input

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputNode_SuspendsWithPrompt(t *testing.T) {
	node, err := NewInputNode(&models.Node{ID: "ask_name", Type: Type, Config: map[string]any{
		"prompt":   "What's your name, {{ .first }}?",
		"variable": "name",
		"timeout":  "10m",
	}})
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	exec := &models.Execution{ID: "e1", TenantID: "t1", ConversationID: "c1", Context: map[string]any{"first": "Ana"}}

	effect, err := node.Dispatch(context.Background(), protocol.StepInput{Execution: exec, Now: now})
	require.NoError(t, err)

	send, ok := effect.(models.SendEffect)
	require.True(t, ok)
	assert.Equal(t, "What's your name, Ana?", send.Message.Text)
	require.NotNil(t, send.Then)
	assert.Equal(t, models.WakeReply, send.Then.Wake.Kind)
	assert.Equal(t, now.Add(10*time.Minute), *send.Then.Wake.Deadline)
}

func TestInputNode_SuspendsWithoutPrompt(t *testing.T) {
	node, err := NewInputNode(&models.Node{ID: "ask", Type: Type})
	require.NoError(t, err)

	now := time.Now()
	effect, err := node.Dispatch(context.Background(), protocol.StepInput{Execution: &models.Execution{}, Now: now})
	require.NoError(t, err)

	suspend, ok := effect.(models.SuspendEffect)
	require.True(t, ok)
	assert.Equal(t, now.Add(24*time.Hour), *suspend.Wake.Deadline)
}

func TestInputNode_Resume(t *testing.T) {
	node, err := NewInputNode(&models.Node{ID: "ask", Type: Type, Config: map[string]any{"variable": "answer"}})
	require.NoError(t, err)

	exec := &models.Execution{}

	effect, err := node.Dispatch(context.Background(), protocol.StepInput{
		Execution: exec,
		Wake:      &models.WakeEvent{Kind: models.WakeEventReply, Text: "yes please"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.BranchEffect{Edge: "received", ContextPatch: map[string]any{"answer": "yes please"}}, effect)

	effect, err = node.Dispatch(context.Background(), protocol.StepInput{
		Execution: exec,
		Wake:      &models.WakeEvent{Kind: models.WakeEventTimer},
	})
	require.NoError(t, err)
	assert.Equal(t, models.BranchEffect{Edge: "timeout"}, effect)
}
