package claude_test

import (
	"testing"

	"github.com/kiroproxy/kiro-proxy/internal/claude"
	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorTextOnly(t *testing.T) {
	agg := claude.NewAggregator("claude-sonnet-4")

	require.NoError(t, agg.Add(ir.Event{Type: ir.EventMessageStart, Usage: ir.Usage{InputTokens: 100}}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventTextDelta, Text: "Hello, "}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventTextDelta, Text: "world!"}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventMessageStop, StopReason: ir.StopEndTurn}))

	resp := agg.Build()
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Hello, world!", resp.Content[0].Text)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestAggregatorToolUseWithInvalidJSON(t *testing.T) {
	agg := claude.NewAggregator("claude-sonnet-4")

	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStart, ToolUseID: "tool_123", ToolName: "test_tool"}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseInputDelta, InputDelta: "{invalid json"}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStop}))

	resp := agg.Build()
	require.Len(t, resp.Content, 1)

	block := resp.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "tool_123", block.ID)
	assert.Equal(t, "test_tool", block.Name)
	assert.Contains(t, string(block.Input), "raw_arguments")
}

func TestAggregatorToolUseWithValidJSON(t *testing.T) {
	agg := claude.NewAggregator("claude-sonnet-4")

	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStart, ToolUseID: "tool_1", ToolName: "get_weather"}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseInputDelta, InputDelta: `{"location":`}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseInputDelta, InputDelta: `"SF"}`}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStop}))

	resp := agg.Build()
	require.Len(t, resp.Content, 1)
	assert.JSONEq(t, `{"location":"SF"}`, string(resp.Content[0].Input))
}

func TestAggregatorStopReasonFallback(t *testing.T) {
	t.Run("text_only_returns_end_turn", func(t *testing.T) {
		agg := claude.NewAggregator("claude-sonnet-4")
		require.NoError(t, agg.Add(ir.Event{Type: ir.EventTextDelta, Text: "Hello world"}))
		resp := agg.Build()
		assert.Equal(t, "end_turn", resp.StopReason)
	})

	t.Run("tool_use_returns_tool_use", func(t *testing.T) {
		agg := claude.NewAggregator("claude-sonnet-4")
		require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStart, ToolUseID: "tool_123", ToolName: "test_tool"}))
		require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStop}))
		require.NoError(t, agg.Add(ir.Event{Type: ir.EventMessageStop, StopReason: ir.StopToolUse}))
		resp := agg.Build()
		assert.Equal(t, "tool_use", resp.StopReason)
	})

	t.Run("upstream_stop_reason_preserved", func(t *testing.T) {
		agg := claude.NewAggregator("claude-sonnet-4")
		require.NoError(t, agg.Add(ir.Event{Type: ir.EventMessageDelta, StopReason: ir.StopMaxTokens}))
		resp := agg.Build()
		assert.Equal(t, "max_tokens", resp.StopReason)
	})
}

func TestAggregatorTextThenToolUse(t *testing.T) {
	agg := claude.NewAggregator("claude-sonnet-4")

	require.NoError(t, agg.Add(ir.Event{Type: ir.EventTextDelta, Text: "Let me check."}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStart, ToolUseID: "tool_1", ToolName: "get_weather"}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseInputDelta, InputDelta: `{"q":1}`}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventToolUseStop}))

	resp := agg.Build()
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Let me check.", resp.Content[0].Text)
	assert.Equal(t, "tool_use", resp.Content[1].Type)
	assert.Equal(t, "get_weather", resp.Content[1].Name)
}

func TestAggregatorMessageID(t *testing.T) {
	id1 := claude.NewAggregator("claude-sonnet-4").GetMessageID()
	id2 := claude.NewAggregator("claude-sonnet-4").GetMessageID()
	assert.NotEqual(t, id1, id2)
	assert.Contains(t, id1, "msg_")
}

func TestAggregatorUsesRealOutputTokensWhenReported(t *testing.T) {
	agg := claude.NewAggregatorWithEstimate("claude-sonnet-4", 1000)

	require.NoError(t, agg.Add(ir.Event{Type: ir.EventTextDelta, Text: "Hi"}))
	require.NoError(t, agg.Add(ir.Event{Type: ir.EventMessageDelta, StopReason: ir.StopEndTurn, Usage: ir.Usage{OutputTokens: 250}}))

	resp := agg.Build()
	assert.Equal(t, 250, resp.Usage.OutputTokens)
}
