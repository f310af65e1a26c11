package claude_test

import (
	"testing"

	"github.com/kiroproxy/kiro-proxy/internal/claude"
	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertMessageStart(t *testing.T) {
	converter := claude.NewConverterWithEstimate("claude-sonnet-4", 100)

	events, err := converter.Convert(ir.Event{Type: ir.EventMessageStart, Usage: ir.Usage{InputTokens: 100}})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "message_start", events[0].Type)
	data, ok := events[0].Data.(claude.MessageStartEvent)
	require.True(t, ok, "expected MessageStartEvent, got %T", events[0].Data)

	assert.Contains(t, data.Message.ID, "msg_")
	assert.Equal(t, "message", data.Message.Type)
	assert.Equal(t, "assistant", data.Message.Role)
	assert.Equal(t, "claude-sonnet-4", data.Message.Model)
}

func TestConvertTextDelta(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	events, err := converter.Convert(ir.Event{Type: ir.EventTextDelta, Text: "Hello, world!"})
	require.NoError(t, err)
	require.Len(t, events, 3) // message_start + content_block_start + content_block_delta

	assert.Equal(t, "message_start", events[0].Type)
	assert.Equal(t, "content_block_start", events[1].Type)

	deltaEvt := events[2]
	assert.Equal(t, "content_block_delta", deltaEvt.Type)
	data, ok := deltaEvt.Data.(claude.ContentBlockDeltaEvent)
	require.True(t, ok)
	assert.Equal(t, 0, data.Index)
	assert.Equal(t, "text_delta", data.Delta.Type)
	assert.Equal(t, "Hello, world!", data.Delta.Text)
}

func TestConvertThinkingDelta(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	events, err := converter.Convert(ir.Event{Type: ir.EventThinkingDelta, Text: "Let me think..."})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)

	last := events[len(events)-1]
	assert.Equal(t, "content_block_delta", last.Type)
	data, ok := last.Data.(claude.ContentBlockDeltaEvent)
	require.True(t, ok)
	assert.Equal(t, "thinking_delta", data.Delta.Type)
	assert.Equal(t, "Let me think...", data.Delta.Text)
}

func TestConvertMessageDelta(t *testing.T) {
	converter := claude.NewConverterWithEstimate("claude-sonnet-4", 100)

	events, err := converter.Convert(ir.Event{
		Type:       ir.EventMessageDelta,
		StopReason: ir.StopEndTurn,
		Usage:      ir.Usage{OutputTokens: 50},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, "message_delta", events[0].Type)
	data, ok := events[0].Data.(claude.MessageDeltaEvent)
	require.True(t, ok, "expected MessageDeltaEvent, got %T", events[0].Data)
	assert.Equal(t, "end_turn", data.Delta.StopReason)
	assert.Equal(t, 50, data.Usage.OutputTokens)
}

func TestConvertMessageStop(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	events, err := converter.Convert(ir.Event{Type: ir.EventMessageStop, StopReason: ir.StopEndTurn})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, "message_stop", last.Type)
}

func TestConverterMessageID(t *testing.T) {
	id1 := claude.NewConverter("claude-sonnet-4").GetMessageID()
	id2 := claude.NewConverter("claude-sonnet-4").GetMessageID()

	assert.NotEqual(t, id1, id2)
	assert.Contains(t, id1, "msg_")
	assert.Contains(t, id2, "msg_")
}

func TestConverterToolUse(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	events, err := converter.Convert(ir.Event{
		Type:      ir.EventToolUseStart,
		ToolUseID: "tool_abc123",
		ToolName:  "get_weather",
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var start *claude.ContentBlockStartEvent
	for _, e := range events {
		if e.Type == "content_block_start" {
			data := e.Data.(claude.ContentBlockStartEvent)
			start = &data
		}
	}
	require.NotNil(t, start)
	assert.Equal(t, "tool_use", start.ContentBlock.Type)
	assert.Equal(t, "tool_abc123", start.ContentBlock.ID)
	assert.Equal(t, "get_weather", start.ContentBlock.Name)
}

func TestConverterTextThenToolUseClosesTextBlock(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	textEvents, err := converter.Convert(ir.Event{Type: ir.EventTextDelta, Text: "Let me check the weather."})
	require.NoError(t, err)
	require.Len(t, textEvents, 3)
	textStart := textEvents[1].Data.(claude.ContentBlockStartEvent)
	assert.Equal(t, 0, textStart.Index)

	toolEvents, err := converter.Convert(ir.Event{
		Type:      ir.EventToolUseStart,
		ToolUseID: "tool_abc123",
		ToolName:  "get_weather",
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(toolEvents), 2)

	assert.Equal(t, "content_block_stop", toolEvents[0].Type)
	stop := toolEvents[0].Data.(claude.ContentBlockStopEvent)
	assert.Equal(t, 0, stop.Index, "text block at index 0 must close before the tool_use block opens")

	assert.Equal(t, "content_block_start", toolEvents[1].Type)
	start := toolEvents[1].Data.(claude.ContentBlockStartEvent)
	assert.Equal(t, 1, start.Index)
	assert.Equal(t, "tool_use", start.ContentBlock.Type)
}

func TestConverterToolUseOnlyStartsAtIndexZero(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	events, err := converter.Convert(ir.Event{
		Type:      ir.EventToolUseStart,
		ToolUseID: "tool_xyz789",
		ToolName:  "search_files",
	})
	require.NoError(t, err)

	for _, e := range events {
		if e.Type == "content_block_stop" {
			t.Fatal("should not emit content_block_stop for a non-existent preceding block")
		}
	}

	var start *claude.ContentBlockStartEvent
	for _, e := range events {
		if e.Type == "content_block_start" {
			data := e.Data.(claude.ContentBlockStartEvent)
			start = &data
		}
	}
	require.NotNil(t, start)
	assert.Equal(t, 0, start.Index)
}

func TestConverterToolUseStopEmitsEmptyInputWhenNoneSent(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	_, err := converter.Convert(ir.Event{Type: ir.EventToolUseStart, ToolUseID: "tool_1", ToolName: "noop"})
	require.NoError(t, err)

	events, err := converter.Convert(ir.Event{Type: ir.EventToolUseStop})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "content_block_delta", events[0].Type)
	delta := events[0].Data.(claude.ContentBlockDeltaEvent)
	assert.Equal(t, "input_json_delta", delta.Delta.Type)
	assert.Equal(t, "{}", delta.Delta.PartialJSON)
	assert.Equal(t, "content_block_stop", events[1].Type)
}

func TestConverterGetStopReason(t *testing.T) {
	t.Run("text_only_returns_end_turn", func(t *testing.T) {
		converter := claude.NewConverter("claude-sonnet-4")
		_, err := converter.Convert(ir.Event{Type: ir.EventTextDelta, Text: "Hello world"})
		require.NoError(t, err)
		assert.Equal(t, "end_turn", converter.GetStopReason())
	})

	t.Run("tool_use_returns_tool_use", func(t *testing.T) {
		converter := claude.NewConverter("claude-sonnet-4")
		_, err := converter.Convert(ir.Event{Type: ir.EventToolUseStart, ToolUseID: "tool_1", ToolName: "get_weather"})
		require.NoError(t, err)
		assert.Equal(t, "tool_use", converter.GetStopReason())
	})
}

func TestConverterNoDoubleDelta(t *testing.T) {
	converter := claude.NewConverter("claude-sonnet-4")

	_, err := converter.Convert(ir.Event{Type: ir.EventTextDelta, Text: "Hello"})
	require.NoError(t, err)
	assert.False(t, converter.WasMessageDeltaEmitted())

	events, err := converter.Convert(ir.Event{Type: ir.EventMessageDelta, StopReason: ir.StopEndTurn, Usage: ir.Usage{OutputTokens: 10}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "message_delta", events[0].Type)
	assert.True(t, converter.WasMessageDeltaEmitted())
}

func TestConverterStateTrackingMethods(t *testing.T) {
	t.Run("initial_state", func(t *testing.T) {
		converter := claude.NewConverter("claude-sonnet-4")
		assert.False(t, converter.HasOpenContentBlock())
		assert.Equal(t, 0, converter.GetCurrentContentIndex())
		assert.False(t, converter.WasMessageDeltaEmitted())
	})

	t.Run("after_text_content", func(t *testing.T) {
		converter := claude.NewConverter("claude-sonnet-4")
		_, _ = converter.Convert(ir.Event{Type: ir.EventTextDelta, Text: "Hello"})
		assert.True(t, converter.HasOpenContentBlock())
		assert.Equal(t, 0, converter.GetCurrentContentIndex())
	})

	t.Run("after_tool_use_stop", func(t *testing.T) {
		converter := claude.NewConverter("claude-sonnet-4")
		_, _ = converter.Convert(ir.Event{Type: ir.EventToolUseStart, ToolUseID: "tool_1", ToolName: "test_tool"})
		_, _ = converter.Convert(ir.Event{Type: ir.EventToolUseStop})
		assert.False(t, converter.HasOpenContentBlock())
	})
}

func TestGetFinalUsage_WithEstimatedTokens(t *testing.T) {
	converter := claude.NewConverterWithEstimate("claude-sonnet-4", 1000)

	_, _ = converter.Convert(ir.Event{Type: ir.EventTextDelta, Text: "Hello, "})
	_, _ = converter.Convert(ir.Event{Type: ir.EventTextDelta, Text: "world!"})

	usage := converter.GetFinalUsage()

	// 1000 tokens distributed 1:2:25 (>= threshold of 100).
	assert.Equal(t, 35, usage.InputTokens)
	assert.Equal(t, 71, usage.CacheCreationInputTokens)
	assert.Equal(t, 894, usage.CacheReadInputTokens)
}

func TestGetFinalUsage_EmptyContent(t *testing.T) {
	converter := claude.NewConverterWithEstimate("claude-sonnet-4", 50)

	usage := converter.GetFinalUsage()

	// Below the 100 threshold, no distribution applied.
	assert.Equal(t, 50, usage.InputTokens)
	assert.Equal(t, 0, usage.CacheCreationInputTokens)
	assert.Equal(t, 0, usage.CacheReadInputTokens)
	assert.Equal(t, 0, usage.OutputTokens)
}
