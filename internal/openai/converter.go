// Package openai provides Internal-Representation to OpenAI chunk conversion.
package openai

import (
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// Converter turns the dialect-neutral ir.Event stream into OpenAI chat
// completion chunks. One Converter is good for one response stream.
type Converter struct {
	model        string
	completionID string
	created      int64

	roleSent      bool
	toolCallIndex int
	inToolCall    bool
	hadToolUse    bool
	finishSent    bool

	estimatedInputTokens int
	outputTokens         int
}

// NewConverter creates a new converter for the given model.
func NewConverter(model string) *Converter {
	return NewConverterWithEstimate(model, 0)
}

// NewConverterWithEstimate creates a converter with pre-estimated input
// tokens, used to populate the final usage chunk before the upstream has
// reported real usage.
func NewConverterWithEstimate(model string, estimatedInputTokens int) *Converter {
	return &Converter{
		model:                model,
		completionID:         GenerateCompletionID(),
		created:              time.Now().Unix(),
		toolCallIndex:        -1,
		estimatedInputTokens: estimatedInputTokens,
	}
}

// GetCompletionID returns the generated completion ID.
func (c *Converter) GetCompletionID() string {
	return c.completionID
}

// GetFinishReason returns the finish_reason based on what was processed.
func (c *Converter) GetFinishReason() string {
	if c.hadToolUse {
		return "tool_calls"
	}
	return "stop"
}

// Convert translates one ir.Event into zero or more chat completion chunks.
func (c *Converter) Convert(event ir.Event) ([]*ChatCompletionChunk, error) {
	switch event.Type {
	case ir.EventMessageStart:
		return c.convertMessageStart(), nil
	case ir.EventTextDelta:
		return c.convertTextDelta(event), nil
	case ir.EventThinkingDelta:
		// OpenAI's wire format has no thinking channel; drop the deltas.
		return nil, nil
	case ir.EventToolUseStart:
		return c.convertToolUseStart(event), nil
	case ir.EventToolUseInputDelta:
		return c.convertToolUseInputDelta(event), nil
	case ir.EventToolUseStop:
		c.inToolCall = false
		return nil, nil
	case ir.EventMessageDelta:
		if event.Usage.OutputTokens > 0 {
			c.outputTokens = event.Usage.OutputTokens
		}
		return nil, nil
	case ir.EventMessageStop:
		return c.convertMessageStop(event), nil
	default:
		return nil, nil
	}
}

func (c *Converter) newChunk(delta Delta, finishReason *string) *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      c.completionID,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

func (c *Converter) ensureRole() []*ChatCompletionChunk {
	if c.roleSent {
		return nil
	}
	c.roleSent = true
	return []*ChatCompletionChunk{c.newChunk(Delta{Role: "assistant"}, nil)}
}

func (c *Converter) convertMessageStart() []*ChatCompletionChunk {
	return c.ensureRole()
}

func (c *Converter) convertTextDelta(event ir.Event) []*ChatCompletionChunk {
	c.outputTokens += countTextTokens(event.Text)

	chunks := c.ensureRole()
	chunks = append(chunks, c.newChunk(Delta{Content: event.Text}, nil))
	return chunks
}

func (c *Converter) convertToolUseStart(event ir.Event) []*ChatCompletionChunk {
	c.hadToolUse = true
	c.inToolCall = true
	c.toolCallIndex++

	idx := c.toolCallIndex
	chunks := c.ensureRole()
	chunks = append(chunks, c.newChunk(Delta{ToolCalls: []ToolCall{{
		Index:    &idx,
		ID:       event.ToolUseID,
		Type:     "function",
		Function: FunctionCall{Name: event.ToolName},
	}}}, nil))
	return chunks
}

func (c *Converter) convertToolUseInputDelta(event ir.Event) []*ChatCompletionChunk {
	if !c.inToolCall {
		return nil
	}
	c.outputTokens += countTextTokens(event.InputDelta)

	idx := c.toolCallIndex
	return []*ChatCompletionChunk{c.newChunk(Delta{ToolCalls: []ToolCall{{
		Index:    &idx,
		Type:     "function",
		Function: FunctionCall{Arguments: event.InputDelta},
	}}}, nil)}
}

func (c *Converter) convertMessageStop(event ir.Event) []*ChatCompletionChunk {
	if c.finishSent {
		return nil
	}
	c.finishSent = true

	reason := mapStopReason(event.StopReason)
	if reason == "" {
		reason = c.GetFinishReason()
	}

	chunks := c.ensureRole()
	final := c.newChunk(Delta{}, &reason)
	final.Usage = &Usage{
		PromptTokens:     c.estimatedInputTokens,
		CompletionTokens: c.outputTokens,
		TotalTokens:      c.estimatedInputTokens + c.outputTokens,
	}
	chunks = append(chunks, final)
	return chunks
}

// FinishSent reports whether the finish_reason chunk already went out.
func (c *Converter) FinishSent() bool {
	return c.finishSent
}

// ContentDelivered returns true if any chunk reached the client.
func (c *Converter) ContentDelivered() bool {
	return c.roleSent
}

// FinalChunk builds the terminal finish_reason chunk for streams the
// upstream ended without an explicit message_stop event.
func (c *Converter) FinalChunk() *ChatCompletionChunk {
	c.finishSent = true
	reason := c.GetFinishReason()
	final := c.newChunk(Delta{}, &reason)
	final.Usage = &Usage{
		PromptTokens:     c.estimatedInputTokens,
		CompletionTokens: c.outputTokens,
		TotalTokens:      c.estimatedInputTokens + c.outputTokens,
	}
	return final
}

// GetFinalUsage returns the usage accumulated across the stream.
func (c *Converter) GetFinalUsage() Usage {
	return Usage{
		PromptTokens:     c.estimatedInputTokens,
		CompletionTokens: c.outputTokens,
		TotalTokens:      c.estimatedInputTokens + c.outputTokens,
	}
}

// mapStopReason translates the dialect-neutral stop reason to OpenAI's
// finish_reason vocabulary.
func mapStopReason(reason ir.StopReason) string {
	switch reason {
	case ir.StopEndTurn:
		return "stop"
	case ir.StopMaxTokens:
		return "length"
	case ir.StopToolUse:
		return "tool_calls"
	case ir.StopStopSequence:
		return "stop"
	default:
		return ""
	}
}

// countTextTokens estimates tokens for text at ~4 chars per token.
func countTextTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
