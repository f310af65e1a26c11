// Package claude provides Internal-Representation to Claude SSE conversion.
package claude

import (
	"encoding/json"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// Converter turns the dialect-neutral ir.Event stream into Claude
// Messages-API SSE events. One Converter is good for one response stream.
type Converter struct {
	model            string
	messageID        string
	messageStartSent bool

	contentIndex     int
	blockOpen        bool
	blockIsToolUse   bool
	blockIsThinking  bool
	inputDeltaSent   bool
	hadToolUse       bool
	messageDeltaSent bool

	estimatedInputTokens int
	outputTokens         int
}

// NewConverter creates a new converter for the given model.
func NewConverter(model string) *Converter {
	return &Converter{
		model:     model,
		messageID: GenerateMessageID(),
	}
}

// NewConverterWithEstimate creates a converter with pre-estimated input tokens,
// used to populate message_start before the upstream has reported real usage.
func NewConverterWithEstimate(model string, estimatedInputTokens int) *Converter {
	return &Converter{
		model:                model,
		messageID:            GenerateMessageID(),
		estimatedInputTokens: estimatedInputTokens,
	}
}

// GetMessageID returns the generated message ID.
func (c *Converter) GetMessageID() string {
	return c.messageID
}

// GetStopReason returns the appropriate stop_reason based on what was processed.
func (c *Converter) GetStopReason() string {
	if c.hadToolUse {
		return "tool_use"
	}
	return "end_turn"
}

// Convert translates one ir.Event into zero or more Claude SSE events.
func (c *Converter) Convert(event ir.Event) ([]*SSEEvent, error) {
	switch event.Type {
	case ir.EventMessageStart:
		return c.convertMessageStart(event)
	case ir.EventTextDelta:
		return c.convertTextDelta(event)
	case ir.EventThinkingDelta:
		return c.convertThinkingDelta(event)
	case ir.EventToolUseStart:
		return c.convertToolUseStart(event)
	case ir.EventToolUseInputDelta:
		return c.convertToolUseInputDelta(event)
	case ir.EventToolUseStop:
		return c.convertToolUseStop()
	case ir.EventMessageDelta:
		return c.convertMessageDelta(event)
	case ir.EventMessageStop:
		return c.convertMessageStop(event)
	case ir.EventPing:
		return []*SSEEvent{{Type: "ping", Data: PingEvent{Type: "ping"}}}, nil
	case ir.EventError:
		return nil, nil
	default:
		return nil, nil
	}
}

func (c *Converter) convertMessageStart(event ir.Event) ([]*SSEEvent, error) {
	if c.messageStartSent {
		return nil, nil
	}
	c.messageStartSent = true

	inputTokens := event.Usage.InputTokens
	if inputTokens == 0 {
		inputTokens = c.estimatedInputTokens
	}
	distributed := DistributeTokens(inputTokens)

	msg := MessageStartEvent{
		Type: "message_start",
		Message: MessageStartMessage{
			ID:      c.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   c.model,
			Content: []interface{}{},
			Usage: SSEUsage{
				InputTokens:              distributed.InputTokens,
				OutputTokens:             0,
				CacheCreationInputTokens: distributed.CacheCreationInputTokens,
				CacheReadInputTokens:     distributed.CacheReadInputTokens,
			},
		},
	}
	return []*SSEEvent{{Type: "message_start", Data: msg}}, nil
}

// closeOpenBlock emits content_block_stop for whatever block is currently
// open, if any, advancing contentIndex so the next block starts fresh.
func (c *Converter) closeOpenBlock() []*SSEEvent {
	if !c.blockOpen {
		return nil
	}

	var events []*SSEEvent
	if c.blockIsToolUse && !c.inputDeltaSent {
		// Claude clients expect at least one input_json_delta per tool_use
		// block, even when the tool took no arguments.
		events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: c.contentIndex,
			Delta: DeltaBlock{Type: "input_json_delta", PartialJSON: "{}"},
		}})
	}

	events = append(events, &SSEEvent{Type: "content_block_stop", Data: ContentBlockStopEvent{
		Type:  "content_block_stop",
		Index: c.contentIndex,
	}})

	c.blockOpen = false
	c.blockIsToolUse = false
	c.blockIsThinking = false
	c.inputDeltaSent = false
	c.contentIndex++
	return events
}

func (c *Converter) ensureMessageStart() []*SSEEvent {
	if c.messageStartSent {
		return nil
	}
	evs, _ := c.convertMessageStart(ir.Event{Usage: ir.Usage{InputTokens: c.estimatedInputTokens}})
	return evs
}

func (c *Converter) convertTextDelta(event ir.Event) ([]*SSEEvent, error) {
	c.outputTokens += CountTextTokens(event.Text)

	var events []*SSEEvent
	events = append(events, c.ensureMessageStart()...)

	if !c.blockOpen {
		c.blockOpen = true
		events = append(events, &SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
			Type:         "content_block_start",
			Index:        c.contentIndex,
			ContentBlock: ContentStart{Type: "text", Text: ""},
		}})
	}

	events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: c.contentIndex,
		Delta: DeltaBlock{Type: "text_delta", Text: event.Text},
	}})
	return events, nil
}

func (c *Converter) convertThinkingDelta(event ir.Event) ([]*SSEEvent, error) {
	var events []*SSEEvent
	events = append(events, c.ensureMessageStart()...)

	if !c.blockOpen {
		c.blockOpen = true
		c.blockIsThinking = true
		events = append(events, &SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
			Type:         "content_block_start",
			Index:        c.contentIndex,
			ContentBlock: ContentStart{Type: "thinking", Thinking: ""},
		}})
	}

	events = append(events, &SSEEvent{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: c.contentIndex,
		Delta: DeltaBlock{Type: "thinking_delta", Text: event.Text},
	}})
	return events, nil
}

func (c *Converter) convertToolUseStart(event ir.Event) ([]*SSEEvent, error) {
	var events []*SSEEvent
	events = append(events, c.ensureMessageStart()...)
	events = append(events, c.closeOpenBlock()...)

	c.blockOpen = true
	c.blockIsToolUse = true
	c.hadToolUse = true

	events = append(events, &SSEEvent{Type: "content_block_start", Data: ContentBlockStartEvent{
		Type:  "content_block_start",
		Index: c.contentIndex,
		ContentBlock: ContentStart{
			Type:  "tool_use",
			ID:    event.ToolUseID,
			Name:  event.ToolName,
			Input: json.RawMessage("{}"),
		},
	}})
	return events, nil
}

func (c *Converter) convertToolUseInputDelta(event ir.Event) ([]*SSEEvent, error) {
	if !c.blockOpen || !c.blockIsToolUse {
		return nil, nil
	}
	c.outputTokens += CountTextTokens(event.InputDelta)
	c.inputDeltaSent = true

	return []*SSEEvent{{Type: "content_block_delta", Data: ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: c.contentIndex,
		Delta: DeltaBlock{Type: "input_json_delta", PartialJSON: event.InputDelta},
	}}}, nil
}

func (c *Converter) convertToolUseStop() ([]*SSEEvent, error) {
	return c.closeOpenBlock(), nil
}

func (c *Converter) convertMessageDelta(event ir.Event) ([]*SSEEvent, error) {
	if event.Usage.OutputTokens > 0 {
		c.outputTokens = event.Usage.OutputTokens
	}
	c.messageDeltaSent = true

	distributed := DistributeTokens(c.estimatedInputTokens)
	reason := string(event.StopReason)
	if reason == "" {
		reason = c.GetStopReason()
	}

	evt := MessageDeltaEvent{
		Type: "message_delta",
		Delta: MessageDeltaData{
			StopReason: reason,
		},
		Usage: SSEUsage{
			InputTokens:              distributed.InputTokens,
			OutputTokens:             c.outputTokens,
			CacheCreationInputTokens: distributed.CacheCreationInputTokens,
			CacheReadInputTokens:     distributed.CacheReadInputTokens,
		},
	}
	return []*SSEEvent{{Type: "message_delta", Data: evt}}, nil
}

func (c *Converter) convertMessageStop(event ir.Event) ([]*SSEEvent, error) {
	var events []*SSEEvent
	events = append(events, c.closeOpenBlock()...)
	if !c.messageDeltaSent {
		deltaEvents, _ := c.convertMessageDelta(ir.Event{StopReason: event.StopReason})
		events = append(events, deltaEvents...)
	}
	events = append(events, &SSEEvent{Type: "message_stop", Data: MessageStopEvent{Type: "message_stop"}})
	return events, nil
}

// ConvertUsage converts Kiro usage to Claude usage with token distribution.
func ConvertUsage(inputTokens, outputTokens int) Usage {
	distributed := DistributeTokens(inputTokens)
	return Usage{
		InputTokens:              distributed.InputTokens,
		OutputTokens:             outputTokens,
		CacheCreationInputTokens: distributed.CacheCreationInputTokens,
		CacheReadInputTokens:     distributed.CacheReadInputTokens,
	}
}

// GetFinalUsage returns the final usage after all events have been processed.
func (c *Converter) GetFinalUsage() Usage {
	distributed := DistributeTokens(c.estimatedInputTokens)
	return Usage{
		InputTokens:              distributed.InputTokens,
		OutputTokens:             c.outputTokens,
		CacheCreationInputTokens: distributed.CacheCreationInputTokens,
		CacheReadInputTokens:     distributed.CacheReadInputTokens,
	}
}

// HasOpenContentBlock returns true if there's an unclosed content block that
// the caller should close before ending the stream.
func (c *Converter) HasOpenContentBlock() bool {
	return c.blockOpen
}

// GetCurrentContentIndex returns the current content block index.
func (c *Converter) GetCurrentContentIndex() int {
	return c.contentIndex
}

// WasMessageDeltaEmitted returns true if a message_delta event already went out.
func (c *Converter) WasMessageDeltaEmitted() bool {
	return c.messageDeltaSent
}

// MarkContentBlockClosed marks the current content block as closed without
// emitting another SSE event, for callers that already sent one themselves.
func (c *Converter) MarkContentBlockClosed() {
	c.blockOpen = false
	c.blockIsToolUse = false
	c.blockIsThinking = false
}

// ContentDelivered returns true if any content reached the client.
func (c *Converter) ContentDelivered() bool {
	return c.messageStartSent
}
