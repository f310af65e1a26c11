package kiro

import (
	"encoding/json"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// Decoder turns the sequence of KiroChunk values read off the event stream
// into dialect-neutral ir.Events. It carries just enough state to know
// whether a tool_use block is currently open; it runs once, upstream of
// either client dialect.
type Decoder struct {
	messageStarted bool
	inToolUse      bool
	hadToolUse     bool
	toolUseIndex   int

	estimatedInputTokens int
	outputTokens         int
}

// NewDecoder creates a Decoder. estimatedInputTokens seeds the usage
// reported on message_start before Kiro's own accounting arrives.
func NewDecoder(estimatedInputTokens int) *Decoder {
	return &Decoder{estimatedInputTokens: estimatedInputTokens}
}

// Decode consumes one KiroChunk and returns zero or more ir.Events.
func (d *Decoder) Decode(chunk *KiroChunk) []ir.Event {
	var events []ir.Event

	if !d.messageStarted {
		d.messageStarted = true
		inputTokens := d.estimatedInputTokens
		if chunk.Message != nil && chunk.Message.Usage != nil && chunk.Message.Usage.InputTokens > 0 {
			inputTokens = chunk.Message.Usage.InputTokens
		}
		events = append(events, ir.Event{
			Type:  ir.EventMessageStart,
			Usage: ir.Usage{InputTokens: inputTokens},
		})
	}

	switch {
	case chunk.Name != "" && chunk.ToolUseID != "":
		events = append(events, d.decodeToolUse(chunk)...)
	case chunk.Type != "":
		events = append(events, d.decodeLegacy(chunk)...)
	default:
		events = append(events, d.decodeSimple(chunk)...)
	}

	if chunk.ContextUsagePercentage != nil {
		events = append(events, ir.Event{
			Type:  ir.EventMessageDelta,
			Usage: ir.Usage{OutputTokens: d.outputTokens},
		})
	}

	return events
}

func (d *Decoder) decodeSimple(chunk *KiroChunk) []ir.Event {
	var events []ir.Event
	if chunk.Content != "" {
		d.outputTokens += estimateTokens(chunk.Content)
		events = append(events, ir.Event{Type: ir.EventTextDelta, Text: chunk.Content})
	}
	if chunk.Stop {
		events = append(events, d.closeStream())
	}
	return events
}

func (d *Decoder) decodeToolUse(chunk *KiroChunk) []ir.Event {
	var events []ir.Event
	if !d.inToolUse {
		d.inToolUse = true
		d.hadToolUse = true
		d.toolUseIndex++
		events = append(events, ir.Event{
			Type:         ir.EventToolUseStart,
			ToolUseIndex: d.toolUseIndex,
			ToolUseID:    chunk.ToolUseID,
			ToolName:     chunk.Name,
		})
	}
	if chunk.Input != "" {
		events = append(events, ir.Event{
			Type:         ir.EventToolUseInputDelta,
			ToolUseIndex: d.toolUseIndex,
			InputDelta:   chunk.Input,
		})
	}
	if chunk.Stop {
		events = append(events, ir.Event{Type: ir.EventToolUseStop, ToolUseIndex: d.toolUseIndex})
		d.inToolUse = false
	}
	return events
}

// decodeLegacy handles the Claude-SSE-shaped chunks some Kiro backends emit
// directly (type: content_block_delta, message_delta, ...).
func (d *Decoder) decodeLegacy(chunk *KiroChunk) []ir.Event {
	switch chunk.Type {
	case "content_block_delta":
		if chunk.Delta == nil {
			return nil
		}
		if chunk.Delta.Type == "thinking_delta" {
			return []ir.Event{{Type: ir.EventThinkingDelta, Text: chunk.Delta.Text}}
		}
		d.outputTokens += estimateTokens(chunk.Delta.Text)
		return []ir.Event{{Type: ir.EventTextDelta, Text: chunk.Delta.Text}}
	case "content_block_start":
		if chunk.ContentBlock == nil || chunk.ContentBlock.Type != "tool_use" {
			return nil
		}
		d.inToolUse = true
		d.hadToolUse = true
		d.toolUseIndex++
		return []ir.Event{{
			Type:         ir.EventToolUseStart,
			ToolUseIndex: d.toolUseIndex,
			ToolUseID:    chunk.ContentBlock.ID,
			ToolName:     chunk.ContentBlock.Name,
		}}
	case "content_block_stop":
		if !d.inToolUse {
			return nil
		}
		d.inToolUse = false
		return []ir.Event{{Type: ir.EventToolUseStop, ToolUseIndex: d.toolUseIndex}}
	case "message_delta":
		reason := d.stopReason()
		if chunk.Delta != nil && chunk.Delta.StopReason != "" {
			reason = ir.StopReason(chunk.Delta.StopReason)
		}
		if len(chunk.Usage) > 0 {
			var u KiroUsage
			if err := json.Unmarshal(chunk.Usage, &u); err == nil && u.OutputTokens > 0 {
				d.outputTokens = u.OutputTokens
			}
		}
		return []ir.Event{{Type: ir.EventMessageDelta, StopReason: reason, Usage: ir.Usage{OutputTokens: d.outputTokens}}}
	case "message_stop":
		return []ir.Event{d.closeStream()}
	default:
		return nil
	}
}

func (d *Decoder) closeStream() ir.Event {
	return ir.Event{Type: ir.EventMessageStop, StopReason: d.stopReason()}
}

func (d *Decoder) stopReason() ir.StopReason {
	if d.hadToolUse {
		return ir.StopToolUse
	}
	return ir.StopEndTurn
}

// estimateTokens is a rough 4-bytes-per-token heuristic for output tokens;
// only a relayed message_delta carrying usage replaces the running estimate.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// ParsePayload unmarshals one AWS event stream message payload into a
// KiroChunk.
func ParsePayload(payload []byte) (*KiroChunk, error) {
	var chunk KiroChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}
