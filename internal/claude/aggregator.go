// Package claude provides response aggregation for non-streaming requests.
package claude

import (
	"encoding/json"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// Aggregator collects a stream of ir.Events into one complete Claude response.
type Aggregator struct {
	model      string
	messageID  string
	role       string
	content    []ContentBlock
	stopReason string
	stopSeq    *string

	estimatedInputTokens int
	outputTokens         int

	currentBlockIndex    int
	currentBlockType     string
	currentBlockText     string
	currentBlockID       string
	currentBlockName     string
	currentBlockInputStr string
}

// NewAggregator creates a new response aggregator.
func NewAggregator(model string) *Aggregator {
	return &Aggregator{
		model:             model,
		messageID:         GenerateMessageID(),
		role:              "assistant",
		currentBlockIndex: -1,
	}
}

// NewAggregatorWithEstimate creates an aggregator with pre-estimated input tokens.
func NewAggregatorWithEstimate(model string, estimatedInputTokens int) *Aggregator {
	return &Aggregator{
		model:                model,
		messageID:            GenerateMessageID(),
		role:                 "assistant",
		currentBlockIndex:    -1,
		estimatedInputTokens: estimatedInputTokens,
	}
}

// Add processes one ir.Event and folds it into the aggregated response.
func (a *Aggregator) Add(event ir.Event) error {
	switch event.Type {
	case ir.EventMessageStart:
		// Usage at message_start is the seeded estimate; final input tokens
		// are taken from the estimate at Build time regardless, so nothing
		// to record here beyond what NewAggregatorWithEstimate already holds.

	case ir.EventTextDelta:
		if a.currentBlockType != "" && a.currentBlockType != "text" {
			a.finishCurrentBlock()
		}
		if a.currentBlockIndex < 0 {
			a.currentBlockIndex = len(a.content)
			a.currentBlockType = "text"
		}
		a.currentBlockText += event.Text

	case ir.EventThinkingDelta:
		if a.currentBlockType != "" && a.currentBlockType != "thinking" {
			a.finishCurrentBlock()
		}
		if a.currentBlockIndex < 0 {
			a.currentBlockIndex = len(a.content)
			a.currentBlockType = "thinking"
		}
		a.currentBlockText += event.Text

	case ir.EventToolUseStart:
		a.finishCurrentBlock()
		a.currentBlockIndex = len(a.content)
		a.currentBlockType = "tool_use"
		a.currentBlockID = event.ToolUseID
		a.currentBlockName = event.ToolName

	case ir.EventToolUseInputDelta:
		a.currentBlockInputStr += event.InputDelta

	case ir.EventToolUseStop:
		a.finishCurrentBlock()

	case ir.EventMessageDelta:
		if event.StopReason != "" {
			a.stopReason = string(event.StopReason)
		}
		if event.Usage.OutputTokens > 0 {
			a.outputTokens = event.Usage.OutputTokens
		}

	case ir.EventMessageStop:
		a.finishCurrentBlock()
		if event.StopReason != "" {
			a.stopReason = string(event.StopReason)
		}
	}

	return nil
}

// finishCurrentBlock adds the current block to content if valid.
func (a *Aggregator) finishCurrentBlock() {
	if a.currentBlockIndex < 0 {
		return
	}

	block := ContentBlock{Type: a.currentBlockType}
	switch a.currentBlockType {
	case "text":
		block.Text = a.currentBlockText
	case "tool_use":
		block.ID = a.currentBlockID
		block.Name = a.currentBlockName
		block.Input = a.validateAndGetInput()
	case "thinking":
		block.Thinking = a.currentBlockText
	}

	for len(a.content) <= a.currentBlockIndex {
		a.content = append(a.content, ContentBlock{})
	}
	a.content[a.currentBlockIndex] = block

	a.currentBlockIndex = -1
	a.currentBlockType = ""
	a.currentBlockText = ""
	a.currentBlockID = ""
	a.currentBlockName = ""
	a.currentBlockInputStr = ""
}

// validateAndGetInput validates the accumulated input string as JSON.
// If invalid, wraps it in {"raw_arguments": "..."} as a fallback.
func (a *Aggregator) validateAndGetInput() json.RawMessage {
	if a.currentBlockInputStr == "" {
		return json.RawMessage("{}")
	}

	var js json.RawMessage
	if err := json.Unmarshal([]byte(a.currentBlockInputStr), &js); err == nil {
		return js
	}

	wrapped := map[string]string{"raw_arguments": a.currentBlockInputStr}
	result, err := json.Marshal(wrapped)
	if err != nil {
		return json.RawMessage("{}")
	}
	return result
}

// Build creates the final MessageResponse.
func (a *Aggregator) Build() *MessageResponse {
	a.finishCurrentBlock()

	outputTokens := a.outputTokens
	if outputTokens == 0 {
		outputTokens = CountTextTokens(a.outputText())
	}

	distributed := DistributeTokens(a.estimatedInputTokens)

	stopReason := a.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	return &MessageResponse{
		ID:           a.messageID,
		Type:         "message",
		Role:         a.role,
		Content:      a.content,
		Model:        a.model,
		StopReason:   stopReason,
		StopSequence: a.stopSeq,
		Usage: Usage{
			InputTokens:              distributed.InputTokens,
			OutputTokens:             outputTokens,
			CacheCreationInputTokens: distributed.CacheCreationInputTokens,
			CacheReadInputTokens:     distributed.CacheReadInputTokens,
		},
	}
}

// outputText recomputes accumulated output text across all finished blocks,
// used only as a token-count fallback when the upstream never reported usage.
func (a *Aggregator) outputText() string {
	var total string
	for _, b := range a.content {
		switch b.Type {
		case "text", "thinking":
			total += b.Text + b.Thinking
		case "tool_use":
			total += string(b.Input)
		}
	}
	return total
}

// GetMessageID returns the generated message ID.
func (a *Aggregator) GetMessageID() string {
	return a.messageID
}
