// Package openai provides response aggregation for non-streaming requests.
package openai

import (
	"encoding/json"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// Aggregator collects a stream of ir.Events into one complete chat
// completion response.
type Aggregator struct {
	model        string
	completionID string

	text         string
	toolCalls    []ToolCall
	currentArgs  string
	inToolCall   bool
	finishReason string

	estimatedInputTokens int
	outputTokens         int
}

// NewAggregator creates a new response aggregator.
func NewAggregator(model string) *Aggregator {
	return NewAggregatorWithEstimate(model, 0)
}

// NewAggregatorWithEstimate creates an aggregator with pre-estimated input tokens.
func NewAggregatorWithEstimate(model string, estimatedInputTokens int) *Aggregator {
	return &Aggregator{
		model:                model,
		completionID:         GenerateCompletionID(),
		estimatedInputTokens: estimatedInputTokens,
	}
}

// Add processes one ir.Event and folds it into the aggregated response.
func (a *Aggregator) Add(event ir.Event) error {
	switch event.Type {
	case ir.EventTextDelta:
		a.text += event.Text

	case ir.EventToolUseStart:
		a.finishCurrentToolCall()
		a.inToolCall = true
		a.toolCalls = append(a.toolCalls, ToolCall{
			ID:       event.ToolUseID,
			Type:     "function",
			Function: FunctionCall{Name: event.ToolName},
		})

	case ir.EventToolUseInputDelta:
		if a.inToolCall {
			a.currentArgs += event.InputDelta
		}

	case ir.EventToolUseStop:
		a.finishCurrentToolCall()

	case ir.EventMessageDelta:
		if event.StopReason != "" {
			a.finishReason = mapStopReason(event.StopReason)
		}
		if event.Usage.OutputTokens > 0 {
			a.outputTokens = event.Usage.OutputTokens
		}

	case ir.EventMessageStop:
		a.finishCurrentToolCall()
		if event.StopReason != "" {
			a.finishReason = mapStopReason(event.StopReason)
		}
	}

	return nil
}

// finishCurrentToolCall seals the arguments of the tool call being
// accumulated, normalizing empty or invalid JSON to "{}".
func (a *Aggregator) finishCurrentToolCall() {
	if !a.inToolCall || len(a.toolCalls) == 0 {
		return
	}
	args := a.currentArgs
	if args == "" {
		args = "{}"
	} else if !json.Valid([]byte(args)) {
		wrapped, err := json.Marshal(map[string]string{"raw_arguments": args})
		if err != nil {
			args = "{}"
		} else {
			args = string(wrapped)
		}
	}
	a.toolCalls[len(a.toolCalls)-1].Function.Arguments = args
	a.currentArgs = ""
	a.inToolCall = false
}

// Build creates the final ChatCompletionResponse.
func (a *Aggregator) Build() *ChatCompletionResponse {
	a.finishCurrentToolCall()

	outputTokens := a.outputTokens
	if outputTokens == 0 {
		outputTokens = countTextTokens(a.text)
		for _, tc := range a.toolCalls {
			outputTokens += countTextTokens(tc.Function.Arguments)
		}
	}

	finishReason := a.finishReason
	if finishReason == "" {
		if len(a.toolCalls) > 0 {
			finishReason = "tool_calls"
		} else {
			finishReason = "stop"
		}
	}

	msg := ResponseMsg{Role: "assistant", ToolCalls: a.toolCalls}
	if a.text != "" || len(a.toolCalls) == 0 {
		text := a.text
		msg.Content = &text
	}

	return &ChatCompletionResponse{
		ID:      a.completionID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   a.model,
		Choices: []Choice{{Index: 0, Message: msg, FinishReason: finishReason}},
		Usage: Usage{
			PromptTokens:     a.estimatedInputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      a.estimatedInputTokens + outputTokens,
		},
	}
}

// GetCompletionID returns the generated completion ID.
func (a *Aggregator) GetCompletionID() string {
	return a.completionID
}
