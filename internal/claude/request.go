// Package claude provides translation between the Claude Messages API wire
// format and the dialect-neutral internal representation.
package claude

import (
	"encoding/json"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// ToIRRequest translates a parsed Claude Messages request into the
// dialect-neutral ir.Request that the account pool/upstream pipeline speaks.
func ToIRRequest(req *MessageRequest) (*ir.Request, error) {
	messages := make([]ir.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		blocks, err := contentToBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		role := ir.RoleUser
		if msg.Role == "assistant" {
			role = ir.RoleAssistant
		}
		messages = append(messages, ir.Message{Role: role, Content: blocks})
	}

	irReq := &ir.Request{
		Model:       req.Model,
		System:      req.GetSystemString(),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
		Tools:       toIRTools(req.Tools),
		ToolChoice:  toIRToolChoice(req.ToolChoice),
	}
	return irReq, nil
}

func toIRTools(tools []Tool) []ir.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ir.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, ir.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func toIRToolChoice(tc *ToolChoice) *ir.ToolChoice {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "any":
		return &ir.ToolChoice{Mode: ir.ToolChoiceAny}
	case "tool":
		return &ir.ToolChoice{Mode: ir.ToolChoiceSpecific, Name: tc.Name}
	case "none":
		return &ir.ToolChoice{Mode: ir.ToolChoiceNone}
	default:
		return &ir.ToolChoice{Mode: ir.ToolChoiceAuto}
	}
}

// contentToBlocks parses a message's content (string or []ContentBlock) into
// dialect-neutral blocks.
func contentToBlocks(content json.RawMessage) ([]ir.Block, error) {
	if len(content) == 0 {
		return nil, nil
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		if str == "" {
			return nil, nil
		}
		return []ir.Block{{Type: ir.BlockText, Text: str}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, err
	}

	out := make([]ir.Block, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, ir.Block{Type: ir.BlockText, Text: b.Text})
		case "image":
			if b.Source != nil {
				out = append(out, ir.Block{
					Type:           ir.BlockImage,
					ImageMediaType: b.Source.MediaType,
					ImageData:      b.Source.Data,
				})
			}
		case "tool_use":
			out = append(out, ir.Block{
				Type:      ir.BlockToolUse,
				ToolUseID: b.ID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		case "tool_result":
			out = append(out, ir.Block{
				Type:            ir.BlockToolResult,
				ToolResultForID: b.ToolUseID,
				ToolResultText:  extractToolResultText(b.Content),
				ToolResultError: b.IsError,
			})
		case "thinking":
			out = append(out, ir.Block{Type: ir.BlockThinking, ThinkingText: b.Thinking})
		}
	}
	return out, nil
}

// extractToolResultText flattens a tool_result block's content (string or
// nested content blocks) down to plain text for upstream transmission.
func extractToolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var str string
	if err := json.Unmarshal(content, &str); err == nil {
		return str
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var result string
		for _, b := range blocks {
			if b.Type == "text" {
				result += b.Text
			}
		}
		return result
	}

	return string(content)
}
