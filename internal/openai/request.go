package openai

import (
	"encoding/json"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// ToIRRequest translates a parsed OpenAI chat completion request into the
// dialect-neutral ir.Request that the account pool/upstream pipeline speaks.
func ToIRRequest(req *ChatCompletionRequest) (*ir.Request, error) {
	var system string
	messages := make([]ir.Message, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			if system != "" {
				system += "\n\n"
			}
			system += msg.GetContentString()
		case "tool":
			messages = append(messages, ir.Message{
				Role: ir.RoleUser,
				Content: []ir.Block{{
					Type:            ir.BlockToolResult,
					ToolResultForID: msg.ToolCallID,
					ToolResultText:  msg.GetContentString(),
				}},
			})
		case "assistant":
			blocks, err := contentToBlocks(msg.Content)
			if err != nil {
				return nil, err
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, ir.Block{
					Type:      ir.BlockToolUse,
					ToolUseID: tc.ID,
					ToolName:  tc.Function.Name,
					ToolInput: json.RawMessage(argumentsOrEmpty(tc.Function.Arguments)),
				})
			}
			messages = append(messages, ir.Message{Role: ir.RoleAssistant, Content: blocks})
		default: // "user"
			blocks, err := contentToBlocks(msg.Content)
			if err != nil {
				return nil, err
			}
			messages = append(messages, ir.Message{Role: ir.RoleUser, Content: blocks})
		}
	}

	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens > 0 {
		maxTokens = req.MaxCompletionTokens
	}

	irReq := &ir.Request{
		Model:       req.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        parseStop(req.Stop),
		Tools:       toIRTools(req.Tools),
		ToolChoice:  toIRToolChoice(req.ToolChoice),
	}
	return irReq, nil
}

func argumentsOrEmpty(args string) string {
	if args == "" {
		return "{}"
	}
	return args
}

// contentToBlocks parses a message's content (string or []ContentPart) into
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

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil, err
	}

	out := make([]ir.Block, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, ir.Block{Type: ir.BlockText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				mediaType, data := splitDataURL(p.ImageURL.URL)
				if data != "" {
					out = append(out, ir.Block{Type: ir.BlockImage, ImageMediaType: mediaType, ImageData: data})
				} else {
					out = append(out, ir.Block{Type: ir.BlockImage, ImageURL: p.ImageURL.URL})
				}
			}
		}
	}
	return out, nil
}

// splitDataURL splits a "data:<mediaType>;base64,<data>" URI into its parts.
// Returns ("", "") for plain http(s) URLs, which callers fall back to
// ImageURL for.
func splitDataURL(url string) (mediaType, data string) {
	const prefix = "data:"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return "", ""
	}
	rest := url[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ',' {
			header := rest[:i]
			const b64Suffix = ";base64"
			if len(header) >= len(b64Suffix) && header[len(header)-len(b64Suffix):] == b64Suffix {
				return header[:len(header)-len(b64Suffix)], rest[i+1:]
			}
			return header, rest[i+1:]
		}
	}
	return "", ""
}

func toIRTools(tools []Tool) []ir.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ir.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		out = append(out, ir.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out
}

func toIRToolChoice(raw json.RawMessage) *ir.ToolChoice {
	if len(raw) == 0 {
		return nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "none":
			return &ir.ToolChoice{Mode: ir.ToolChoiceNone}
		case "required":
			return &ir.ToolChoice{Mode: ir.ToolChoiceAny}
		default: // "auto"
			return &ir.ToolChoice{Mode: ir.ToolChoiceAuto}
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &ir.ToolChoice{Mode: ir.ToolChoiceSpecific, Name: obj.Function.Name}
	}
	return &ir.ToolChoice{Mode: ir.ToolChoiceAuto}
}

// parseStop parses the OpenAI "stop" field, which may be a bare string or an
// array of strings.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}
