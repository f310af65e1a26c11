// Package kiro provides HTTP client for Kiro API.
package kiro

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
)

// Client is an HTTP client for the Kiro API.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOptions configures the Kiro HTTP client.
type ClientOptions struct {
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Timeout             time.Duration
	Logger              *slog.Logger
}

// NewClient creates a new Kiro API client with connection pooling.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxIdleConns:        opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:     opts.MaxConns,
		IdleConnTimeout:     opts.IdleConnTimeout,
		DisableKeepAlives:   false,
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout, // 0 for streaming
		},
		logger: logger,
	}
}

// Request represents a request to the Kiro API.
type Request struct {
	Region     string
	ProfileARN string
	Token      string
	Body       []byte
	Metadata   map[string]string // forwarded as x-amz-meta-* headers
}

// SendStreamingRequest sends a streaming request to the Kiro API.
// It returns a reader for the response body that must be closed by the caller.
func (c *Client) SendStreamingRequest(ctx context.Context, req *Request) (io.ReadCloser, error) {
	// Build Kiro API URL
	url := buildKiroURL(req.Region)

	// Create HTTP request
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	httpReq.Header.Set("x-amz-profile-arn", req.ProfileARN)
	for k, v := range req.Metadata {
		httpReq.Header.Set("x-amz-meta-"+k, v)
	}

	c.logger.Debug("sending request to Kiro API",
		"url", url,
		"profile_arn", req.ProfileARN,
	)

	// Send request
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	// Check for error responses
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)

		c.logger.Warn("Kiro API error",
			"status", resp.StatusCode,
			"body", string(body),
		)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return resp.Body, nil
}

// APIError represents an error from the Kiro API.
type APIError struct {
	StatusCode int
	Body       []byte
}

// NewAPIErrorWithStatus builds an APIError without a real HTTP round trip,
// used when the account pool needs to synthesize one (e.g. a pre-flight
// rejection before the request ever reaches Kiro).
func NewAPIErrorWithStatus(statusCode int, body []byte) *APIError {
	return &APIError{StatusCode: statusCode, Body: body}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("Kiro API error: status %d, body: %s", e.StatusCode, string(e.Body))
}

// IsRateLimited returns true if this is a rate limit error (429).
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsForbidden returns true if this is an authorization error (403).
func (e *APIError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// IsPaymentRequired returns true if the account has exhausted its quota (402).
func (e *APIError) IsPaymentRequired() bool {
	return e.StatusCode == http.StatusPaymentRequired
}

// IsBadRequest returns true for a generic malformed-request rejection (400),
// excluding the context-too-long subtype IsContextTooLong identifies.
func (e *APIError) IsBadRequest() bool {
	return e.StatusCode == http.StatusBadRequest
}

// IsContextTooLong returns true when a 400 body indicates the prompt
// exceeded the model's context window, checked before the generic
// IsBadRequest classification.
func (e *APIError) IsContextTooLong() bool {
	if e.StatusCode != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(string(e.Body))
	return strings.Contains(body, "too long") || strings.Contains(body, "context length") || strings.Contains(body, "input is too long")
}

// IsOverloaded returns true if Kiro itself reports capacity exhaustion (503).
func (e *APIError) IsOverloaded() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// buildKiroURL builds the Kiro API URL for the given region.
func buildKiroURL(region string) string {
	// Default to us-east-1 if region is empty
	if region == "" {
		region = "us-east-1"
	}
	// Kiro uses AWS Q endpoint
	return fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region)
}

// BuildRequestBody converts a dialect-neutral ir.Request into Kiro's
// conversationState wire format, including tool specifications and
// tool-result turns. Only the first user turn carries the system prompt.
func BuildRequestBody(req *ir.Request, profileARN string) ([]byte, map[string]string, error) {
	kiroModel := mapModelToKiro(req.Model)

	var history []map[string]interface{}
	var current map[string]interface{}

	system := req.System
	for i, msg := range req.Messages {
		isLast := i == len(req.Messages)-1
		entry := buildConversationEntry(msg, kiroModel, system)
		if entry == nil {
			continue
		}
		if msg.Role == ir.RoleUser {
			system = ""
		}
		if isLast {
			current = entry
		} else {
			history = append(history, entry)
		}
	}
	if current == nil {
		current = map[string]interface{}{
			"userInputMessage": map[string]interface{}{
				"content": "",
				"modelId": kiroModel,
				"origin":  "AI_EDITOR",
			},
		}
	}

	conversationID := generateConversationID()
	conversationState := map[string]interface{}{
		"chatTriggerType": "MANUAL",
		"conversationId":  conversationID,
		"currentMessage":  current,
	}
	if len(history) > 0 {
		conversationState["history"] = history
	}
	if len(req.Tools) > 0 {
		if um, ok := current["userInputMessage"].(map[string]interface{}); ok {
			um["userInputMessageContext"] = map[string]interface{}{
				"toolSpecifications": toolSpecifications(req.Tools),
			}
		}
	}
	if profileARN != "" {
		conversationState["profileArn"] = profileARN
	}

	request := map[string]interface{}{"conversationState": conversationState}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal kiro request: %w", err)
	}

	metadata := map[string]string{"conversation-id": conversationID}
	return body, metadata, nil
}

func toolSpecifications(tools []ir.Tool) []map[string]interface{} {
	specs := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		var schema interface{}
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		specs = append(specs, map[string]interface{}{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": map[string]interface{}{"json": schema},
		})
	}
	return specs
}

func buildConversationEntry(msg ir.Message, kiroModel, system string) map[string]interface{} {
	content, toolResults := extractContent(msg)

	switch msg.Role {
	case ir.RoleUser:
		userMsg := map[string]interface{}{
			"content": content,
			"modelId": kiroModel,
			"origin":  "AI_EDITOR",
		}
		if system != "" {
			userMsg["userInputMessageContext"] = map[string]interface{}{"systemPrompt": system}
		}
		if len(toolResults) > 0 {
			ctx, _ := userMsg["userInputMessageContext"].(map[string]interface{})
			if ctx == nil {
				ctx = map[string]interface{}{}
			}
			ctx["toolResults"] = toolResults
			userMsg["userInputMessageContext"] = ctx
		}
		return map[string]interface{}{"userInputMessage": userMsg}
	case ir.RoleAssistant:
		asst := map[string]interface{}{"content": content}
		if toolUses := extractToolUses(msg); len(toolUses) > 0 {
			asst["toolUses"] = toolUses
		}
		return map[string]interface{}{"assistantResponseMessage": asst}
	default:
		return nil
	}
}

func extractContent(msg ir.Message) (string, []map[string]interface{}) {
	var text string
	var toolResults []map[string]interface{}
	for _, block := range msg.Content {
		switch block.Type {
		case ir.BlockText:
			text += block.Text
		case ir.BlockToolResult:
			status := "success"
			if block.ToolResultError {
				status = "error"
			}
			toolResults = append(toolResults, map[string]interface{}{
				"toolUseId": block.ToolResultForID,
				"status":    status,
				"content":   []map[string]string{{"text": block.ToolResultText}},
			})
		}
	}
	return text, toolResults
}

func extractToolUses(msg ir.Message) []map[string]interface{} {
	var uses []map[string]interface{}
	for _, block := range msg.Content {
		if block.Type != ir.BlockToolUse {
			continue
		}
		var input interface{}
		if len(block.ToolInput) > 0 {
			_ = json.Unmarshal(block.ToolInput, &input)
		}
		// Kiro rejects the whole request ("Improperly formed request") when
		// a history tool use carries a nil or empty input object.
		if input == nil {
			continue
		}
		if m, ok := input.(map[string]interface{}); ok && len(m) == 0 {
			continue
		}
		uses = append(uses, map[string]interface{}{
			"toolUseId": block.ToolUseID,
			"name":      block.ToolName,
			"input":     input,
		})
	}
	return uses
}

// mapModelToKiro maps Claude model names to Kiro model IDs.
// Haiku/Opus use lowercase dot format, Sonnet uses uppercase format.
func mapModelToKiro(model string) string {
	modelMapping := map[string]string{
		// Haiku models - lowercase dot format
		"claude-haiku-4-5":          "claude-haiku-4.5",
		"claude-haiku-4-5-20251001": "claude-haiku-4.5",
		// Opus models - lowercase dot format
		"claude-opus-4-5":          "claude-opus-4.5",
		"claude-opus-4-5-20251101": "claude-opus-4.5",
		// Sonnet models - uppercase format
		"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
		"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
		"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	}

	if kiroModel, ok := modelMapping[model]; ok {
		return kiroModel
	}
	// Default to sonnet if unknown
	return "CLAUDE_SONNET_4_5_20250929_V1_0"
}

// generateConversationID generates a unique conversation ID.
func generateConversationID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Close closes the client and releases resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
