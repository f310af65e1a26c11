// Package kiro is the upstream client: request building, token refresh,
// AWS event-stream decoding, and the chunk shapes Kiro emits.
package kiro

import "encoding/json"

// KiroChunk is one decoded payload off the event stream. Kiro mostly emits
// the flat content/tool fields; the typed fields below them appear when it
// relays Claude-style structured events instead.
type KiroChunk struct {
	// Content field - the main text content
	Content string `json:"content,omitempty"`

	// Tool use fields
	Name      string `json:"name,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`

	// Followup prompt, dropped during decoding
	FollowupPrompt interface{} `json:"followupPrompt,omitempty"`

	// Usage, either a bare number or an object
	Usage json.RawMessage `json:"usage,omitempty"`

	// Context usage percentage, sent at end of stream; the decoder only uses
	// its presence to emit a usage delta with the estimated output tokens
	ContextUsagePercentage *float64 `json:"contextUsagePercentage,omitempty"`

	// Claude-style structured fields, present on relayed events
	Type         string            `json:"type,omitempty"`
	Message      *KiroMessage      `json:"message,omitempty"`
	Index        *int              `json:"index,omitempty"`
	ContentBlock *KiroContentBlock `json:"content_block,omitempty"`
	Delta        *KiroDelta        `json:"delta,omitempty"`
	StopReason   string            `json:"stop_reason,omitempty"`
	StopSequence *string           `json:"stop_sequence,omitempty"`
	Thinking     *string           `json:"thinking,omitempty"`
}

// KiroMessage is the message object of a messageStart chunk.
type KiroMessage struct {
	ID    string     `json:"id,omitempty"`
	Type  string     `json:"type,omitempty"`
	Role  string     `json:"role,omitempty"`
	Model string     `json:"model,omitempty"`
	Usage *KiroUsage `json:"usage,omitempty"`
}

// KiroContentBlock is a structured content block on a relayed event.
type KiroContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// For tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// KiroDelta is the delta object on a relayed streaming event.
type KiroDelta struct {
	Type         string  `json:"type,omitempty"` // "text_delta", "thinking_delta"
	Text         string  `json:"text,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// KiroUsage is structured token accounting on a relayed event.
type KiroUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AWSEventMessage is one decoded frame of the AWS event-stream binary
// format: a CRC-checked prelude, string headers, and the JSON payload.
type AWSEventMessage struct {
	// Prelude (12 bytes)
	TotalLength   uint32
	HeadersLength uint32
	PreludeCRC    uint32

	// Headers (variable)
	Headers map[string]HeaderValue

	// Payload (variable)
	Payload []byte

	// CRC (4 bytes)
	MessageCRC uint32
}

// HeaderValue is one decoded event-stream header.
type HeaderValue struct {
	Type  byte // 7 = string
	Value string
}

// Event-stream header value types (only strings appear in practice)
const (
	HeaderTypeString = 7
)

// Well-known event-stream header names
const (
	HeaderMessageType = ":message-type"
	HeaderEventType   = ":event-type"
	HeaderContentType = ":content-type"
)

// Values of the :message-type header
const (
	MessageTypeEvent     = "event"
	MessageTypeException = "exception"
)

// Values of the :event-type header
const (
	EventTypeChunk             = "chunk"
	EventTypeMessageStart      = "messageStart"
	EventTypeContentBlockStart = "contentBlockStart"
	EventTypeContentBlockDelta = "contentBlockDelta"
	EventTypeContentBlockStop  = "contentBlockStop"
	EventTypeMessageDelta      = "messageDelta"
	EventTypeMessageComplete   = "messageComplete"
	EventTypeMessageStop       = "messageStop"
)
