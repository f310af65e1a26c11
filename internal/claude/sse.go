// Package claude provides SSE (Server-Sent Events) writing for the Claude
// Messages dialect. The Converter reduces the upstream ir.Event stream to a
// sequence of SSEEvent values; SSEWriter is the transport that puts them on
// the wire.
package claude

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

// bufferPool provides reusable buffers for JSON encoding to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// SSEEvent is one named event produced by the Converter, ready to write.
type SSEEvent struct {
	Type string
	Data interface{}
}

// SSEWriter writes Server-Sent Events to an HTTP response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}
}

// WriteHeaders sets the appropriate headers for SSE streaming.
func (s *SSEWriter) WriteHeaders() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

// WriteEvent writes an SSE event with the given type and data.
func (s *SSEWriter) WriteEvent(eventType string, data interface{}) error {
	// Get buffer from pool to reduce allocations
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	// Write event type directly
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteString("\ndata: ")

	// Encode JSON directly to buffer (avoids intermediate allocation)
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false) // Avoid extra allocations for HTML escaping
	if err := encoder.Encode(data); err != nil {
		return err
	}

	// json.Encoder.Encode adds a newline, so we just need one more for SSE format
	buf.WriteByte('\n')

	// Write entire buffer at once
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}

	// Flush immediately
	s.flush()
	return nil
}

// WriteEvents writes a Converter-produced batch in order, stopping at the
// first write failure.
func (s *SSEWriter) WriteEvents(events []*SSEEvent) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := s.WriteEvent(e.Type, e.Data); err != nil {
			return err
		}
	}
	return nil
}

// WriteContentBlockStop writes a content_block_stop event, used by the
// handler to close a block the upstream left open at end of stream.
func (s *SSEWriter) WriteContentBlockStop(index int) error {
	event := ContentBlockStopEvent{
		Type:  "content_block_stop",
		Index: index,
	}

	return s.WriteEvent("content_block_stop", event)
}

// WriteMessageStop writes a message_stop event.
func (s *SSEWriter) WriteMessageStop() error {
	event := MessageStopEvent{
		Type: "message_stop",
	}

	return s.WriteEvent("message_stop", event)
}

// WritePing writes a ping event for keep-alive.
func (s *SSEWriter) WritePing() error {
	event := PingEvent{
		Type: "ping",
	}

	return s.WriteEvent("ping", event)
}

// WriteError writes an error event.
func (s *SSEWriter) WriteError(apiErr *APIError) error {
	event := ErrorEvent{
		Type: "error",
		Error: ErrorBlock{
			Type:    string(apiErr.Type),
			Message: apiErr.Message,
		},
	}

	return s.WriteEvent("error", event)
}

// flush flushes the response writer if it supports flushing.
func (s *SSEWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// ===========================================================================
// SSE event payloads - strongly typed to avoid map[string]interface{}
// allocations on the hot path
// ===========================================================================

// MessageStartEvent represents a message_start SSE event.
type MessageStartEvent struct {
	Type    string              `json:"type"` // Always "message_start"
	Message MessageStartMessage `json:"message"`
}

// MessageStartMessage is the message object in message_start events.
type MessageStartMessage struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"` // Always "message"
	Role    string        `json:"role"` // Always "assistant"
	Model   string        `json:"model"`
	Content []interface{} `json:"content"` // Empty array
	Usage   SSEUsage      `json:"usage"`
}

// SSEUsage represents usage in SSE events (with all cache fields).
type SSEUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContentBlockStartEvent represents a content_block_start SSE event.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"` // Always "content_block_start"
	Index        int          `json:"index"`
	ContentBlock ContentStart `json:"content_block"`
}

// ContentStart is the content_block object in content_block_start events.
type ContentStart struct {
	Type     string `json:"type"` // "text", "tool_use", "thinking"
	Text     string `json:"text,omitempty"`
	ID       string `json:"id,omitempty"`       // For tool_use
	Name     string `json:"name,omitempty"`     // For tool_use
	Input    any    `json:"input,omitempty"`    // For tool_use
	Thinking string `json:"thinking,omitempty"` // For thinking
}

// ContentBlockDeltaEvent represents a content_block_delta SSE event.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"` // Always "content_block_delta"
	Index int        `json:"index"`
	Delta DeltaBlock `json:"delta"`
}

// DeltaBlock is the delta object in content_block_delta events.
type DeltaBlock struct {
	Type        string `json:"type"`                   // "text_delta", "thinking_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`         // For text_delta and thinking_delta
	PartialJSON string `json:"partial_json,omitempty"` // For input_json_delta (tool inputs)
}

// ContentBlockStopEvent represents a content_block_stop SSE event.
type ContentBlockStopEvent struct {
	Type  string `json:"type"` // Always "content_block_stop"
	Index int    `json:"index"`
}

// MessageDeltaEvent represents a message_delta SSE event.
type MessageDeltaEvent struct {
	Type  string           `json:"type"` // Always "message_delta"
	Delta MessageDeltaData `json:"delta"`
	Usage SSEUsage         `json:"usage"`
}

// MessageDeltaData is the delta object in message_delta events.
type MessageDeltaData struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// MessageStopEvent represents a message_stop SSE event.
type MessageStopEvent struct {
	Type string `json:"type"` // Always "message_stop"
}

// PingEvent represents a ping SSE event.
type PingEvent struct {
	Type string `json:"type"` // Always "ping"
}

// ErrorEvent represents an error SSE event.
type ErrorEvent struct {
	Type  string     `json:"type"` // Always "error"
	Error ErrorBlock `json:"error"`
}

// ErrorBlock is the error object in error events.
type ErrorBlock struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
