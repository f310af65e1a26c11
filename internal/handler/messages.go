// Package handler provides HTTP handlers for the Kiro server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/account"
	"github.com/kiroproxy/kiro-proxy/internal/claude"
	"github.com/kiroproxy/kiro-proxy/internal/debug"
	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/google/uuid"
)

// MessagesHandler handles POST /v1/messages requests.
type MessagesHandler struct {
	pool         *account.Pool
	logger       *slog.Logger
	debugDumper  *debug.Dumper
	systemPrompt string
}

// MessagesHandlerOptions configures the messages handler.
type MessagesHandlerOptions struct {
	Pool         *account.Pool
	Logger       *slog.Logger
	SystemPrompt string
}

// NewMessagesHandler creates a new messages handler.
func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debugDumper := debug.NewDumper()
	if debugDumper.Enabled() {
		logger.Info("debug dumper enabled", "dir", "/tmp/kiro-debug")
	}

	return &MessagesHandler{
		pool:         opts.Pool,
		logger:       logger,
		debugDumper:  debugDumper,
		systemPrompt: opts.SystemPrompt,
	}
}

// ServeHTTP handles the messages request.
func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get("x-request-id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	debugSession := h.debugDumper.NewSession(sessionID)
	defer func() {
		if debugSession != nil {
			debugSession.Close()
		}
	}()

	var req claude.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, claude.NewInvalidRequestError("Invalid JSON: "+err.Error()))
		return
	}

	if debugSession != nil {
		debugSession.SetDialect("claude")
		debugSession.SetModel(req.Model)
		debugSession.DumpRequestJSON(&req)
	}

	h.logger.Debug("received request", "model", req.Model, "session_id", sessionID)

	if err := h.validateRequest(&req); err != nil {
		h.writeError(w, err)
		return
	}

	irReq, err := claude.ToIRRequest(&req)
	if err != nil {
		if debugSession != nil {
			debugSession.SetError(err)
			debugSession.Fail(err)
		}
		h.writeError(w, claude.NewInvalidRequestError("invalid message content: "+err.Error()))
		return
	}
	irReq.System = injectSystemPrompt(h.systemPrompt, irReq.System)

	if req.Stream {
		h.handleStreaming(ctx, w, &req, irReq, debugSession)
	} else {
		h.handleNonStreaming(ctx, w, &req, irReq, debugSession)
	}
}

// validateRequest validates the message request.
func (h *MessagesHandler) validateRequest(req *claude.MessageRequest) *claude.APIError {
	if req.Model == "" {
		return claude.NewInvalidRequestError("model: field is required")
	}
	if !IsSupportedModel(req.Model) {
		return claude.NewModelNotAvailableError(req.Model)
	}
	if len(req.Messages) == 0 {
		return claude.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	if req.MaxTokens <= 0 {
		return claude.NewInvalidRequestError("max_tokens: must be a positive integer greater than 0")
	}
	if req.MaxTokens > 200000 {
		return claude.NewInvalidRequestError("max_tokens: exceeds maximum allowed value of 200000")
	}

	for i, msg := range req.Messages {
		if msg.Role == "" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: field is required", i))
		}
		if msg.Role != "user" && msg.Role != "assistant" {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: must be 'user' or 'assistant', got '%s'", i, msg.Role))
		}
		if msg.Content == nil {
			return claude.NewInvalidRequestError(fmt.Sprintf("messages[%d].content: field is required", i))
		}
	}

	if len(req.Messages) > 0 && req.Messages[0].Role != "user" {
		return claude.NewInvalidRequestError("messages: first message must have role 'user'")
	}

	if req.Temperature != nil {
		if *req.Temperature < 0.0 || *req.Temperature > 1.0 {
			return claude.NewInvalidRequestError("temperature: must be between 0.0 and 1.0")
		}
	}
	if req.TopP != nil {
		if *req.TopP < 0.0 || *req.TopP > 1.0 {
			return claude.NewInvalidRequestError("top_p: must be between 0.0 and 1.0")
		}
	}
	if req.TopK != nil && *req.TopK < 0 {
		return claude.NewInvalidRequestError("top_k: must be a non-negative integer")
	}

	return nil
}

// handleStreaming handles streaming requests via the account pool's
// no-retry streaming path: a partially-delivered stream cannot be safely
// replayed to a client.
func (h *MessagesHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, irReq *ir.Request, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := claude.EstimateInputTokens(req)

	acc, events, errs, err := h.pool.ExecuteStream(ctx, req.Model, account.CallOptions{Request: irReq})
	if err != nil {
		h.logger.Error("failed to start stream", "model", req.Model, "error", err)
		if debugSession != nil {
			debugSession.SetError(err)
			debugSession.Fail(err)
		}
		h.writeError(w, h.classifyError(err, req.Model))
		return
	}

	if debugSession != nil {
		debugSession.SetAccountUUID(acc.UUID)
		debugSession.AddTriedAccount(acc.UUID)
	}

	// Pre-fetch the first frame so an initialization failure becomes a real
	// HTTP status rather than an SSE error event. The peek does not count as
	// a retryable attempt: the account was acquired exactly once above.
	firstEvent, hasFirst, peekErr := peekFirstFrame(ctx, events, errs)
	if peekErr != nil {
		h.pool.ReportStreamOutcome(context.Background(), acc.UUID, peekErr)
		h.logger.Error("stream failed before first frame", "account", acc.UUID, "error", peekErr)
		if debugSession != nil {
			debugSession.SetError(peekErr)
			debugSession.Fail(peekErr)
		}
		h.writeError(w, h.classifyError(peekErr, req.Model))
		return
	}

	sseWriter := claude.NewSSEWriter(w)
	sseWriter.WriteHeaders()

	converter := claude.NewConverterWithEstimate(req.Model, estimatedInputTokens)

	writeIREvent := func(e ir.Event) error {
		if debugSession != nil {
			debugSession.AppendUpstreamFrame(mustMarshal(e))
		}
		sseEvents, convErr := converter.Convert(e)
		if convErr != nil {
			h.logger.Warn("failed to convert event", "error", convErr)
			return nil
		}
		if debugSession != nil {
			for _, sseEvent := range sseEvents {
				if sseEvent != nil {
					debugSession.AppendClientEvent(sseEvent.Type, sseEvent.Data)
				}
			}
		}
		if writeErr := sseWriter.WriteEvents(sseEvents); writeErr != nil {
			h.logger.Error("failed to write SSE event", "error", writeErr)
			return writeErr
		}
		return nil
	}

	var streamErr error
	if hasFirst {
		streamErr = writeIREvent(firstEvent)
	}

drainLoop:
	for streamErr == nil {
		select {
		case <-ctx.Done():
			break drainLoop
		case e, ok := <-events:
			if !ok {
				events = nil
				if errs == nil {
					break drainLoop
				}
				continue
			}
			if streamErr = writeIREvent(e); streamErr != nil {
				break drainLoop
			}
		case e, ok := <-errs:
			if !ok {
				errs = nil
				if events == nil {
					break drainLoop
				}
				continue
			}
			streamErr = e
			break drainLoop
		}
	}

	h.pool.ReportStreamOutcome(context.Background(), acc.UUID, streamErr)

	if streamErr != nil {
		h.logger.Error("stream failed", "account", acc.UUID, "error", streamErr)
		if debugSession != nil {
			debugSession.SetError(streamErr)
			debugSession.Fail(streamErr)
		}
		if !converter.ContentDelivered() {
			_ = sseWriter.WriteError(h.classifyError(streamErr, req.Model))
			return
		}
		// Content already reached the client; close out the stream as
		// cleanly as possible instead of switching protocols mid-flight.
	}

	h.sendFinalStreamEvents(sseWriter, converter, req.Model, acc.UUID, startTime)
	if debugSession != nil && streamErr == nil {
		debugSession.Success()
	}
}

// sendFinalStreamEvents sends the final SSE events at the end of a stream.
func (h *MessagesHandler) sendFinalStreamEvents(sseWriter *claude.SSEWriter, converter *claude.Converter, model string, accountUUID string, startTime time.Time) {
	finalUsage := converter.GetFinalUsage()

	h.logger.Info("request completed",
		"model", model,
		"account_uuid", accountUUID,
		"input_tokens", finalUsage.InputTokens,
		"output_tokens", finalUsage.OutputTokens,
		"cache_creation_tokens", finalUsage.CacheCreationInputTokens,
		"cache_read_tokens", finalUsage.CacheReadInputTokens,
		"total_input_tokens", finalUsage.InputTokens+finalUsage.CacheCreationInputTokens+finalUsage.CacheReadInputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	if converter.HasOpenContentBlock() {
		if err := sseWriter.WriteContentBlockStop(converter.GetCurrentContentIndex()); err != nil {
			h.logger.Error("failed to write content_block_stop", "error", err)
		}
		converter.MarkContentBlockClosed()
	}

	if !converter.WasMessageDeltaEmitted() {
		messageDeltaEvent := claude.MessageDeltaEvent{
			Type: "message_delta",
			Delta: claude.MessageDeltaData{
				StopReason: converter.GetStopReason(),
			},
			Usage: claude.SSEUsage(finalUsage),
		}
		if err := sseWriter.WriteEvent("message_delta", messageDeltaEvent); err != nil {
			h.logger.Error("failed to write message_delta", "error", err)
		}
	}

	if err := sseWriter.WriteMessageStop(); err != nil {
		h.logger.Error("failed to write message_stop", "error", err)
	}
}

// handleNonStreaming handles non-streaming requests via the account pool's
// retry envelope.
func (h *MessagesHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *claude.MessageRequest, irReq *ir.Request, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := claude.EstimateInputTokens(req)

	var accountUUID string
	events, err := h.pool.ExecuteWithRetry(ctx, req.Model, func(callCtx context.Context, svc *account.Service) ([]ir.Event, error) {
		accountUUID = svc.UUID()
		if debugSession != nil {
			debugSession.AddTriedAccount(svc.UUID())
			debugSession.SetAccountUUID(svc.UUID())
		}
		return svc.CallUnary(callCtx, account.CallOptions{Request: irReq})
	})
	if err != nil {
		h.logger.Error("request failed", "model", req.Model, "account", accountUUID, "error", err)
		if debugSession != nil {
			debugSession.SetError(err)
			debugSession.Fail(err)
		}
		h.writeError(w, h.classifyError(err, req.Model))
		return
	}

	aggregator := claude.NewAggregatorWithEstimate(req.Model, estimatedInputTokens)
	for _, e := range events {
		if debugSession != nil {
			debugSession.AppendUpstreamFrame(mustMarshal(e))
		}
		if addErr := aggregator.Add(e); addErr != nil {
			h.logger.Warn("failed to aggregate event", "error", addErr)
		}
	}

	response := aggregator.Build()
	h.logUsage(req.Model, accountUUID, &response.Usage, startTime)

	if debugSession != nil {
		debugSession.Success()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// classifyError maps an error from the account pool into a Claude-dialect
// API error for the client.
func (h *MessagesHandler) classifyError(err error, model string) *claude.APIError {
	if errors.Is(err, account.ErrModelNotAvailable) {
		return claude.NewModelNotAvailableError(model)
	}
	if errors.Is(err, account.ErrNoHealthyAccounts) {
		return claude.ErrNoHealthyAccounts
	}
	if errors.Is(err, account.ErrContextTooLong) {
		return claude.NewInvalidRequestError(
			"Input context is too long. Please compact or reduce your conversation history to continue. " +
				"Consider using /compact command or starting a new conversation.")
	}

	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsOverloaded() {
			return claude.NewOverloadedError(fmt.Sprintf("Service overloaded: %s", string(apiErr.Body)))
		}
		return claude.NewAPIErrorWithStatus(
			fmt.Sprintf("Upstream error (status %d): %s", apiErr.StatusCode, string(apiErr.Body)),
			apiErr.StatusCode,
		)
	}

	return claude.NewAPIError(err.Error())
}

// writeError writes an error response.
func (h *MessagesHandler) writeError(w http.ResponseWriter, err *claude.APIError) {
	err.WriteError(w)
}

// logUsage logs the token usage information for a completed request.
func (h *MessagesHandler) logUsage(model string, accountUUID string, usage *claude.Usage, startTime time.Time) {
	if usage == nil {
		return
	}
	h.logger.Info("request completed",
		"model", model,
		"account_uuid", accountUUID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cache_creation_tokens", usage.CacheCreationInputTokens,
		"cache_read_tokens", usage.CacheReadInputTokens,
		"total_input_tokens", usage.InputTokens+usage.CacheCreationInputTokens+usage.CacheReadInputTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}

// mustMarshal is a best-effort debug-dump helper; a failure here only
// degrades the debug trail, never the response to the client.
func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
