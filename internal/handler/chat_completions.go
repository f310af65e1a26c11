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
	"github.com/kiroproxy/kiro-proxy/internal/debug"
	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/kiroproxy/kiro-proxy/internal/openai"
	"github.com/google/uuid"
)

// ChatCompletionsHandler handles POST /v1/chat/completions requests, the
// OpenAI-dialect sibling of MessagesHandler fronting the same account pool.
type ChatCompletionsHandler struct {
	pool         *account.Pool
	logger       *slog.Logger
	debugDumper  *debug.Dumper
	systemPrompt string
}

// ChatCompletionsHandlerOptions configures the chat completions handler.
type ChatCompletionsHandlerOptions struct {
	Pool         *account.Pool
	Logger       *slog.Logger
	SystemPrompt string
}

// NewChatCompletionsHandler creates a new chat completions handler.
func NewChatCompletionsHandler(opts ChatCompletionsHandlerOptions) *ChatCompletionsHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ChatCompletionsHandler{
		pool:         opts.Pool,
		logger:       logger,
		debugDumper:  debug.NewDumper(),
		systemPrompt: opts.SystemPrompt,
	}
}

// ServeHTTP handles the chat completions request.
func (h *ChatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, openai.NewInvalidRequestError("Invalid JSON: "+err.Error()))
		return
	}

	if debugSession != nil {
		debugSession.SetDialect("openai")
		debugSession.SetModel(req.Model)
		debugSession.DumpRequestJSON(&req)
	}

	h.logger.Debug("received request", "model", req.Model, "session_id", sessionID)

	if err := h.validateRequest(&req); err != nil {
		h.writeError(w, err)
		return
	}

	irReq, err := openai.ToIRRequest(&req)
	if err != nil {
		if debugSession != nil {
			debugSession.SetError(err)
			debugSession.Fail(err)
		}
		h.writeError(w, openai.NewInvalidRequestError("invalid message content: "+err.Error()))
		return
	}
	irReq.System = injectSystemPrompt(h.systemPrompt, irReq.System)

	if req.Stream {
		h.handleStreaming(ctx, w, &req, irReq, debugSession)
	} else {
		h.handleNonStreaming(ctx, w, &req, irReq, debugSession)
	}
}

// validateRequest validates the chat completion request.
func (h *ChatCompletionsHandler) validateRequest(req *openai.ChatCompletionRequest) *openai.APIError {
	if req.Model == "" {
		return openai.NewInvalidRequestError("model: field is required")
	}
	if !IsSupportedModel(req.Model) {
		return openai.NewModelNotAvailableError(req.Model)
	}
	if len(req.Messages) == 0 {
		return openai.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer", "user", "assistant":
		case "tool":
			if msg.ToolCallID == "" {
				return openai.NewInvalidRequestError(fmt.Sprintf("messages[%d].tool_call_id: field is required for role 'tool'", i))
			}
		case "":
			return openai.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: field is required", i))
		default:
			return openai.NewInvalidRequestError(fmt.Sprintf("messages[%d].role: unknown role '%s'", i, msg.Role))
		}
	}

	if req.Temperature != nil && (*req.Temperature < 0.0 || *req.Temperature > 2.0) {
		return openai.NewInvalidRequestError("temperature: must be between 0.0 and 2.0")
	}
	if req.TopP != nil && (*req.TopP < 0.0 || *req.TopP > 1.0) {
		return openai.NewInvalidRequestError("top_p: must be between 0.0 and 1.0")
	}

	return nil
}

// handleStreaming handles streaming requests via the account pool's
// no-retry streaming path.
func (h *ChatCompletionsHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *openai.ChatCompletionRequest, irReq *ir.Request, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := openai.EstimateInputTokens(req)

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

	sseWriter := openai.NewSSEWriter(w)
	sseWriter.WriteHeaders()

	converter := openai.NewConverterWithEstimate(req.Model, estimatedInputTokens)

	writeIREvent := func(e ir.Event) error {
		if debugSession != nil {
			debugSession.AppendUpstreamFrame(mustMarshal(e))
		}
		chunks, convErr := converter.Convert(e)
		if convErr != nil {
			h.logger.Warn("failed to convert event", "error", convErr)
			return nil
		}
		for _, chunk := range chunks {
			if chunk == nil {
				continue
			}
			if debugSession != nil {
				debugSession.AppendClientEvent("data", chunk)
			}
			if writeErr := sseWriter.WriteChunk(chunk); writeErr != nil {
				h.logger.Error("failed to write SSE chunk", "error", writeErr)
				return writeErr
			}
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
			_ = sseWriter.WriteDone()
			return
		}
		// Content already reached the client; close out the stream as
		// cleanly as possible instead of switching protocols mid-flight.
	}

	if !converter.FinishSent() {
		if err := sseWriter.WriteChunk(converter.FinalChunk()); err != nil {
			h.logger.Error("failed to write final chunk", "error", err)
		}
	}
	if err := sseWriter.WriteDone(); err != nil {
		h.logger.Error("failed to write done frame", "error", err)
	}

	usage := converter.GetFinalUsage()
	h.logger.Info("request completed",
		"model", req.Model,
		"account_uuid", acc.UUID,
		"input_tokens", usage.PromptTokens,
		"output_tokens", usage.CompletionTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	if debugSession != nil && streamErr == nil {
		debugSession.Success()
	}
}

// handleNonStreaming handles non-streaming requests via the account pool's
// retry envelope.
func (h *ChatCompletionsHandler) handleNonStreaming(ctx context.Context, w http.ResponseWriter, req *openai.ChatCompletionRequest, irReq *ir.Request, debugSession *debug.Session) {
	startTime := time.Now()
	estimatedInputTokens := openai.EstimateInputTokens(req)

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

	aggregator := openai.NewAggregatorWithEstimate(req.Model, estimatedInputTokens)
	for _, e := range events {
		if debugSession != nil {
			debugSession.AppendUpstreamFrame(mustMarshal(e))
		}
		if addErr := aggregator.Add(e); addErr != nil {
			h.logger.Warn("failed to aggregate event", "error", addErr)
		}
	}

	response := aggregator.Build()
	h.logger.Info("request completed",
		"model", req.Model,
		"account_uuid", accountUUID,
		"input_tokens", response.Usage.PromptTokens,
		"output_tokens", response.Usage.CompletionTokens,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	if debugSession != nil {
		debugSession.Success()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// classifyError maps an error from the account pool into an OpenAI-dialect
// API error for the client.
func (h *ChatCompletionsHandler) classifyError(err error, model string) *openai.APIError {
	if errors.Is(err, account.ErrModelNotAvailable) {
		return openai.NewModelNotAvailableError(model)
	}
	if errors.Is(err, account.ErrNoHealthyAccounts) {
		return openai.ErrNoHealthyAccounts
	}
	if errors.Is(err, account.ErrContextTooLong) {
		return openai.NewInvalidRequestError(
			"Input context is too long. Please reduce your conversation history to continue.")
	}

	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsOverloaded() {
			return openai.NewOverloadedError(fmt.Sprintf("Service overloaded: %s", string(apiErr.Body)))
		}
		return openai.NewAPIErrorWithStatus(
			fmt.Sprintf("Upstream error (status %d): %s", apiErr.StatusCode, string(apiErr.Body)),
			apiErr.StatusCode,
		)
	}

	return openai.NewAPIError(err.Error())
}

// writeError writes an error response.
func (h *ChatCompletionsHandler) writeError(w http.ResponseWriter, err *openai.APIError) {
	err.WriteError(w)
}
