package handler

import (
	"encoding/json"
	"net/http"
)

// ModelInfo describes one model entry in the OpenAI-compatible models list.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the OpenAI-compatible GET /v1/models response body.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// supportedModels are the client-facing model names this proxy accepts,
// matching the aliases internal/kiro.mapModelToKiro understands.
var supportedModels = []string{
	"claude-opus-4-5",
	"claude-opus-4-5-20251101",
	"claude-sonnet-4-5",
	"claude-sonnet-4-5-20250929",
	"claude-sonnet-4-20250514",
	"claude-haiku-4-5",
	"claude-haiku-4-5-20251001",
	"claude-3-7-sonnet-20250219",
}

// IsSupportedModel reports whether the proxy accepts model in either
// dialect; requests naming anything else fail before account selection.
func IsSupportedModel(model string) bool {
	for _, m := range supportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// modelsCreated is a fixed epoch stamp; the upstream doesn't expose a real
// per-model creation date and clients only use the field for sorting.
const modelsCreated = 1700000000

// ModelsHandler handles GET /v1/models requests.
type ModelsHandler struct{}

// NewModelsHandler creates a new models handler.
func NewModelsHandler() *ModelsHandler {
	return &ModelsHandler{}
}

// ServeHTTP lists the models this proxy accepts in either dialect.
func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{Object: "list"}
	for _, id := range supportedModels {
		resp.Data = append(resp.Data, ModelInfo{
			ID:      id,
			Object:  "model",
			Created: modelsCreated,
			OwnedBy: "anthropic",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
