// Package handler provides HTTP handlers for the Kiro server.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// HealthHandler handles GET /health requests.
type HealthHandler struct {
	store store.Store
}

// HealthResponse represents the health check response. Status is "degraded"
// when the store is unreachable or every listed account is unhealthy, and
// "ok" otherwise; an empty pool reports "ok".
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Store     string         `json:"store"`
	Accounts  AccountsStatus `json:"accounts"`
}

// AccountsStatus represents account pool status.
type AccountsStatus struct {
	Total   int `json:"total"`
	Healthy int `json:"healthy"`
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(s store.Store) *HealthHandler {
	return &HealthHandler{store: s}
}

// ServeHTTP handles the health check request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Store:     "connected",
	}

	accounts, err := h.store.GetAvailableProviders(ctx)
	if err != nil {
		response.Status = "degraded"
		response.Store = "disconnected"
	} else {
		response.Accounts.Total = len(accounts)
		for _, acc := range accounts {
			if acc.IsHealthy {
				response.Accounts.Healthy++
			}
		}
		if response.Accounts.Healthy == 0 && response.Accounts.Total > 0 {
			response.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}
