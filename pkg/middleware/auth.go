// Package middleware provides HTTP middleware for the Kiro server.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// apiKeyContextKey is the context key used to stash the validated store.ApiKey
// (nil when the request was authenticated via the static master key).
type apiKeyContextKey struct{}

// APIKeyFromContext returns the store.ApiKey that authenticated this request,
// or nil if it was authenticated via the static master key.
func APIKeyFromContext(ctx context.Context) *store.ApiKey {
	k, _ := ctx.Value(apiKeyContextKey{}).(*store.ApiKey)
	return k
}

// Auth creates an authentication middleware that validates API keys against
// the store, enforcing each key's daily quota, and optionally also accepts a
// single static masterKey (the process-level GO_KIRO_API_KEY) that bypasses
// per-key quota tracking entirely. Pass an empty masterKey to disable it.
func Auth(s store.Store, masterKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for health and event logging endpoints
			if r.URL.Path == "/health" || r.URL.Path == "/api/event_logging/batch" {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("x-api-key")
			if apiKey == "" {
				auth := r.Header.Get("Authorization")
				if len(auth) > 7 && auth[:7] == "Bearer " {
					apiKey = auth[7:]
				}
			}

			if apiKey == "" {
				logger.Warn("missing API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeAuthError(w, r, "Missing API key")
				return
			}

			if masterKey != "" && apiKey == masterKey {
				next.ServeHTTP(w, r)
				return
			}

			key, err := s.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				if errors.Is(err, store.ErrInvalidAPIKey) {
					logger.Warn("invalid API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				} else {
					logger.Error("api key validation failed", "path", r.URL.Path, "error", err)
				}
				writeAuthError(w, r, "Invalid API key")
				return
			}

			if key.DailyLimit >= 0 && key.UsageToday >= key.DailyLimit {
				logger.Warn("api key quota exceeded", "key_id", key.ID, "daily_limit", key.DailyLimit)
				writeQuotaError(w, r)
				return
			}

			if err := s.IncrementAPIKeyUsage(r.Context(), key.ID); err != nil {
				logger.Error("failed to record api key usage", "key_id", key.ID, "error", err)
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// isOpenAIDialect reports whether the request targets the OpenAI-shaped
// surface, so pre-handler errors come back in the dialect the client speaks.
func isOpenAIDialect(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/v1/chat/completions")
}

// writeAuthError writes an authentication error response in the request's
// dialect.
func writeAuthError(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if isOpenAIDialect(r) {
		_, _ = w.Write([]byte(`{"error":{"message":"` + message + `","type":"authentication_error","param":null}}`))
		return
	}
	_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"` + message + `"}}`))
}

// writeQuotaError writes a rate-limit error response for an exhausted daily quota.
func writeQuotaError(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	if isOpenAIDialect(r) {
		_, _ = w.Write([]byte(`{"error":{"message":"Daily quota exceeded","type":"rate_limit_error","param":null}}`))
		return
	}
	_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Daily quota exceeded"}}`))
}
