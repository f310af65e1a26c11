package middleware_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiroproxy/kiro-proxy/internal/store"
	"github.com/kiroproxy/kiro-proxy/pkg/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeKeyStore implements the API-key slice of store.Store.
type fakeKeyStore struct {
	store.Store

	keys       map[string]*store.ApiKey
	increments map[string]int
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		keys:       make(map[string]*store.ApiKey),
		increments: make(map[string]int),
	}
}

func (f *fakeKeyStore) ValidateAPIKey(ctx context.Context, rawKey string) (*store.ApiKey, error) {
	k, ok := f.keys[rawKey]
	if !ok || !k.IsActive {
		return nil, store.ErrInvalidAPIKey
	}
	return k, nil
}

func (f *fakeKeyStore) IncrementAPIKeyUsage(ctx context.Context, keyID string) error {
	f.increments[keyID]++
	return nil
}

func serveAuth(t *testing.T, s store.Store, masterKey string, setup func(*http.Request)) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})
	h := middleware.Auth(s, masterKey, testLogger())(next)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, reached
}

func TestAuth_MissingKey(t *testing.T) {
	rec, reached := serveAuth(t, newFakeKeyStore(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)
}

func TestAuth_InvalidKey(t *testing.T) {
	rec, reached := serveAuth(t, newFakeKeyStore(), "", func(r *http.Request) {
		r.Header.Set("x-api-key", "nope")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)
}

func TestAuth_ValidKeyViaBothHeaders(t *testing.T) {
	s := newFakeKeyStore()
	s.keys["sk-valid"] = &store.ApiKey{ID: "k1", DailyLimit: -1, IsActive: true}

	rec, reached := serveAuth(t, s, "", func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-valid")
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
	assert.Equal(t, 1, s.increments["k1"])

	rec, reached = serveAuth(t, s, "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer sk-valid")
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
	assert.Equal(t, 2, s.increments["k1"])
}

func TestAuth_DailyLimitExhausted(t *testing.T) {
	s := newFakeKeyStore()
	s.keys["sk-capped"] = &store.ApiKey{ID: "k2", DailyLimit: 10, UsageToday: 10, IsActive: true}

	rec, reached := serveAuth(t, s, "", func(r *http.Request) {
		r.Header.Set("x-api-key", "sk-capped")
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, reached)
	assert.Zero(t, s.increments["k2"], "quota-rejected request must not consume usage")
}

func TestAuth_MasterKeyBypassesQuota(t *testing.T) {
	s := newFakeKeyStore()
	rec, reached := serveAuth(t, s, "master-secret", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer master-secret")
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
	assert.Empty(t, s.increments)
}

func TestAuth_HealthEndpointSkipped(t *testing.T) {
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true })
	h := middleware.Auth(newFakeKeyStore(), "", testLogger())(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.True(t, reached)
	_ = rec
}
