package account

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// DefaultRefreshThreshold is the default time before expiry to trigger refresh.
const DefaultRefreshThreshold = 60 * time.Second

// TokenRefresher deduplicates concurrent refreshes for the same account via
// singleflight: at most one refresh per account is in flight at any moment,
// and overlapping callers share its result.
type TokenRefresher struct {
	logger           *slog.Logger
	refreshThreshold time.Duration

	sfGroup singleflight.Group

	mu          sync.RWMutex
	lastRefresh map[string]time.Time
}

// TokenRefresherOptions configures the token refresher.
type TokenRefresherOptions struct {
	Logger           *slog.Logger
	RefreshThreshold time.Duration
}

// NewTokenRefresher creates a new token refresher.
func NewTokenRefresher(opts TokenRefresherOptions) *TokenRefresher {
	threshold := opts.RefreshThreshold
	if threshold == 0 {
		threshold = DefaultRefreshThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenRefresher{
		logger:           logger,
		refreshThreshold: threshold,
		lastRefresh:      make(map[string]time.Time),
	}
}

// NeedsRefresh reports whether creds are within refreshThreshold of expiry.
func (r *TokenRefresher) NeedsRefresh(creds store.Credentials) bool {
	if creds.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(creds.ExpiresAt) <= r.refreshThreshold
}

// RefreshSync performs a synchronous, single-flight-deduplicated refresh.
// refreshFn is invoked at most once per overlapping call for a given uuid;
// concurrent callers all observe the same result.
func (r *TokenRefresher) RefreshSync(ctx context.Context, uuid string, refreshFn func() (store.Credentials, error)) (store.Credentials, error) {
	v, err, shared := r.sfGroup.Do(uuid, func() (interface{}, error) {
		r.logger.Debug("starting token refresh", "uuid", uuid)
		creds, err := refreshFn()
		if err != nil {
			r.logger.Error("token refresh failed", "uuid", uuid, "error", err)
			return store.Credentials{}, err
		}
		r.mu.Lock()
		r.lastRefresh[uuid] = time.Now()
		r.mu.Unlock()
		r.logger.Info("token refresh completed", "uuid", uuid)
		return creds, nil
	})

	if shared {
		r.logger.Debug("token refresh deduplicated", "uuid", uuid)
	}
	if err != nil {
		return store.Credentials{}, err
	}
	return v.(store.Credentials), nil
}

// GetLastRefreshTime returns when the token was last refreshed.
func (r *TokenRefresher) GetLastRefreshTime(uuid string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastRefresh[uuid]
	return t, ok
}
