// Package account provides account selection and management: the pool of
// upstream accounts, their health/circuit-breaker state, and the background
// loops that keep both current.
package account

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// ErrNoHealthyAccounts is returned when no eligible account is available.
var ErrNoHealthyAccounts = errors.New("no healthy accounts available")

// ErrModelNotAvailable is returned when accounts are available but none of
// their allow-lists admits the requested model, so the model itself is the
// binding constraint.
var ErrModelNotAvailable = errors.New("model not available on any account")

// Selector chooses an account per the configured SelectionStrategy.
type Selector struct {
	store    store.Store
	strategy store.SelectionStrategy
	logger   *slog.Logger

	cacheMu      sync.RWMutex
	cached       []store.Account
	cacheUpdated time.Time
	cacheTTL     time.Duration
}

// SelectorOptions configures the account selector.
type SelectorOptions struct {
	Store    store.Store
	Strategy store.SelectionStrategy
	Logger   *slog.Logger
	CacheTTL time.Duration
}

// NewSelector creates a new account selector.
func NewSelector(opts SelectorOptions) *Selector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = store.StrategyRoundRobin
	}
	return &Selector{
		store:    opts.Store,
		strategy: strategy,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

// Select picks one eligible account for model.
func (s *Selector) Select(ctx context.Context, model string) (*store.Account, error) {
	return s.SelectWithRetry(ctx, model, nil)
}

// SelectWithRetry picks one eligible account for model, skipping any uuid
// present in excluded (accounts already tried this request).
func (s *Selector) SelectWithRetry(ctx context.Context, model string, excluded map[string]bool) (*store.Account, error) {
	candidates, err := s.eligibleAccounts(ctx, model)
	if err != nil {
		return nil, err
	}

	available := candidates
	if len(excluded) > 0 {
		available = make([]store.Account, 0, len(candidates))
		for _, acc := range candidates {
			if !excluded[acc.UUID] {
				available = append(available, acc)
			}
		}
	}
	if len(available) == 0 && len(candidates) > 0 {
		// Every eligible account was already tried this request. Repeating
		// one beats failing outright: an account is only skipped when it is
		// not the sole remaining choice.
		available = candidates
	}
	if len(available) == 0 {
		return nil, s.classifyEmptySelection(ctx, model)
	}

	if s.strategy == store.StrategyRoundRobin {
		cursor, err := s.store.NextRoundRobinCursor(ctx, len(available))
		if err != nil {
			s.logger.Warn("round robin cursor failed, using first candidate", "error", err)
			return &available[0], nil
		}
		return &available[cursor], nil
	}

	// All other strategies are already ordered by GetProvidersByStrategy; the
	// best-ranked non-excluded candidate is first.
	return &available[0], nil
}

// classifyEmptySelection distinguishes "no account can serve this model" from
// "no account can serve anything": when an otherwise-serviceable account is
// only excluded by its model allow-list, the failure is ErrModelNotAvailable.
func (s *Selector) classifyEmptySelection(ctx context.Context, model string) error {
	all, err := s.store.GetAvailableProviders(ctx)
	if err != nil {
		return ErrNoHealthyAccounts
	}
	for _, acc := range all {
		if acc.IsDisabled || !acc.IsHealthy {
			continue
		}
		if !acc.ScheduledRecoveryTime.IsZero() && time.Now().Before(acc.ScheduledRecoveryTime) {
			continue
		}
		if !acc.AllowsModel(model) {
			return ErrModelNotAvailable
		}
	}
	return ErrNoHealthyAccounts
}

// eligibleAccounts fetches the strategy-ordered candidate list, preferring a
// short-lived in-memory cache so a single request's retry loop doesn't
// re-query the store per attempt.
func (s *Selector) eligibleAccounts(ctx context.Context, model string) ([]store.Account, error) {
	s.cacheMu.RLock()
	if time.Since(s.cacheUpdated) < s.cacheTTL && len(s.cached) > 0 {
		cached := s.cached
		s.cacheMu.RUnlock()
		return filterModel(cached, model), nil
	}
	s.cacheMu.RUnlock()

	accounts, err := s.store.GetProvidersByStrategy(ctx, s.strategy, model)
	if err != nil {
		s.cacheMu.RLock()
		if len(s.cached) > 0 {
			s.logger.Warn("using stale account cache due to store error", "error", err)
			cached := s.cached
			s.cacheMu.RUnlock()
			return filterModel(cached, model), nil
		}
		s.cacheMu.RUnlock()
		return nil, err
	}

	s.cacheMu.Lock()
	s.cached = accounts
	s.cacheUpdated = time.Now()
	s.cacheMu.Unlock()

	return accounts, nil
}

func filterModel(accounts []store.Account, model string) []store.Account {
	out := make([]store.Account, 0, len(accounts))
	for _, acc := range accounts {
		if acc.AllowsModel(model) {
			out = append(out, acc)
		}
	}
	return out
}

// RefreshCache forces a cache refresh on the next Select call.
func (s *Selector) RefreshCache() {
	s.cacheMu.Lock()
	s.cacheUpdated = time.Time{}
	s.cacheMu.Unlock()
}

// GetAccountCount returns the total and eligible account counts for model.
func (s *Selector) GetAccountCount(ctx context.Context, model string) (total int, eligible int, err error) {
	all, err := s.store.GetAvailableProviders(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, acc := range all {
		if acc.EligibleIgnoringExhaustion(model) {
			eligible++
		}
	}
	return len(all), eligible, nil
}
