package account_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/account"
	"github.com/kiroproxy/kiro-proxy/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSelectorStore implements the slice of store.Store the selector
// exercises, mimicking the real store's eligibility filter and LRU ordering.
type fakeSelectorStore struct {
	store.Store

	accounts []store.Account
	cursor   int
}

func (f *fakeSelectorStore) GetAvailableProviders(ctx context.Context) ([]store.Account, error) {
	return f.accounts, nil
}

func (f *fakeSelectorStore) GetProvidersByStrategy(ctx context.Context, strategy store.SelectionStrategy, model string) ([]store.Account, error) {
	var eligible []store.Account
	for _, acc := range f.accounts {
		if acc.Eligible(model) {
			eligible = append(eligible, acc)
		}
	}
	if len(eligible) == 0 {
		for _, acc := range f.accounts {
			if acc.EligibleIgnoringExhaustion(model) {
				eligible = append(eligible, acc)
			}
		}
	}
	if strategy == store.StrategyLRU {
		sort.SliceStable(eligible, func(i, j int) bool {
			ai, aj := eligible[i], eligible[j]
			if ai.LastUsedAt.IsZero() != aj.LastUsedAt.IsZero() {
				return ai.LastUsedAt.IsZero()
			}
			if !ai.LastUsedAt.Equal(aj.LastUsedAt) {
				return ai.LastUsedAt.Before(aj.LastUsedAt)
			}
			return ai.ID < aj.ID
		})
	}
	return eligible, nil
}

func (f *fakeSelectorStore) NextRoundRobinCursor(ctx context.Context, n int) (int, error) {
	v := f.cursor % n
	f.cursor++
	return v, nil
}

func newLRUSelector(s store.Store) *account.Selector {
	return account.NewSelector(account.SelectorOptions{
		Store:    s,
		Strategy: store.StrategyLRU,
		CacheTTL: time.Nanosecond, // re-query per call so tests see updates
	})
}

func TestSelector_LRUOrder(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true, LastUsedAt: t0},
		{ID: 2, UUID: "b", IsHealthy: true, LastUsedAt: t1},
	}}

	sel := newLRUSelector(s)

	acc, err := sel.Select(context.Background(), "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "a", acc.UUID)

	// The pool bumps lastUsedAt after a successful call; the next selection
	// must hand out the other account.
	s.accounts[0].LastUsedAt = t1.Add(time.Minute)

	acc, err = sel.Select(context.Background(), "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "b", acc.UUID)
}

func TestSelector_NullLastUsedFirst(t *testing.T) {
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true, LastUsedAt: time.Now()},
		{ID: 2, UUID: "b", IsHealthy: true}, // never used
	}}

	sel := newLRUSelector(s)
	acc, err := sel.Select(context.Background(), "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "b", acc.UUID)
}

func TestSelector_ExclusionSkipsFailedAccount(t *testing.T) {
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true},
		{ID: 2, UUID: "b", IsHealthy: true, LastUsedAt: time.Now()},
	}}

	sel := newLRUSelector(s)
	acc, err := sel.SelectWithRetry(context.Background(), "claude-sonnet-4-5", map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "b", acc.UUID)
}

func TestSelector_AllExcludedFallsBackToOnlyAccount(t *testing.T) {
	// A single-account pool whose account just failed: re-selection must
	// hand the same account back rather than erroring, so the retry
	// envelope gets its remaining attempts.
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true},
	}}

	sel := newLRUSelector(s)
	acc, err := sel.SelectWithRetry(context.Background(), "claude-sonnet-4-5", map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "a", acc.UUID)
}

func TestSelector_AllExcludedFallsBackToEligibleSet(t *testing.T) {
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true},
		{ID: 2, UUID: "b", IsHealthy: true, LastUsedAt: time.Now()},
	}}

	sel := newLRUSelector(s)
	acc, err := sel.SelectWithRetry(context.Background(), "claude-sonnet-4-5", map[string]bool{"a": true, "b": true})
	require.NoError(t, err)
	assert.Equal(t, "a", acc.UUID, "falls back to the best-ranked candidate")
}

func TestSelector_ModelNotAvailable(t *testing.T) {
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true, AllowedModels: []string{"claude-haiku-4-5"}},
	}}

	sel := newLRUSelector(s)

	_, err := sel.Select(context.Background(), "claude-opus-4-5")
	assert.ErrorIs(t, err, account.ErrModelNotAvailable)

	acc, err := sel.Select(context.Background(), "claude-haiku-4-5")
	require.NoError(t, err)
	assert.Equal(t, "a", acc.UUID)
}

func TestSelector_NoAccountsAtAll(t *testing.T) {
	sel := newLRUSelector(&fakeSelectorStore{})
	_, err := sel.Select(context.Background(), "claude-sonnet-4-5")
	assert.ErrorIs(t, err, account.ErrNoHealthyAccounts)
}

func TestSelector_UnhealthyNotModelNotAvailable(t *testing.T) {
	// An unhealthy account with a restrictive allow-list must not turn the
	// failure into "model not available": nothing could serve any model.
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: false, AllowedModels: []string{"claude-haiku-4-5"}},
	}}

	sel := newLRUSelector(s)
	_, err := sel.Select(context.Background(), "claude-opus-4-5")
	assert.ErrorIs(t, err, account.ErrNoHealthyAccounts)
}

func TestSelector_ExhaustionFallback(t *testing.T) {
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true, UsageExhausted: true},
	}}

	sel := newLRUSelector(s)
	acc, err := sel.Select(context.Background(), "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "a", acc.UUID)
}

func TestSelector_RoundRobinAdvances(t *testing.T) {
	s := &fakeSelectorStore{accounts: []store.Account{
		{ID: 1, UUID: "a", IsHealthy: true},
		{ID: 2, UUID: "b", IsHealthy: true},
	}}

	sel := account.NewSelector(account.SelectorOptions{
		Store:    s,
		Strategy: store.StrategyRoundRobin,
		CacheTTL: time.Nanosecond,
	})

	first, err := sel.Select(context.Background(), "claude-sonnet-4-5")
	require.NoError(t, err)
	second, err := sel.Select(context.Background(), "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID)
}
