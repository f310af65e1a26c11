package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// poolKey is the Redis hash key for the account pool.
const poolKey = "pools:accounts"

const cursorKey = "pools:round_robin_cursor"

type accountOps struct {
	c *client
}

func (a *accountOps) getAll(ctx context.Context) ([]store.Account, error) {
	data, err := a.c.rdb.HGetAll(ctx, a.c.key(poolKey)).Result()
	if err != nil {
		if cached, cacheTime := a.c.cachedAccounts(); len(cached) > 0 {
			a.c.logger.Warn("using cached accounts due to redis error", "error", err, "cache_age", time.Since(cacheTime))
			out := make([]store.Account, 0, len(cached))
			for _, acc := range cached {
				out = append(out, acc)
			}
			return out, nil
		}
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	accounts := make([]store.Account, 0, len(data))
	accountMap := make(map[string]store.Account, len(data))
	for uuid, jsonStr := range data {
		var acc store.Account
		if err := json.Unmarshal([]byte(jsonStr), &acc); err != nil {
			a.c.logger.Warn("failed to parse account", "uuid", uuid, "error", err)
			continue
		}
		accounts = append(accounts, acc)
		accountMap[uuid] = acc
	}
	a.c.updateAccountCache(accountMap)
	return accounts, nil
}

func (a *accountOps) get(ctx context.Context, uuid string) (*store.Account, error) {
	data, err := a.c.rdb.HGet(ctx, a.c.key(poolKey), uuid).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, store.ErrNotFound
		}
		if cached, _ := a.c.cachedAccounts(); len(cached) > 0 {
			if acc, ok := cached[uuid]; ok {
				return &acc, nil
			}
		}
		return nil, fmt.Errorf("failed to get account %s: %w", uuid, err)
	}
	var acc store.Account
	if err := json.Unmarshal([]byte(data), &acc); err != nil {
		return nil, fmt.Errorf("failed to parse account %s: %w", uuid, err)
	}
	return &acc, nil
}

func (a *accountOps) put(ctx context.Context, acc *store.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	return a.c.rdb.HSet(ctx, a.c.key(poolKey), acc.UUID, string(data)).Err()
}

// update performs an optimistic update on an account, retrying on
// concurrent modification with exponential backoff and jitter.
func (a *accountOps) update(ctx context.Context, uuid string, fn func(*store.Account)) error {
	const maxRetries = 3
	const baseBackoff = 5 * time.Millisecond
	key := a.c.key(poolKey)

	for i := 0; i < maxRetries; i++ {
		err := a.c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			data, err := tx.HGet(ctx, key, uuid).Result()
			if err != nil {
				return err
			}
			var acc store.Account
			if err := json.Unmarshal([]byte(data), &acc); err != nil {
				return err
			}
			fn(&acc)
			updated, err := json.Marshal(acc)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key, uuid, string(updated))
				return nil
			})
			return err
		}, key)

		if err == nil {
			return nil
		}
		if err == goredis.TxFailedErr {
			backoff := baseBackoff * time.Duration(1<<i)
			jitter := time.Duration(rand.Int63n(int64(backoff / 2))) //nolint:gosec
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
				continue
			}
		}
		return fmt.Errorf("failed to update account %s: %w", uuid, err)
	}
	return fmt.Errorf("failed to update account %s after %d retries", uuid, maxRetries)
}

// GetAvailableProviders returns every account regardless of eligibility; the
// caller (the pool's selector) applies the eligibility filter per strategy.
func (s *Store) GetAvailableProviders(ctx context.Context) ([]store.Account, error) {
	return s.accounts.getAll(ctx)
}

// GetProvidersByStrategy returns eligible accounts for model, ordered per
// strategy, falling back to usage-exhausted accounts when nothing else is
// left.
func (s *Store) GetProvidersByStrategy(ctx context.Context, strategy store.SelectionStrategy, model string) ([]store.Account, error) {
	all, err := s.accounts.getAll(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]store.Account, 0, len(all))
	for _, acc := range all {
		if acc.Eligible(model) {
			eligible = append(eligible, acc)
		}
	}
	if len(eligible) == 0 {
		for _, acc := range all {
			if acc.EligibleIgnoringExhaustion(model) {
				eligible = append(eligible, acc)
			}
		}
	}

	sortByStrategy(eligible, strategy)
	return eligible, nil
}

func sortByStrategy(accounts []store.Account, strategy store.SelectionStrategy) {
	switch strategy {
	case store.StrategyLRU:
		sort.SliceStable(accounts, func(i, j int) bool {
			ai, aj := accounts[i], accounts[j]
			if ai.LastUsedAt.IsZero() != aj.LastUsedAt.IsZero() {
				return ai.LastUsedAt.IsZero() // nulls first
			}
			if !ai.LastUsedAt.Equal(aj.LastUsedAt) {
				return ai.LastUsedAt.Before(aj.LastUsedAt)
			}
			return ai.ID < aj.ID
		})
	case store.StrategyLeastUsage:
		sort.SliceStable(accounts, func(i, j int) bool {
			ri := remainingQuota(accounts[i])
			rj := remainingQuota(accounts[j])
			if ri != rj {
				return ri < rj
			}
			return accounts[i].ID < accounts[j].ID
		})
	case store.StrategyMostUsage:
		sort.SliceStable(accounts, func(i, j int) bool {
			ri := remainingQuota(accounts[i])
			rj := remainingQuota(accounts[j])
			if ri != rj {
				return ri > rj
			}
			return accounts[i].ID < accounts[j].ID
		})
	case store.StrategyOldestFirst:
		sort.SliceStable(accounts, func(i, j int) bool {
			ai, aj := accounts[i], accounts[j]
			if !ai.CreatedAt.Equal(aj.CreatedAt) {
				return ai.CreatedAt.Before(aj.CreatedAt)
			}
			return ai.ID < aj.ID
		})
	case store.StrategyRoundRobin:
		// Cursor rotation is applied by the caller (account.Selector), which
		// knows the current cursor value; here we present in a stable,
		// deterministic base order (ascending id) for it to rotate over.
		sort.SliceStable(accounts, func(i, j int) bool {
			return accounts[i].ID < accounts[j].ID
		})
	default:
		sort.SliceStable(accounts, func(i, j int) bool {
			return accounts[i].ID < accounts[j].ID
		})
	}
}

func remainingQuota(a store.Account) int {
	return a.CachedUsageData.Limit - a.CachedUsageData.Used
}

// GetProvidersNeedingUsageSync returns accounts whose lastUsageSync is older
// than intervalMinutes (or never synced).
func (s *Store) GetProvidersNeedingUsageSync(ctx context.Context, intervalMinutes int) ([]store.Account, error) {
	all, err := s.accounts.getAll(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(intervalMinutes) * time.Minute)
	var due []store.Account
	for _, acc := range all {
		if acc.LastUsageSync.IsZero() || acc.LastUsageSync.Before(cutoff) {
			due = append(due, acc)
		}
	}
	return due, nil
}

func (s *Store) GetProviderByID(ctx context.Context, uuid string) (*store.Account, error) {
	return s.accounts.get(ctx, uuid)
}

func (s *Store) UpdateProviderCredentials(ctx context.Context, uuid string, creds store.Credentials) error {
	return s.accounts.update(ctx, uuid, func(acc *store.Account) {
		acc.Credentials = creds
	})
}

func (s *Store) UpdateProviderUsageCache(ctx context.Context, uuid string, update store.UsageUpdate) error {
	return s.accounts.update(ctx, uuid, func(acc *store.Account) {
		acc.CachedUsageData = store.CachedUsage{Used: update.Used, Limit: update.Limit, Percent: update.Percent}
		acc.UsageExhausted = update.Exhausted
		acc.LastUsageSync = time.Now()
	})
}

func (s *Store) UpdateProviderAccountEmail(ctx context.Context, uuid string, email string) error {
	return s.accounts.update(ctx, uuid, func(acc *store.Account) {
		acc.AccountEmail = email
	})
}

func (s *Store) UpdateProvider(ctx context.Context, uuid string, patch store.ProviderPatch) error {
	return s.accounts.update(ctx, uuid, func(acc *store.Account) {
		if patch.IsDisabled != nil {
			acc.IsDisabled = *patch.IsDisabled
		}
		if patch.AllowedModels != nil {
			acc.AllowedModels = *patch.AllowedModels
		}
		if patch.CheckHealth != nil {
			acc.CheckHealth = *patch.CheckHealth
		}
		if patch.CheckModelName != nil {
			acc.CheckModelName = *patch.CheckModelName
		}
		if patch.AccountType != nil {
			acc.AccountType = *patch.AccountType
		}
		if patch.ScheduledRecoveryTime != nil {
			acc.ScheduledRecoveryTime = *patch.ScheduledRecoveryTime
		}
	})
}

func (s *Store) MarkProviderHealthy(ctx context.Context, uuid string) error {
	return s.accounts.update(ctx, uuid, func(acc *store.Account) {
		acc.IsHealthy = true
		acc.ErrorCount = 0
		acc.LastErrorMessage = ""
	})
}

func (s *Store) MarkProviderUnhealthy(ctx context.Context, uuid string, msg string, maxErrorCount int) error {
	return s.accounts.update(ctx, uuid, func(acc *store.Account) {
		acc.ErrorCount++
		acc.LastErrorTime = time.Now()
		acc.LastErrorMessage = msg
		limit := acc.EffectiveMaxErrorCount(maxErrorCount)
		if acc.ErrorCount >= limit {
			acc.IsHealthy = false
		}
	})
}

func (s *Store) UpdateProviderUsage(ctx context.Context, uuid string) error {
	return s.accounts.update(ctx, uuid, func(acc *store.Account) {
		acc.LastUsedAt = time.Now()
	})
}

// NextRoundRobinCursor returns a monotonically-advancing cursor value mod n,
// backed by a single Redis INCR.
func (s *Store) NextRoundRobinCursor(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	v, err := s.client.rdb.Incr(ctx, s.client.key(cursorKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance round robin cursor: %w", err)
	}
	return int(v % int64(n)), nil
}
