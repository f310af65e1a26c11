package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

const apiKeyHashKey = "apikeys"

// keyPrefixLen is the number of leading raw-key characters stored in the
// clear for fast candidate narrowing before the bcrypt comparison.
const keyPrefixLen = 8

type apiKeyOps struct {
	c *client
}

func (a *apiKeyOps) all(ctx context.Context) ([]store.ApiKey, error) {
	data, err := a.c.rdb.HGetAll(ctx, a.c.key(apiKeyHashKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	keys := make([]store.ApiKey, 0, len(data))
	for id, jsonStr := range data {
		var k store.ApiKey
		if err := json.Unmarshal([]byte(jsonStr), &k); err != nil {
			a.c.logger.Warn("failed to parse api key", "id", id, "error", err)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// validate finds the api key whose prefix matches rawKey and whose bcrypt
// hash verifies against it. Inactive keys are rejected here; daily-limit
// enforcement is the caller's job (pkg/middleware).
func (a *apiKeyOps) validate(ctx context.Context, rawKey string) (*store.ApiKey, error) {
	if len(rawKey) < keyPrefixLen {
		return nil, store.ErrInvalidAPIKey
	}
	prefix := rawKey[:keyPrefixLen]

	keys, err := a.all(ctx)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		k := keys[i]
		if k.KeyPrefix != prefix {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)); err != nil {
			continue
		}
		if !k.IsActive {
			return nil, store.ErrInvalidAPIKey
		}
		return &k, nil
	}
	return nil, store.ErrInvalidAPIKey
}

// incrementUsage bumps usageToday, resetting it first if usageDate has
// rolled over to a new day, as an optimistic WATCH/MULTI update in the same
// shape as the account pool's.
func (a *apiKeyOps) incrementUsage(ctx context.Context, keyID string) error {
	const maxRetries = 3
	const baseBackoff = 5 * time.Millisecond
	key := a.c.key(apiKeyHashKey)
	today := time.Now().UTC().Format("2006-01-02")

	for i := 0; i < maxRetries; i++ {
		err := a.c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			data, err := tx.HGet(ctx, key, keyID).Result()
			if err != nil {
				return err
			}
			var k store.ApiKey
			if err := json.Unmarshal([]byte(data), &k); err != nil {
				return err
			}
			if k.UsageDate != today {
				k.UsageDate = today
				k.UsageToday = 0
			}
			k.UsageToday++
			updated, err := json.Marshal(k)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, key, keyID, string(updated))
				return nil
			})
			return err
		}, key)

		if err == nil {
			return nil
		}
		if err == goredis.TxFailedErr {
			time.Sleep(baseBackoff * time.Duration(1<<i))
			continue
		}
		return fmt.Errorf("failed to increment api key usage %s: %w", keyID, err)
	}
	return fmt.Errorf("failed to increment api key usage %s after %d retries", keyID, maxRetries)
}

func (s *Store) ValidateAPIKey(ctx context.Context, rawKey string) (*store.ApiKey, error) {
	return s.keys.validate(ctx, rawKey)
}

func (s *Store) IncrementAPIKeyUsage(ctx context.Context, keyID string) error {
	return s.keys.incrementUsage(ctx, keyID)
}
