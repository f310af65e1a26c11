package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

const configKey = "config:app"

// defaultAppConfig is the fallback applied when Redis has never been
// seeded, matching internal/config's process defaults.
var defaultAppConfig = store.AppConfig{
	Port:                       9091,
	Host:                       "0.0.0.0",
	ProviderStrategy:           store.StrategyLRU,
	MaxErrorCount:              3,
	HealthCheckIntervalMinutes: 10,
	UsageSyncIntervalMinutes:   10,
	RequestMaxRetries:          3,
	RequestBaseDelay:           1000 * time.Millisecond,
	SessionExpireHours:         24,
}

type configOps struct {
	c *client
}

func (co *configOps) load(ctx context.Context) (*store.AppConfig, error) {
	data, err := co.c.rdb.Get(ctx, co.c.key(configKey)).Result()
	if err != nil {
		if err == goredis.Nil {
			cfg := defaultAppConfig
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to load app config: %w", err)
	}
	cfg := defaultAppConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse app config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) LoadAppConfig(ctx context.Context) (*store.AppConfig, error) {
	return s.cfg.load(ctx)
}

func (s *Store) Close() error {
	return s.client.Close()
}
