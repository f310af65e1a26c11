// Package redisstore is the Redis-backed implementation of store.Store.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

var (
	// ErrNotConnected is returned when the client has not yet connected.
	ErrNotConnected = errors.New("redis client not connected")
)

// client wraps the go-redis client with connection pooling and an
// in-memory resilience cache for read-path degradation.
type client struct {
	rdb       *goredis.Client
	keyPrefix string
	logger    *slog.Logger

	connected atomic.Bool

	cacheMu      sync.RWMutex
	accountCache map[string]store.Account
	cacheUpdated time.Time
}

// Options configures the Redis-backed store.
type Options struct {
	URL       string
	KeyPrefix string
	PoolSize  int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Store is the Redis-backed store.Store implementation.
type Store struct {
	*client
	accounts *accountOps
	sessions *sessionOps
	keys     *apiKeyOps
	cfg      *configOps
}

// New creates a new Redis-backed store and connects to Redis.
func New(ctx context.Context, opts Options) (*Store, error) {
	redisOpts, err := parseRedisURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	redisOpts.PoolSize = opts.PoolSize
	redisOpts.MinIdleConns = opts.PoolSize / 5
	redisOpts.PoolTimeout = opts.Timeout
	redisOpts.ReadTimeout = opts.Timeout
	redisOpts.WriteTimeout = opts.Timeout

	rdb := goredis.NewClient(redisOpts)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &client{
		rdb:          rdb,
		keyPrefix:    opts.KeyPrefix,
		logger:       logger,
		accountCache: make(map[string]store.Account),
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.connected.Store(true)
	logger.Info("connected to redis")

	s := &Store{client: c}
	s.accounts = &accountOps{c: c}
	s.sessions = &sessionOps{c: c}
	s.keys = &apiKeyOps{c: c}
	s.cfg = &configOps{c: c}
	return s, nil
}

func parseRedisURL(redisURL string) (*goredis.Options, error) {
	u, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}
	opts := &goredis.Options{Addr: u.Host}
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}
	if len(u.Path) > 1 {
		if db, err := strconv.Atoi(u.Path[1:]); err == nil {
			opts.DB = db
		}
	}
	return opts, nil
}

// Close closes the Redis connection.
func (c *client) Close() error {
	c.connected.Store(false)
	return c.rdb.Close()
}

// IsConnected reports whether the client is currently connected.
func (c *client) IsConnected() bool {
	return c.connected.Load()
}

// Ping checks Redis connectivity.
func (c *client) Ping(ctx context.Context) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.rdb.Ping(ctx).Err()
}

// key returns a prefixed key.
func (c *client) key(parts ...string) string {
	k := c.keyPrefix
	for _, part := range parts {
		k += part
	}
	return k
}

func (c *client) updateAccountCache(accounts map[string]store.Account) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.accountCache = accounts
	c.cacheUpdated = time.Now()
}

func (c *client) cachedAccounts() (map[string]store.Account, time.Time) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.accountCache, c.cacheUpdated
}
