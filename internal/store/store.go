package store

import (
	"context"
	"time"
)

// UsageUpdate is the patch applied by UpdateProviderUsageCache.
type UsageUpdate struct {
	Used      int
	Limit     int
	Percent   float64
	Exhausted bool
}

// ProviderPatch is a partial update applied by UpdateProvider; nil fields are
// left unchanged.
type ProviderPatch struct {
	IsDisabled            *bool
	AllowedModels         *[]string
	CheckHealth           *bool
	CheckModelName        *string
	AccountType           *AccountType
	ScheduledRecoveryTime *time.Time
}

// Store is the persistence contract consumed by the core. Every method is an
// atomic, per-call operation; no multi-statement transaction scope is
// required of implementations.
type Store interface {
	// Accounts / providers.
	GetAvailableProviders(ctx context.Context) ([]Account, error)
	GetProvidersByStrategy(ctx context.Context, strategy SelectionStrategy, model string) ([]Account, error)
	GetProvidersNeedingUsageSync(ctx context.Context, intervalMinutes int) ([]Account, error)
	GetProviderByID(ctx context.Context, uuid string) (*Account, error)
	UpdateProviderCredentials(ctx context.Context, uuid string, creds Credentials) error
	UpdateProviderUsageCache(ctx context.Context, uuid string, update UsageUpdate) error
	UpdateProviderAccountEmail(ctx context.Context, uuid string, email string) error
	UpdateProvider(ctx context.Context, uuid string, patch ProviderPatch) error
	MarkProviderHealthy(ctx context.Context, uuid string) error
	MarkProviderUnhealthy(ctx context.Context, uuid string, msg string, maxErrorCount int) error
	UpdateProviderUsage(ctx context.Context, uuid string) error // bumps lastUsedAt
	NextRoundRobinCursor(ctx context.Context, n int) (int, error)

	// OAuth sessions.
	CreateOAuthSession(ctx context.Context, session *OAuthSession) error
	GetOAuthSession(ctx context.Context, sessionID string) (*OAuthSession, error)
	UpdateOAuthSession(ctx context.Context, session *OAuthSession) error
	DeleteOAuthSession(ctx context.Context, sessionID string) error
	ListOAuthSessions(ctx context.Context) ([]OAuthSession, error)

	// API keys.
	ValidateAPIKey(ctx context.Context, rawKey string) (*ApiKey, error)
	IncrementAPIKeyUsage(ctx context.Context, keyID string) error

	// Configuration.
	LoadAppConfig(ctx context.Context) (*AppConfig, error)

	Close() error
}
