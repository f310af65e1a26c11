// Package store defines the persistence contract consumed by the core: the
// account pool, the OAuth engine, and the ingress handlers all program
// against the Store interface rather than any concrete database.
package store

import "time"

// AuthMethod identifies which OAuth flow produced an account's credentials.
type AuthMethod string

const (
	AuthMethodSocial         AuthMethod = "social"
	AuthMethodBuilderID      AuthMethod = "builder-id"
	AuthMethodIdentityCenter AuthMethod = "identity-center"
)

// AccountType classifies an account's upstream plan tier.
type AccountType string

const (
	AccountTypeFree    AccountType = "FREE"
	AccountTypePro     AccountType = "PRO"
	AccountTypeUnknown AccountType = "UNKNOWN"
)

// SelectionStrategy is the configured pool selection policy.
type SelectionStrategy string

const (
	StrategyLRU         SelectionStrategy = "lru"
	StrategyRoundRobin  SelectionStrategy = "round_robin"
	StrategyLeastUsage  SelectionStrategy = "least_usage"
	StrategyMostUsage   SelectionStrategy = "most_usage"
	StrategyOldestFirst SelectionStrategy = "oldest_first"
)

// Credentials is the tagged-variant credential blob stored per account. Only
// the fields relevant to AuthMethod are populated; the rest are zero.
type Credentials struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	AuthMethod   AuthMethod `json:"authMethod"`

	// Device-flow fields (builder-id, identity-center).
	ClientID            string    `json:"clientId,omitempty"`
	ClientSecret        string    `json:"clientSecret,omitempty"`
	ClientSecretExpires time.Time `json:"clientSecretExpiresAt,omitempty"`

	// Social fields.
	ProfileARN string `json:"profileArn,omitempty"`

	// Identity Center fields.
	StartURL  string `json:"startUrl,omitempty"`
	SSORegion string `json:"ssoRegion,omitempty"`
}

// Account is one upstream Kiro credential record, the unit of pooling.
type Account struct {
	ID   int64  `json:"id"`
	UUID string `json:"uuid"`

	Name        string      `json:"name"`
	Region      string      `json:"region"`
	AccountType AccountType `json:"accountType"`

	Credentials Credentials `json:"credentials"`

	IsHealthy        bool      `json:"isHealthy"`
	ErrorCount       int       `json:"errorCount"`
	LastErrorTime    time.Time `json:"lastErrorTime,omitempty"`
	LastErrorMessage string    `json:"lastErrorMessage,omitempty"`
	MaxErrorCount    int       `json:"maxErrorCount"`

	// ScheduledRecoveryTime gates eligibility until it has passed (e.g. after
	// a 402 quota-exhaustion response, scheduled for the first of next month).
	ScheduledRecoveryTime time.Time `json:"scheduledRecoveryTime,omitempty"`

	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`

	CachedUsageData CachedUsage `json:"cachedUsageData"`
	LastUsageSync   time.Time   `json:"lastUsageSync,omitempty"`
	UsageExhausted  bool        `json:"usageExhausted"`

	IsDisabled     bool     `json:"isDisabled"`
	AllowedModels  []string `json:"allowedModels,omitempty"` // nil == all models allowed
	CheckHealth    bool     `json:"checkHealth"`
	CheckModelName string   `json:"checkModelName,omitempty"`

	AccountEmail string `json:"accountEmail,omitempty"`
}

// CachedUsage is the last formatted quota snapshot for an account.
type CachedUsage struct {
	Used    int     `json:"used"`
	Limit   int     `json:"limit"`
	Percent float64 `json:"percent"`
}

// EffectiveMaxErrorCount returns the account's override, or the global default.
func (a *Account) EffectiveMaxErrorCount(globalDefault int) int {
	if a.MaxErrorCount > 0 {
		return a.MaxErrorCount
	}
	return globalDefault
}

// AllowsModel reports whether the account's allow-list permits model.
// A nil AllowedModels means every model is allowed.
func (a *Account) AllowsModel(model string) bool {
	if a.AllowedModels == nil {
		return true
	}
	for _, m := range a.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Eligible reports whether the account may currently serve a request for
// model.
func (a *Account) Eligible(model string) bool {
	return !a.IsDisabled && a.IsHealthy && !a.UsageExhausted && a.AllowsModel(model) &&
		(a.ScheduledRecoveryTime.IsZero() || time.Now().After(a.ScheduledRecoveryTime))
}

// EligibleIgnoringExhaustion is the fallback eligibility check used when no
// account is eligible under the strict predicate.
func (a *Account) EligibleIgnoringExhaustion(model string) bool {
	return !a.IsDisabled && a.IsHealthy && a.AllowsModel(model) &&
		(a.ScheduledRecoveryTime.IsZero() || time.Now().After(a.ScheduledRecoveryTime))
}

// ApiKey is a client-facing secret.
type ApiKey struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	KeyPrefix   string    `json:"keyPrefix"` // first 8 chars, safe to list
	KeyHash     string    `json:"keyHash"`   // bcrypt hash, lookup only
	DailyLimit  int       `json:"dailyLimit"` // -1 == unlimited
	UsageToday  int       `json:"usageToday"`
	UsageDate   string    `json:"usageDate"` // YYYY-MM-DD, resets UsageToday on rollover
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OAuthSessionStatus is the terminal/non-terminal state of an in-flight auth.
type OAuthSessionStatus string

const (
	OAuthStatusPending   OAuthSessionStatus = "pending"
	OAuthStatusCompleted OAuthSessionStatus = "completed"
	OAuthStatusError     OAuthSessionStatus = "error"
	OAuthStatusExpired   OAuthSessionStatus = "expired"
	OAuthStatusTimeout   OAuthSessionStatus = "timeout"
	OAuthStatusCancelled OAuthSessionStatus = "cancelled"
)

// Terminal reports whether s is a terminal status; a session transitions
// out of pending at most once.
func (s OAuthSessionStatus) Terminal() bool {
	return s != OAuthStatusPending
}

// OAuthSession is state for an in-flight authentication.
type OAuthSession struct {
	SessionID string     `json:"sessionId"`
	Type      AuthMethod `json:"type"`
	Provider  string     `json:"provider,omitempty"` // "google" | "github", social only

	Region string `json:"region,omitempty"`

	// Social/PKCE fields.
	CodeVerifier string `json:"codeVerifier,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	State        string `json:"state,omitempty"`

	// Device-flow fields.
	ClientID                string `json:"clientId,omitempty"`
	ClientSecret            string `json:"clientSecret,omitempty"`
	DeviceCode              string `json:"deviceCode,omitempty"`
	UserCode                string `json:"userCode,omitempty"`
	PollInterval            int    `json:"pollInterval,omitempty"` // seconds
	VerificationURI         string `json:"verificationUri,omitempty"`
	VerificationURIComplete string `json:"verificationUriComplete,omitempty"`

	// Identity Center fields.
	StartURL  string `json:"startUrl,omitempty"`
	SSORegion string `json:"ssoRegion,omitempty"`

	ExpiresAt time.Time          `json:"expiresAt"`
	Status    OAuthSessionStatus `json:"status"`
	Error     string             `json:"error,omitempty"`

	// Credentials is populated only when Status == completed.
	Credentials *Credentials `json:"credentials,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// AppConfig is the persisted configuration mapping.
type AppConfig struct {
	Port             int               `json:"port"`
	Host             string            `json:"host"`
	ProviderStrategy SelectionStrategy `json:"providerStrategy"`
	MaxErrorCount    int               `json:"maxErrorCount"`

	HealthCheckIntervalMinutes int `json:"healthCheckIntervalMinutes"`
	UsageSyncIntervalMinutes   int `json:"usageSyncIntervalMinutes"`

	RequestMaxRetries int           `json:"requestMaxRetries"`
	RequestBaseDelay  time.Duration `json:"requestBaseDelay"`

	SessionExpireHours int    `json:"sessionExpireHours"`
	SystemPrompt       string `json:"systemPrompt"`
}
