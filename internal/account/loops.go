package account

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// DefaultCheckModelName is the model probed by the health checker when an
// account does not override checkModelName.
const DefaultCheckModelName = "claude-sonnet-4-20250514"

// probeMaxErrorCount is the circuit-breaker threshold applied to health
// probe failures, distinct from the configured request-path maxErrorCount:
// a single failed probe is enough to flag an account.
const probeMaxErrorCount = 1

// HealthCheckerOptions configures the health checker loop.
type HealthCheckerOptions struct {
	Store      store.Store
	Pool       *Pool
	KiroClient *kiro.Client
	Logger     *slog.Logger
	Interval   time.Duration
}

// HealthChecker periodically probes accounts flagged checkHealth with a
// minimal unary call, recovering unhealthy accounts on a successful probe.
type HealthChecker struct {
	store      store.Store
	pool       *Pool
	kiroClient *kiro.Client
	logger     *slog.Logger
	interval   time.Duration
}

// NewHealthChecker creates a new health checker loop.
func NewHealthChecker(opts HealthCheckerOptions) *HealthChecker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &HealthChecker{store: opts.Store, pool: opts.Pool, kiroClient: opts.KiroClient, logger: logger, interval: interval}
}

// Run blocks, probing accounts every interval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runOnce(ctx)
		}
	}
}

func (h *HealthChecker) runOnce(ctx context.Context) {
	accounts, err := h.store.GetAvailableProviders(ctx)
	if err != nil {
		h.logger.Warn("health checker: failed to list accounts", "error", err)
		return
	}

	for _, acc := range accounts {
		if acc.IsDisabled || !acc.CheckHealth {
			continue
		}
		h.probe(ctx, acc)
	}
}

func (h *HealthChecker) probe(ctx context.Context, acc store.Account) {
	model := acc.CheckModelName
	if model == "" {
		model = DefaultCheckModelName
	}

	svc := h.pool.handleFor(&acc)
	_, rotated, err := svc.ensureFreshToken(ctx)
	if err != nil {
		h.reportProbeFailure(ctx, acc.UUID, err)
		return
	}
	if rotated {
		if err := h.store.UpdateProviderCredentials(ctx, acc.UUID, svc.Credentials()); err != nil {
			h.logger.Warn("health checker: failed to persist rotated credentials", "account", acc.UUID, "error", err)
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := &ir.Request{
		Model:     model,
		Messages:  []ir.Message{{Role: ir.RoleUser, Content: []ir.Block{{Type: ir.BlockText, Text: "Hi"}}}},
		MaxTokens: 10,
	}

	_, err = svc.CallUnary(probeCtx, CallOptions{Request: req})
	if err != nil {
		h.reportProbeFailure(ctx, acc.UUID, err)
		return
	}

	if acc.IsHealthy {
		return // already healthy, no state change needed
	}
	if !acc.ScheduledRecoveryTime.IsZero() && time.Now().Before(acc.ScheduledRecoveryTime) {
		return // quota-exhaustion recovery gate not yet passed
	}
	if err := h.store.MarkProviderHealthy(ctx, acc.UUID); err != nil {
		h.logger.Warn("health checker: failed to mark account recovered", "account", acc.UUID, "error", err)
	} else {
		h.logger.Info("health checker: account recovered", "account", acc.UUID)
	}
}

func (h *HealthChecker) reportProbeFailure(ctx context.Context, uuid string, err error) {
	h.logger.Warn("health checker: probe failed", "account", uuid, "error", err)
	if repErr := h.store.MarkProviderUnhealthy(ctx, uuid, err.Error(), probeMaxErrorCount); repErr != nil {
		h.logger.Warn("health checker: failed to mark account unhealthy", "account", uuid, "error", repErr)
	}
}

// UsageSyncerOptions configures the usage syncer loop.
type UsageSyncerOptions struct {
	Store                    store.Store
	Pool                     *Pool
	KiroClient               *kiro.Client
	Logger                   *slog.Logger
	Interval                 time.Duration
	DefaultFreeAllowedModels []string
}

// UsageSyncer periodically pulls upstream quota for accounts whose cache is
// stale.
type UsageSyncer struct {
	store                    store.Store
	pool                     *Pool
	kiroClient               *kiro.Client
	logger                   *slog.Logger
	interval                 time.Duration
	defaultFreeAllowedModels []string
}

// NewUsageSyncer creates a new usage syncer loop.
func NewUsageSyncer(opts UsageSyncerOptions) *UsageSyncer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &UsageSyncer{
		store:                    opts.Store,
		pool:                     opts.Pool,
		kiroClient:               opts.KiroClient,
		logger:                   logger,
		interval:                 interval,
		defaultFreeAllowedModels: opts.DefaultFreeAllowedModels,
	}
}

// Run blocks, syncing usage every interval until ctx is cancelled.
func (u *UsageSyncer) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.runOnce(ctx)
		}
	}
}

func (u *UsageSyncer) runOnce(ctx context.Context) {
	intervalMinutes := int(u.interval / time.Minute)
	if intervalMinutes <= 0 {
		intervalMinutes = 1
	}
	due, err := u.store.GetProvidersNeedingUsageSync(ctx, intervalMinutes)
	if err != nil {
		u.logger.Warn("usage syncer: failed to list accounts", "error", err)
		return
	}
	for _, acc := range due {
		u.sync(ctx, acc)
	}
}

func (u *UsageSyncer) sync(ctx context.Context, acc store.Account) {
	svc := u.pool.handleFor(&acc)
	_, rotated, err := svc.ensureFreshToken(ctx)
	if err != nil {
		u.logger.Warn("usage syncer: token refresh failed", "account", acc.UUID, "error", err)
		return
	}
	if rotated {
		if err := u.store.UpdateProviderCredentials(ctx, acc.UUID, svc.Credentials()); err != nil {
			u.logger.Warn("usage syncer: failed to persist rotated credentials", "account", acc.UUID, "error", err)
		}
	}

	creds := svc.Credentials()
	limits, err := u.kiroClient.GetUsageLimits(ctx, acc.Region, creds.AccessToken, creds.ProfileARN)
	if err != nil {
		u.logger.Warn("usage syncer: fetch failed", "account", acc.UUID, "error", err)
		return
	}

	var used, limit int
	var percent float64
	if len(limits.Breakdown) > 0 {
		b := limits.Breakdown[0]
		used = b.Used
		limit = b.Limit()
		if limit > 0 {
			percent = float64(used) / float64(limit) * 100
		}
	}

	if err := u.store.UpdateProviderUsageCache(ctx, acc.UUID, store.UsageUpdate{
		Used:      used,
		Limit:     limit,
		Percent:   percent,
		Exhausted: percent >= 100,
	}); err != nil {
		u.logger.Warn("usage syncer: failed to update usage cache", "account", acc.UUID, "error", err)
		return
	}

	newType := store.AccountType(limits.AccountType)
	if newType != "" && newType != acc.AccountType {
		patch := store.ProviderPatch{AccountType: &newType}
		if newType == store.AccountTypeFree && acc.AllowedModels == nil && len(u.defaultFreeAllowedModels) > 0 {
			allowed := u.defaultFreeAllowedModels
			patch.AllowedModels = &allowed
		}
		if err := u.store.UpdateProvider(ctx, acc.UUID, patch); err != nil {
			u.logger.Warn("usage syncer: failed to update account type", "account", acc.UUID, "error", err)
		}
	}
}
