package account

import (
	"context"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// HealthTracker records success/failure outcomes against the store, driving
// the per-account circuit breaker.
type HealthTracker struct {
	store         store.Store
	maxErrorCount int
}

// NewHealthTracker creates a new health tracker.
func NewHealthTracker(s store.Store, maxErrorCount int) *HealthTracker {
	if maxErrorCount <= 0 {
		maxErrorCount = 3
	}
	return &HealthTracker{store: s, maxErrorCount: maxErrorCount}
}

// ReportSuccess zeros errorCount and re-asserts isHealthy.
func (h *HealthTracker) ReportSuccess(ctx context.Context, uuid string) error {
	if err := h.store.UpdateProviderUsage(ctx, uuid); err != nil {
		return err
	}
	return h.store.MarkProviderHealthy(ctx, uuid)
}

// ReportError increments errorCount; at maxErrorCount the account flips
// unhealthy with lastErrorMessage set to msg.
func (h *HealthTracker) ReportError(ctx context.Context, uuid string, msg string) error {
	return h.store.MarkProviderUnhealthy(ctx, uuid, msg, h.maxErrorCount)
}

// ScheduleRecovery marks an account unhealthy with a scheduled recovery time
// (used for 402 quota-exhaustion, which recovers on a calendar boundary
// rather than via the health checker's probe).
func (h *HealthTracker) ScheduleRecovery(ctx context.Context, uuid string, msg string, recoverAt time.Time) error {
	if err := h.store.MarkProviderUnhealthy(ctx, uuid, msg, 1); err != nil {
		return err
	}
	return h.store.UpdateProvider(ctx, uuid, store.ProviderPatch{ScheduledRecoveryTime: &recoverAt})
}

// NextMonthFirstDay returns the first instant of the next calendar month in
// UTC, the recovery point used for quota-exhaustion (402) responses.
func NextMonthFirstDay(from time.Time) time.Time {
	from = from.UTC()
	year, month, _ := from.Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}
