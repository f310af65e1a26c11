package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// ErrContextTooLong marks a failure as the non-penalizing context-length
// class of error: the pool must surface it to the caller verbatim instead
// of retrying against another account or counting it against health.
var ErrContextTooLong = errors.New("request exceeds model context window")

// PoolOptions configures a Pool.
type PoolOptions struct {
	Store      store.Store
	Selector   *Selector
	Health     *HealthTracker
	Refresher  *TokenRefresher
	KiroClient *kiro.Client
	Logger     *slog.Logger

	MaxRetries int
	BaseDelay  time.Duration
}

// Pool is the account manager: it selects an eligible account, hands out a
// cached Service handle for it, and wraps calls in the retry envelope.
type Pool struct {
	store      store.Store
	selector   *Selector
	health     *HealthTracker
	refresher  *TokenRefresher
	kiroClient *kiro.Client
	logger     *slog.Logger

	maxRetries int
	baseDelay  time.Duration

	handlesMu sync.Mutex
	handles   map[string]*cachedHandle
}

type cachedHandle struct {
	credHash string
	service  *Service
}

// NewPool creates a new account pool manager.
func NewPool(opts PoolOptions) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Pool{
		store:      opts.Store,
		selector:   opts.Selector,
		health:     opts.Health,
		refresher:  opts.Refresher,
		kiroClient: opts.KiroClient,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		handles:    make(map[string]*cachedHandle),
	}
}

// handleFor returns the cached Service for acc, rebuilding it if the
// account's credential blob has rotated since the handle was cached
// (handles are keyed by account id and hashed by credential blob).
func (p *Pool) handleFor(acc *store.Account) *Service {
	hash := credentialHash(acc.Credentials)

	p.handlesMu.Lock()
	defer p.handlesMu.Unlock()

	if h, ok := p.handles[acc.UUID]; ok && h.credHash == hash {
		return h.service
	}

	svc := newService(acc.UUID, acc.Region, acc.Credentials, p.kiroClient, p.refresher, p.logger)
	p.handles[acc.UUID] = &cachedHandle{credHash: hash, service: svc}
	return svc
}

func credentialHash(c store.Credentials) string {
	sum := sha256.Sum256([]byte(c.AccessToken + "|" + c.RefreshToken + "|" + c.ProfileARN))
	return hex.EncodeToString(sum[:])
}

// CallFunc is the unit of work the retry envelope drives: given a ready
// Service handle, issue the call and return its decoded events.
type CallFunc func(ctx context.Context, svc *Service) ([]ir.Event, error)

// ExecuteWithRetry is the retry envelope around unary calls: acquire an
// eligible account, ensure its token is fresh, run fn. On success, persist
// any rotated credentials and report success. On a context-length failure,
// surface it without penalizing the account. On any other failure, report
// the error and, if attempts remain, back off and re-select, excluding the
// account that just failed unless it was the only eligible one.
func (p *Pool) ExecuteWithRetry(ctx context.Context, model string, fn CallFunc) ([]ir.Event, error) {
	excluded := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		acc, err := p.selector.SelectWithRetry(ctx, model, excluded)
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last attempt error: %v)", err, lastErr)
			}
			return nil, err
		}

		events, err := p.runOnce(ctx, acc, fn)
		if err == nil {
			return events, nil
		}
		if errors.Is(err, ErrContextTooLong) {
			return nil, err
		}

		lastErr = err
		excluded[acc.UUID] = true
		p.logger.Warn("account call failed, will retry", "account", acc.UUID, "model", model, "attempt", attempt, "error", err)

		if attempt < p.maxRetries {
			delay := p.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, fmt.Errorf("all %d attempts failed: %w", p.maxRetries, lastErr)
}

// ExecuteStream acquires exactly one account and streams through it, with
// no retry: a partially-delivered stream cannot be safely replayed to a
// client.
func (p *Pool) ExecuteStream(ctx context.Context, model string, opts CallOptions) (*store.Account, <-chan ir.Event, <-chan error, error) {
	acc, err := p.selector.Select(ctx, model)
	if err != nil {
		return nil, nil, nil, err
	}

	svc := p.handleFor(acc)
	if _, rotated, err := svc.ensureFreshToken(ctx); err != nil {
		_ = p.health.ReportError(ctx, acc.UUID, err.Error())
		return nil, nil, nil, err
	} else if rotated {
		if err := p.store.UpdateProviderCredentials(ctx, acc.UUID, svc.Credentials()); err != nil {
			p.logger.Warn("failed to persist rotated credentials", "account", acc.UUID, "error", err)
		}
	}

	events, errs, err := svc.CallStream(ctx, opts)
	if err != nil {
		if classified := classify(err); classified != nil {
			// Same non-penalizing context-length class the unary path
			// surfaces; handlers match on ErrContextTooLong for both
			// transports.
			return nil, nil, nil, classified
		}
		p.classifyAndReport(ctx, acc.UUID, err)
		return nil, nil, nil, err
	}
	return acc, events, errs, nil
}

// ReportStreamOutcome records the final outcome of a streamed call, which
// ExecuteStream cannot do itself since mid-stream failures only surface on
// the caller's side once the events/errs channels drain.
func (p *Pool) ReportStreamOutcome(ctx context.Context, uuid string, err error) {
	if err == nil {
		if repErr := p.health.ReportSuccess(ctx, uuid); repErr != nil {
			p.logger.Warn("failed to report stream success", "account", uuid, "error", repErr)
		}
		return
	}
	p.classifyAndReport(ctx, uuid, err)
}

func (p *Pool) runOnce(ctx context.Context, acc *store.Account, fn CallFunc) ([]ir.Event, error) {
	svc := p.handleFor(acc)

	_, rotated, err := svc.ensureFreshToken(ctx)
	if err != nil {
		_ = p.health.ReportError(ctx, acc.UUID, err.Error())
		return nil, err
	}
	if rotated {
		if err := p.store.UpdateProviderCredentials(ctx, acc.UUID, svc.Credentials()); err != nil {
			p.logger.Warn("failed to persist rotated credentials", "account", acc.UUID, "error", err)
		}
	}

	events, err := fn(ctx, svc)
	if err != nil {
		if classified := classify(err); classified != nil {
			// Context-length failures are non-penalizing: surfaced as-is,
			// no health impact, no retry against another account.
			return nil, classified
		}
		p.classifyAndReport(ctx, acc.UUID, err)
		return nil, err
	}

	if err := p.health.ReportSuccess(ctx, acc.UUID); err != nil {
		p.logger.Warn("failed to report success", "account", acc.UUID, "error", err)
	}
	return events, nil
}

// classify maps an upstream error to ErrContextTooLong when applicable, so
// callers never see the raw Kiro error for that class.
func classify(err error) error {
	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) && apiErr.IsContextTooLong() {
		return fmt.Errorf("%w: %v", ErrContextTooLong, err)
	}
	return nil
}

func (p *Pool) classifyAndReport(ctx context.Context, uuid string, err error) {
	var apiErr *kiro.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsContextTooLong() {
			// Non-penalizing: surfaced verbatim, no health impact.
			return
		}
		if apiErr.IsPaymentRequired() {
			if recErr := p.health.ScheduleRecovery(ctx, uuid, err.Error(), NextMonthFirstDay(time.Now())); recErr != nil {
				p.logger.Warn("failed to schedule quota recovery", "account", uuid, "error", recErr)
			}
			return
		}
	}
	if repErr := p.health.ReportError(ctx, uuid, err.Error()); repErr != nil {
		p.logger.Warn("failed to report error", "account", uuid, "error", repErr)
	}
}
