package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// builderIDStartURL is the fixed Identity Center start URL AWS Builder ID
// accounts authenticate against.
const builderIDStartURL = "https://view.awsapps.com/start"

// defaultIDCRegion is used when a caller starts a flow without specifying a
// region.
const defaultIDCRegion = "us-east-1"

// Options configures an Engine.
type Options struct {
	Store      store.Store
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Engine drives the three account-linking flows against the store, holding
// the in-memory half of each session (cancellation, loopback listener) the
// persisted store.OAuthSession doesn't carry.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	http   *http.Client

	mu      sync.Mutex
	pending map[string]*pendingFlow
}

// NewEngine creates a new OAuth engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{
		store:   opts.Store,
		logger:  logger,
		http:    hc,
		pending: make(map[string]*pendingFlow),
	}
}

// StartSocial begins the PKCE + loopback-callback flow for provider
// ("google" | "github").
func (e *Engine) StartSocial(ctx context.Context, provider string) (*store.OAuthSession, error) {
	sessionID := uuid.NewString()
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier, _, err := generatePKCE()
	if err != nil {
		return nil, fmt.Errorf("generate pkce: %w", err)
	}

	listener, port, err := bindLoopbackListener()
	if err != nil {
		return nil, err
	}
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	session := &store.OAuthSession{
		SessionID:    sessionID,
		Type:         store.AuthMethodSocial,
		Provider:     provider,
		Region:       "us-east-1",
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		State:        state,
		ExpiresAt:    time.Now().Add(defaultSessionExpiry),
		Status:       store.OAuthStatusPending,
		CreatedAt:    time.Now(),
	}
	if err := e.store.CreateOAuthSession(ctx, session); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("create oauth session: %w", err)
	}

	flowCtx, cancel := context.WithTimeout(context.Background(), defaultSessionExpiry)
	e.mu.Lock()
	e.pending[sessionID] = &pendingFlow{cancel: cancel, listener: listener}
	e.mu.Unlock()

	resultCh := serveLoopbackCallback(flowCtx, listener)
	go e.awaitSocialCallback(flowCtx, sessionID, resultCh)

	return session, nil
}

// SocialAuthURL rebuilds the browser-facing URL for a pending social
// session, since the URL itself is derived rather than stored.
func SocialAuthURL(s *store.OAuthSession) string {
	return buildSocialAuthURL(s.Provider, s.RedirectURI, challengeFromVerifier(s.CodeVerifier), s.State)
}

func (e *Engine) awaitSocialCallback(ctx context.Context, sessionID string, resultCh <-chan callbackResult) {
	defer e.finishFlow(sessionID)

	select {
	case <-ctx.Done():
		e.markTimeoutOrCancelled(context.Background(), sessionID)
		return
	case res := <-resultCh:
		e.completeSocial(context.Background(), sessionID, res)
	}
}

func (e *Engine) completeSocial(ctx context.Context, sessionID string, res callbackResult) {
	session, err := e.store.GetOAuthSession(ctx, sessionID)
	if err != nil || session == nil {
		return
	}
	if session.Status.Terminal() {
		return
	}

	if res.err != "" {
		e.fail(ctx, session, res.err)
		return
	}
	if res.state != session.State {
		e.fail(ctx, session, "callback state mismatch")
		return
	}
	if res.code == "" {
		e.fail(ctx, session, "callback did not include an authorization code")
		return
	}

	tok, err := exchangeSocialCode(ctx, e.http, res.code, session.CodeVerifier, session.RedirectURI)
	if err != nil {
		e.fail(ctx, session, err.Error())
		return
	}

	session.Status = store.OAuthStatusCompleted
	session.Credentials = &store.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAtFrom(tok.ExpiresIn),
		AuthMethod:   store.AuthMethodSocial,
		ProfileARN:   tok.ProfileArn,
	}
	if err := e.store.UpdateOAuthSession(ctx, session); err != nil {
		e.logger.Warn("oauth: failed to persist completed social session", "session", sessionID, "error", err)
	}
}

// StartBuilderID begins the AWS Builder ID device-authorization flow.
func (e *Engine) StartBuilderID(ctx context.Context) (*store.OAuthSession, error) {
	return e.startDeviceFlow(ctx, store.AuthMethodBuilderID, builderIDStartURL, defaultIDCRegion)
}

// StartIdentityCenter begins an IAM Identity Center device-authorization
// flow against a caller-supplied organization start URL.
func (e *Engine) StartIdentityCenter(ctx context.Context, startURL, region string) (*store.OAuthSession, error) {
	if startURL == "" {
		return nil, fmt.Errorf("startUrl is required for identity-center auth")
	}
	if !startURLPattern.MatchString(startURL) {
		return nil, fmt.Errorf("startUrl must be an awsapps.com start URL")
	}
	if region == "" {
		region = defaultIDCRegion
	}
	if !allowedSSORegions[region] {
		return nil, fmt.Errorf("ssoRegion %q is not supported", region)
	}
	return e.startDeviceFlow(ctx, store.AuthMethodIdentityCenter, startURL, region)
}

func (e *Engine) startDeviceFlow(ctx context.Context, method store.AuthMethod, startURL, region string) (*store.OAuthSession, error) {
	sso := newSSOOIDCClient(region, e.http)

	reg, err := sso.registerClient(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := sso.startDeviceAuthorization(ctx, reg.ClientID, reg.ClientSecret, startURL)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	expiresAt := auth.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultSessionExpiry)
	}

	session := &store.OAuthSession{
		SessionID:               sessionID,
		Type:                    method,
		Region:                  region,
		ClientID:                reg.ClientID,
		ClientSecret:            reg.ClientSecret,
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		PollInterval:            int(auth.Interval),
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		StartURL:                startURL,
		SSORegion:               region,
		ExpiresAt:               expiresAt,
		Status:                  store.OAuthStatusPending,
		CreatedAt:               time.Now(),
	}
	if err := e.store.CreateOAuthSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create oauth session: %w", err)
	}

	flowCtx, cancel := context.WithDeadline(context.Background(), session.ExpiresAt)
	e.mu.Lock()
	e.pending[sessionID] = &pendingFlow{cancel: cancel}
	e.mu.Unlock()

	interval := time.Duration(session.PollInterval) * time.Second
	if interval < devicePollFloor {
		interval = devicePollFloor
	}
	go e.pollDeviceFlow(flowCtx, sessionID, sso, interval)

	return session, nil
}

func (e *Engine) pollDeviceFlow(ctx context.Context, sessionID string, sso *ssoOIDCClient, interval time.Duration) {
	defer e.finishFlow(sessionID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.markTimeoutOrCancelled(context.Background(), sessionID)
			return
		case <-ticker.C:
			session, err := e.store.GetOAuthSession(context.Background(), sessionID)
			if err != nil || session == nil || session.Status.Terminal() {
				return
			}

			tok, err := sso.createToken(ctx, session.ClientID, session.ClientSecret, session.DeviceCode)
			if err == nil {
				session.Status = store.OAuthStatusCompleted
				session.Credentials = &store.Credentials{
					AccessToken:         tok.AccessToken,
					RefreshToken:        tok.RefreshToken,
					ExpiresAt:           tok.Expiry,
					AuthMethod:          session.Type,
					ClientID:            session.ClientID,
					ClientSecret:        session.ClientSecret,
					ClientSecretExpires: session.ExpiresAt,
					StartURL:            session.StartURL,
					SSORegion:           session.SSORegion,
				}
				if uerr := e.store.UpdateOAuthSession(context.Background(), session); uerr != nil {
					e.logger.Warn("oauth: failed to persist completed device session", "session", sessionID, "error", uerr)
				}
				return
			}

			switch {
			case err == ErrAuthorizationPending:
				continue
			case err == ErrSlowDown:
				interval *= 2
				ticker.Reset(interval)
				continue
			case err == ErrExpiredToken:
				session.Status = store.OAuthStatusExpired
				session.Error = "device code expired before the user completed verification"
				if uerr := e.store.UpdateOAuthSession(context.Background(), session); uerr != nil {
					e.logger.Warn("oauth: failed to persist expired device session", "session", sessionID, "error", uerr)
				}
				return
			default:
				e.fail(context.Background(), session, err.Error())
				return
			}
		}
	}
}

func (e *Engine) fail(ctx context.Context, session *store.OAuthSession, msg string) {
	session.Status = store.OAuthStatusError
	session.Error = msg
	if err := e.store.UpdateOAuthSession(ctx, session); err != nil {
		e.logger.Warn("oauth: failed to persist failed session", "session", session.SessionID, "error", err)
	}
}

func (e *Engine) markTimeoutOrCancelled(ctx context.Context, sessionID string) {
	session, err := e.store.GetOAuthSession(ctx, sessionID)
	if err != nil || session == nil || session.Status.Terminal() {
		return
	}
	if time.Now().After(session.ExpiresAt) {
		session.Status = store.OAuthStatusExpired
		session.Error = "authentication session expired"
	} else {
		session.Status = store.OAuthStatusTimeout
		session.Error = "authentication timed out"
	}
	if err := e.store.UpdateOAuthSession(ctx, session); err != nil {
		e.logger.Warn("oauth: failed to persist timed-out session", "session", sessionID, "error", err)
	}
}

func (e *Engine) finishFlow(sessionID string) {
	e.mu.Lock()
	flow, ok := e.pending[sessionID]
	delete(e.pending, sessionID)
	e.mu.Unlock()
	if !ok {
		return
	}
	flow.cancel()
	if flow.listener != nil {
		_ = flow.listener.Close()
	}
}

// getSession loads a session, normalizing "missing" (a nil session or the
// store's not-found error) to ErrSessionNotFound.
func (e *Engine) getSession(ctx context.Context, sessionID string) (*store.OAuthSession, error) {
	session, err := e.store.GetOAuthSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Status returns the current state of a session.
func (e *Engine) Status(ctx context.Context, sessionID string) (*store.OAuthSession, error) {
	return e.getSession(ctx, sessionID)
}

// Cancel stops a pending session: the driving goroutine is torn down via its
// cancelFunc and, for social auth, its loopback listener is closed.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	session, err := e.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return ErrSessionNotPending
	}

	session.Status = store.OAuthStatusCancelled
	if err := e.store.UpdateOAuthSession(ctx, session); err != nil {
		return err
	}

	e.mu.Lock()
	flow, ok := e.pending[sessionID]
	e.mu.Unlock()
	if ok {
		flow.cancel()
	}
	return nil
}

// waitPollInterval is how often WaitForAuth re-reads the session while
// blocking for a terminal state.
const waitPollInterval = 500 * time.Millisecond

// WaitForAuth blocks until the session reaches a terminal state or timeout
// elapses. On completion it returns the credentials and deletes the session;
// any other terminal state is returned as an error carrying that status.
func (e *Engine) WaitForAuth(ctx context.Context, sessionID string, timeout time.Duration) (*store.Credentials, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		session, err := e.getSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		if session.Status.Terminal() {
			if session.Status == store.OAuthStatusCompleted {
				creds := session.Credentials
				if creds == nil {
					return nil, fmt.Errorf("session %s completed without credentials", sessionID)
				}
				if err := e.store.DeleteOAuthSession(ctx, sessionID); err != nil {
					e.logger.Warn("oauth: failed to delete completed session", "session", sessionID, "error", err)
				}
				return creds, nil
			}
			if session.Error != "" {
				return nil, fmt.Errorf("authentication %s: %s", session.Status, session.Error)
			}
			return nil, fmt.Errorf("authentication %s", session.Status)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for authentication session %s", sessionID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run sweeps sessions that have sat in a terminal state for longer than
// reaperSweepAfter, keeping the store from accumulating finished sessions
// forever.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(reaperSweepAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	sessions, err := e.store.ListOAuthSessions(ctx)
	if err != nil {
		e.logger.Warn("oauth: reaper failed to list sessions", "error", err)
		return
	}
	now := time.Now()
	for _, s := range sessions {
		if s.Status.Terminal() && now.Sub(s.CreatedAt) > reaperSweepAfter {
			if err := e.store.DeleteOAuthSession(ctx, s.SessionID); err != nil {
				e.logger.Warn("oauth: reaper failed to delete session", "session", s.SessionID, "error", err)
			}
		}
		if !s.Status.Terminal() && now.After(s.ExpiresAt) {
			s := s
			s.Status = store.OAuthStatusExpired
			if err := e.store.UpdateOAuthSession(ctx, &s); err != nil {
				e.logger.Warn("oauth: reaper failed to expire session", "session", s.SessionID, "error", err)
			}
		}
	}
}
