package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiroproxy/kiro-proxy/internal/ir"
	"github.com/kiroproxy/kiro-proxy/internal/kiro"
	"github.com/kiroproxy/kiro-proxy/internal/store"
)

// Service is a long-lived per-account upstream handle: it
// owns one account's credentials in memory, refreshes them single-flight,
// and serves unary/streaming calls against Kiro.
type Service struct {
	mu     sync.RWMutex
	uuid   string
	region string
	creds  store.Credentials

	kiroClient *kiro.Client
	refresher  *TokenRefresher
	logger     *slog.Logger
}

func newService(uuid, region string, creds store.Credentials, kiroClient *kiro.Client, refresher *TokenRefresher, logger *slog.Logger) *Service {
	return &Service{
		uuid:       uuid,
		region:     region,
		creds:      creds,
		kiroClient: kiroClient,
		refresher:  refresher,
		logger:     logger,
	}
}

// UUID returns the account identifier this handle serves.
func (s *Service) UUID() string {
	return s.uuid
}

// Credentials returns a snapshot of the handle's current credentials.
func (s *Service) Credentials() store.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// ensureFreshToken refreshes the handle's credentials if they're within the
// refresh threshold of expiry, single-flight per account. Returns the fresh
// credentials and whether a refresh actually happened (so the caller knows
// to persist the rotated blob).
func (s *Service) ensureFreshToken(ctx context.Context) (store.Credentials, bool, error) {
	s.mu.RLock()
	current := s.creds
	s.mu.RUnlock()

	if !s.refresher.NeedsRefresh(current) {
		return current, false, nil
	}

	refreshed, err := s.refresher.RefreshSync(ctx, s.uuid, func() (store.Credentials, error) {
		return s.refreshUpstream(ctx, current)
	})
	if err != nil {
		return store.Credentials{}, false, err
	}

	s.mu.Lock()
	s.creds = refreshed
	s.mu.Unlock()
	return refreshed, true, nil
}

func (s *Service) refreshUpstream(ctx context.Context, current store.Credentials) (store.Credentials, error) {
	authMethod := string(current.AuthMethod)
	resp, err := s.kiroClient.RefreshToken(ctx, s.region, current.RefreshToken, authMethod, current.SSORegion, current.ClientID, current.ClientSecret)
	if err != nil {
		return store.Credentials{}, fmt.Errorf("refresh failed for %s: %w", s.uuid, err)
	}

	updated := current
	updated.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		updated.RefreshToken = resp.RefreshToken
	}
	if resp.ProfileARN != "" {
		updated.ProfileARN = resp.ProfileARN
	}
	updated.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return updated, nil
}

// CallOptions parameterizes a single upstream call.
type CallOptions struct {
	Request *ir.Request
}

// CallUnary issues a non-streaming upstream call and returns the decoded
// ir.Events produced by fully draining the response.
func (s *Service) CallUnary(ctx context.Context, opts CallOptions) ([]ir.Event, error) {
	body, metadata, err := kiro.BuildRequestBody(opts.Request, s.Credentials().ProfileARN)
	if err != nil {
		return nil, err
	}
	reader, err := s.kiroClient.SendStreamingRequest(ctx, &kiro.Request{
		Region:     s.region,
		ProfileARN: s.Credentials().ProfileARN,
		Token:      s.Credentials().AccessToken,
		Body:       body,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	return drainEvents(reader, estimateRequestTokens(opts.Request))
}

// CallStream issues a streaming upstream call; the returned channel is
// closed once the stream ends or ctx is cancelled. Streams are never
// retried: they are not replayable.
func (s *Service) CallStream(ctx context.Context, opts CallOptions) (<-chan ir.Event, <-chan error, error) {
	body, metadata, err := kiro.BuildRequestBody(opts.Request, s.Credentials().ProfileARN)
	if err != nil {
		return nil, nil, err
	}
	reader, err := s.kiroClient.SendStreamingRequest(ctx, &kiro.Request{
		Region:     s.region,
		ProfileARN: s.Credentials().ProfileARN,
		Token:      s.Credentials().AccessToken,
		Body:       body,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, nil, err
	}

	events := make(chan ir.Event, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		defer func() { _ = reader.Close() }()
		if err := pumpEvents(ctx, reader, estimateRequestTokens(opts.Request), events); err != nil {
			errs <- err
		}
	}()
	return events, errs, nil
}

func estimateRequestTokens(req *ir.Request) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			total += len(block.Text) / 4
		}
	}
	return total
}
