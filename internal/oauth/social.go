package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

// socialAuthBaseURL is Kiro's hosted authorization endpoint for the social
// (Google/GitHub) login flow.
const socialAuthBaseURL = "https://prod.us-east-1.auth.desktop.kiro.dev/oauth2/authorize"

// socialTokenURL exchanges the authorization code captured by the loopback
// callback for Kiro credentials.
const socialTokenURL = "https://prod.us-east-1.auth.desktop.kiro.dev/oauth2/token"

// bindLoopbackListener tries each port in [loopbackPortStart, loopbackPortEnd]
// until one binds, so a second concurrent social-login session doesn't
// collide with a still-open listener from a prior one.
func bindLoopbackListener() (net.Listener, int, error) {
	var lastErr error
	for port := loopbackPortStart; port <= loopbackPortEnd; port++ {
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			return l, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no loopback port available in [%d,%d]: %w", loopbackPortStart, loopbackPortEnd, lastErr)
}

// buildSocialAuthURL constructs the browser-facing authorization URL for
// provider ("google" | "github"), PKCE-protected and bound to redirectURI.
func buildSocialAuthURL(provider, redirectURI, codeChallenge, state string) string {
	return fmt.Sprintf(
		"%s?provider=%s&redirect_uri=%s&code_challenge=%s&code_challenge_method=S256&state=%s&response_type=code",
		socialAuthBaseURL, provider, redirectURI, codeChallenge, state,
	)
}

type socialTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn"`
	ExpiresIn    int    `json:"expiresIn"`
}

// exchangeSocialCode trades the authorization code captured on the loopback
// callback for Kiro credentials, completing the PKCE flow.
func exchangeSocialCode(ctx context.Context, hc *http.Client, code, codeVerifier, redirectURI string) (*socialTokenResponse, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"grantType":    "authorization_code",
		"code":         code,
		"codeVerifier": codeVerifier,
		"redirectUri":  redirectURI,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, socialTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("social token exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("social token exchange failed: status %d", resp.StatusCode)
	}

	var out socialTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode social token response: %w", err)
	}
	return &out, nil
}

// callbackResult is what the loopback handler delivers to the flow
// goroutine waiting on it: either an authorization code or an error
// parameter the provider redirected back with.
type callbackResult struct {
	code  string
	state string
	err   string
}

// serveLoopbackCallback starts an HTTP server on l and returns at once. The
// returned channel receives the first "/callback" request; it receives
// nothing if ctx ends first. The server is closed when ctx is done.
func serveLoopbackCallback(ctx context.Context, l net.Listener) <-chan callbackResult {
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	srv := &http.Server{Handler: mux}

	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res := callbackResult{
			code:  q.Get("code"),
			state: q.Get("state"),
			err:   q.Get("error"),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.err != "" {
			_, _ = w.Write([]byte("<html><body>Authentication failed. You may close this window.</body></html>"))
		} else {
			_, _ = w.Write([]byte("<html><body>Authentication complete. You may close this window.</body></html>"))
		}

		select {
		case resultCh <- res:
		default:
		}
	})

	go func() {
		_ = srv.Serve(l)
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	return resultCh
}
