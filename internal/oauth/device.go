package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ssoOIDCClient talks to AWS's SSO-OIDC API (RFC 8628 device authorization
// grant, AWS-flavored): register a client, start device authorization, then
// poll for a token. Both Builder ID and Identity Center drive this same
// three-call sequence, differing only in startURL. AWS speaks
// JSON rather than the RFC's form encoding, so the HTTP calls are hand-built
// and normalized into the standard oauth2.DeviceAuthResponse/oauth2.Token
// shapes.
type ssoOIDCClient struct {
	http   *http.Client
	region string
}

func newSSOOIDCClient(region string, hc *http.Client) *ssoOIDCClient {
	if region == "" {
		region = "us-east-1"
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &ssoOIDCClient{http: hc, region: region}
}

func (c *ssoOIDCClient) baseURL() string {
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", c.region)
}

type registerClientResponse struct {
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	ClientIDIssuedAt      int64  `json:"clientIdIssuedAt"`
	ClientSecretExpiresAt int64  `json:"clientSecretExpiresAt"`
}

// registerClient registers a transient OIDC client, required before every
// device-authorization request.
func (c *ssoOIDCClient) registerClient(ctx context.Context) (*registerClientResponse, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"clientName": "kiro-proxy",
		"clientType": "public",
		"scopes":     []string{"sso:account:access"},
	})

	var out registerClientResponse
	if err := c.post(ctx, "/client/register", body, &out); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	return &out, nil
}

type startDeviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// startDeviceAuthorization begins a device-authorization grant against
// startURL (the Builder ID default or a caller-supplied Identity Center
// start URL).
func (c *ssoOIDCClient) startDeviceAuthorization(ctx context.Context, clientID, clientSecret, startURL string) (*oauth2.DeviceAuthResponse, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"startUrl":     startURL,
	})

	var out startDeviceAuthResponse
	if err := c.post(ctx, "/device_authorization", body, &out); err != nil {
		return nil, fmt.Errorf("start device authorization: %w", err)
	}

	auth := &oauth2.DeviceAuthResponse{
		DeviceCode:              out.DeviceCode,
		UserCode:                out.UserCode,
		VerificationURI:         out.VerificationURI,
		VerificationURIComplete: out.VerificationURIComplete,
		Interval:                int64(out.Interval),
	}
	if out.ExpiresIn > 0 {
		auth.Expiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return auth, nil
}

type createTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

type oidcErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// createToken polls once for the token produced by a completed device
// authorization. Callers must translate ErrAuthorizationPending/ErrSlowDown
// into a retry rather than a terminal failure.
func (c *ssoOIDCClient) createToken(ctx context.Context, clientID, clientSecret, deviceCode string) (*oauth2.Token, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"deviceCode":   deviceCode,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
	})

	var out createTokenResponse
	err := c.post(ctx, "/token", body, &out)
	if err == nil {
		return tokenFrom(&out), nil
	}

	apiErr, ok := err.(*oidcAPIError)
	if !ok {
		return nil, err
	}
	switch apiErr.code {
	case "authorization_pending":
		return nil, ErrAuthorizationPending
	case "slow_down":
		return nil, ErrSlowDown
	case "expired_token":
		return nil, ErrExpiredToken
	default:
		return nil, apiErr
	}
}

// refreshToken exchanges a refresh token for a fresh access token. It has no
// callers; the account pool refreshes through kiro.Client.RefreshToken.
func (c *ssoOIDCClient) refreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*oauth2.Token, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"clientId":     clientID,
		"clientSecret": clientSecret,
		"refreshToken": refreshToken,
		"grantType":    "refresh_token",
	})

	var out createTokenResponse
	if err := c.post(ctx, "/token", body, &out); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tokenFrom(&out), nil
}

// tokenFrom normalizes AWS's camelCase token body into an oauth2.Token.
func tokenFrom(out *createTokenResponse) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		TokenType:    out.TokenType,
		Expiry:       expiresAtFrom(out.ExpiresIn),
	}
}

type oidcAPIError struct {
	statusCode int
	code       string
	message    string
}

func (e *oidcAPIError) Error() string {
	return fmt.Sprintf("sso-oidc error: %s: %s (status %d)", e.code, e.message, e.statusCode)
}

func (c *ssoOIDCClient) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var errBody oidcErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &oidcAPIError{statusCode: resp.StatusCode, code: errBody.Error, message: errBody.ErrorDescription}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// expiresAtFrom converts a token body's relative expiry into an absolute
// time.Time for storage.
func expiresAtFrom(expiresIn int) time.Time {
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return time.Now().Add(time.Duration(expiresIn) * time.Second)
}
