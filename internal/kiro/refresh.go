package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// socialRefreshURLTemplate is Kiro's own refresh endpoint, used for
	// social-login (Google/GitHub) credentials.
	socialRefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// oidcRefreshURLTemplate is the AWS SSO-OIDC refresh endpoint, used for
	// builder-id and identity-center credentials.
	oidcRefreshURLTemplate = "https://oidc.%s.amazonaws.com/token"
	// refreshTimeout bounds a single refresh round trip.
	refreshTimeout = 15 * time.Second
)

// socialRefreshRequest is the body for Kiro's social refresh endpoint.
type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// deviceRefreshRequest is the body for the SSO-OIDC refresh endpoint; the
// device flows additionally authenticate with their registered client.
type deviceRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
}

// RefreshResponse represents a token refresh response.
type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"` // seconds
	ProfileARN   string `json:"profileArn,omitempty"`
}

// RefreshToken refreshes an account's access token. Social credentials go
// through Kiro's own endpoint with just the refresh token; builder-id and
// identity-center credentials go through SSO-OIDC and must present the
// clientID/clientSecret registered when the device flow ran.
func (c *Client) RefreshToken(ctx context.Context, region string, refreshToken string, authMethod string, ssoRegion string, clientID string, clientSecret string) (*RefreshResponse, error) {
	var refreshURL string
	var bodyBytes []byte
	var err error

	if authMethod != "" && authMethod != "social" {
		if ssoRegion == "" {
			ssoRegion = region
		}
		refreshURL = fmt.Sprintf(oidcRefreshURLTemplate, ssoRegion)

		bodyBytes, err = json.Marshal(deviceRefreshRequest{
			RefreshToken: refreshToken,
			ClientID:     clientID,
			ClientSecret: clientSecret,
			GrantType:    "refresh_token",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal device refresh request: %w", err)
		}
		c.logger.Debug("refreshing via sso-oidc", "authMethod", authMethod, "ssoRegion", ssoRegion)
	} else {
		if region == "" {
			region = "us-east-1"
		}
		refreshURL = fmt.Sprintf(socialRefreshURLTemplate, region)

		bodyBytes, err = json.Marshal(socialRefreshRequest{RefreshToken: refreshToken})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal refresh request: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", refreshURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("refreshing token", "url", refreshURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("token refresh failed",
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var refreshResp RefreshResponse
	if err := json.Unmarshal(body, &refreshResp); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	c.logger.Info("token refreshed successfully")
	return &refreshResp, nil
}
