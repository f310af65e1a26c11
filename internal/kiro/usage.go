package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// UsageLimits is Kiro's quota snapshot for one account, shaped around a
// breakdown of the sources that make up the account's limit.
type UsageLimits struct {
	AccountType string          `json:"accountType"`
	Breakdown   []UsageBreakdown `json:"usageBreakdown"`
}

// UsageBreakdown is one entry of UsageLimits.Breakdown; the usage syncer
// sums the first entry's three components into a single limit.
type UsageBreakdown struct {
	Base      int `json:"base"`
	FreeTrial int `json:"freeTrial"`
	Bonus     int `json:"bonus"`
	Used      int `json:"used"`
}

// Limit returns the summed quota for one breakdown entry.
func (b UsageBreakdown) Limit() int {
	return b.Base + b.FreeTrial + b.Bonus
}

const usageLimitsURLTemplate = "https://q.%s.amazonaws.com/getUsageLimits"

// GetUsageLimits fetches the account's quota object from Kiro.
func (c *Client) GetUsageLimits(ctx context.Context, region, token, profileARN string) (*UsageLimits, error) {
	if region == "" {
		region = "us-east-1"
	}
	url := fmt.Sprintf(usageLimitsURLTemplate, region)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage limits request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if profileARN != "" {
		req.Header.Set("x-amz-profile-arn", profileARN)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage limits request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage limits response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, NewAPIErrorWithStatus(resp.StatusCode, body)
	}

	var limits UsageLimits
	if err := json.Unmarshal(body, &limits); err != nil {
		return nil, fmt.Errorf("failed to parse usage limits response: %w", err)
	}
	return &limits, nil
}
