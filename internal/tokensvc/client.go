// Package tokensvc fetches device push tokens for a set of users from
// the external token service.
package tokensvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pushcraft/automation-engine/pkg/contracts"
)

// Client is the production implementation of contracts.TokenServiceClient.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
}

var _ contracts.TokenServiceClient = (*Client)(nil)

// New builds a token service client.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

type tokenResponse struct {
	Tokens []struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	} `json:"tokens"`
}

// FetchDeviceTokens returns every known device token for the given
// users. A zero-length result for the whole request (vs. a subset
// coming back empty) is distinguished by the caller: the Sequence
// Executor treats "nothing at all" as a step failure and "a partial
// set" as proceed-with-what-was-returned.
func (c *Client) FetchDeviceTokens(ctx context.Context, userIDs []string) ([]contracts.DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tokens", nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	q := url.Values{}
	q.Set("userIds", strings.Join(userIDs, ","))
	req.URL.RawQuery = q.Encode()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token service returned HTTP %d", resp.StatusCode)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	tokens := make([]contracts.DeviceToken, 0, len(out.Tokens))
	for _, t := range out.Tokens {
		tokens = append(tokens, contracts.DeviceToken{UserID: t.UserID, Token: t.Token})
	}
	return tokens, nil
}
