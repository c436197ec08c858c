// Package cadence is a thin client to the external cadence service: it
// tells the engine which users are eligible to receive a push at a
// given layer, and records that a push was sent.
package cadence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pushcraft/automation-engine/pkg/contracts"
	"github.com/pushcraft/automation-engine/pkg/models"
)

// Client is the production implementation of contracts.CadenceClient.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
}

var _ contracts.CadenceClient = (*Client)(nil)

// New builds a cadence client with the given base URL, auth token, and
// request timeout.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

type filterRequest struct {
	UserIDs []string `json:"userIds"`
	LayerID int      `json:"layerId"`
}

type filterResponse struct {
	EligibleUserIDs []string `json:"eligibleUserIds"`
	ExcludedCount   int      `json:"excludedCount"`
}

// Filter excludes users who have recently received a push at layerID.
// Layer 4 (test) bypasses the call entirely and treats every user as
// eligible. Any non-2xx response or timeout fails open: the input list
// is returned unfiltered and Degraded is set so the firing's log
// carries a cadence-degraded marker instead of silently dropping a
// send because the cadence service is unavailable.
func (c *Client) Filter(ctx context.Context, userIDs []string, layerID int) (contracts.FilterResult, error) {
	if layerID == models.TestLayer {
		return contracts.FilterResult{EligibleUserIDs: userIDs, ExcludedCount: 0}, nil
	}

	body, err := json.Marshal(filterRequest{UserIDs: userIDs, LayerID: layerID})
	if err != nil {
		return c.failOpen(userIDs), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/filter-audience", bytes.NewReader(body))
	if err != nil {
		return c.failOpen(userIDs), nil
	}
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("cadence filter request failed, failing open")
		return c.failOpen(userIDs), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("cadence filter returned non-2xx, failing open")
		return c.failOpen(userIDs), nil
	}

	var out filterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Warn().Err(err).Msg("cadence filter response unreadable, failing open")
		return c.failOpen(userIDs), nil
	}

	return contracts.FilterResult{EligibleUserIDs: out.EligibleUserIDs, ExcludedCount: out.ExcludedCount}, nil
}

func (c *Client) failOpen(userIDs []string) contracts.FilterResult {
	return contracts.FilterResult{EligibleUserIDs: userIDs, ExcludedCount: 0, Degraded: true}
}

type trackRequest struct {
	UserID              string `json:"userId"`
	LayerID             int    `json:"layerId"`
	PushTitle           string `json:"pushTitle"`
	PushBody            string `json:"pushBody"`
	AudienceDescription string `json:"audienceDescription"`
}

// Track records that a user received a push at layerID. Best-effort:
// per-user failures are logged and counted but never fail the firing
//.
func (c *Client) Track(ctx context.Context, userID string, layerID int, pushTitle, pushBody, audienceDescription string) error {
	body, err := json.Marshal(trackRequest{
		UserID:              userID,
		LayerID:             layerID,
		PushTitle:           pushTitle,
		PushBody:            pushBody,
		AudienceDescription: audienceDescription,
	})
	if err != nil {
		return fmt.Errorf("marshal track request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track-notification", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build track request: %w", err)
	}
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("track request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("track returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	req.Header.Set("Content-Type", "application/json")
}
