// Package transport submits batches of push tokens for one rendered
// message to the external push transport.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/pushcraft/automation-engine/pkg/contracts"
)

// MaxBatchSize is the largest number of tokens the Sequence Executor
// may submit in a single SendBatch call.
const MaxBatchSize = 500

// Client is the production implementation of contracts.TransportClient.
type Client struct {
	baseURL    string
	authToken  string
	client     *http.Client
	maxRetries uint64
}

var _ contracts.TransportClient = (*Client)(nil)

// New builds a transport client. Unlike the cadence gateway, transport
// failures are retried: a dropped send is not recoverable once this
// call returns, so a handful of bounded retries with backoff is cheaper
// than accepting a spurious failure on a transient network blip.
func New(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

type sendBatchRequest struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	DeepLink string   `json:"deepLink,omitempty"`
	ImageURL string   `json:"imageUrl,omitempty"`
	Tokens   []string `json:"tokens"`
}

type sendBatchResponse struct {
	SuccessCount int      `json:"successCount"`
	FailedTokens []string `json:"failedTokens"`
}

// SendBatch submits at most MaxBatchSize tokens sharing one rendered
// message. Retries a fixed number of times with exponential backoff on
// transport-level failure (request error, 5xx); a batch that still
// fails after retries is reported as entirely failed so the step can
// continue with the next batch.
func (c *Client) SendBatch(ctx context.Context, message contracts.RenderedMessage, tokens []string) (contracts.BatchResult, error) {
	if len(tokens) > MaxBatchSize {
		return contracts.BatchResult{}, fmt.Errorf("batch of %d tokens exceeds max %d", len(tokens), MaxBatchSize)
	}

	body, err := json.Marshal(sendBatchRequest{
		Title:    message.Title,
		Body:     message.Body,
		DeepLink: message.DeepLink,
		ImageURL: message.ImageURL,
		Tokens:   tokens,
	})
	if err != nil {
		return contracts.BatchResult{}, fmt.Errorf("marshal batch: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)

	var result contracts.BatchResult
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/send", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build send request: %w", err))
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("transport returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("transport returned HTTP %d", resp.StatusCode))
		}

		var out sendBatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode send response: %w", err))
		}
		result = contracts.BatchResult{SuccessCount: out.SuccessCount, FailedTokens: out.FailedTokens}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		log.Warn().Err(err).Int("tokens", len(tokens)).Msg("transport batch failed after retries, marking all tokens failed")
		return contracts.BatchResult{SuccessCount: 0, FailedTokens: tokens}, err
	}
	return result, nil
}
