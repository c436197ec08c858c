// Package alert delivers operator-facing notifications — divergence,
// safeguard threshold breaches, overload drops — to a configured
// webhook.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pushcraft/automation-engine/pkg/contracts"
)

// EventType names the operator-facing alert conditions this engine raises.
type EventType string

const (
	EventDivergence            EventType = "divergence"
	EventSafeguardBreach       EventType = "safeguard_breach"
	EventOverloadDropped       EventType = "overload_dropped"
	EventCadenceDegraded       EventType = "cadence_degraded"
	EventMaterializationFailed EventType = "materialization_failed"
)

// NewEvent builds an AlertEvent with the current UTC timestamp.
func NewEvent(eventType EventType, recipeID, firingID, message string, payload map[string]interface{}) contracts.AlertEvent {
	return contracts.AlertEvent{
		Type:      string(eventType),
		RecipeID:  recipeID,
		FiringID:  firingID,
		Message:   message,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// WebhookDriver is the engine's built-in AlertDriver: an HTTP POST to a
// single webhook URL, optionally HMAC-SHA256-signed.
type WebhookDriver struct {
	url    string
	secret string
	client *http.Client
}

var _ contracts.AlertDriver = (*WebhookDriver)(nil)

// NewWebhookDriver builds a webhook alert driver. secret may be empty,
// in which case requests are sent unsigned.
func NewWebhookDriver(url, secret string) *WebhookDriver {
	return &WebhookDriver{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the event as JSON, making up to 3 attempts with a short
// linear backoff on transport failure or non-2xx response.
func (d *WebhookDriver) Send(ctx context.Context, event contracts.AlertEvent) error {
	if d.url == "" {
		return fmt.Errorf("alert webhook URL not configured")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build alert request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Automation-Event", event.Type)

		if d.secret != "" {
			mac := hmac.New(sha256.New, []byte(d.secret))
			mac.Write(body)
			req.Header.Set("X-Automation-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("alert webhook HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("alert webhook failed after 3 attempts: %w", lastErr)
}
