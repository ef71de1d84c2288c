package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WebhookConfig configures a webhook endpoint.
type WebhookConfig struct {
	URL    string
	Secret string

	// Events limits delivery to these event types. Empty means all.
	Events []string

	Timeout time.Duration
}

// Payload is the JSON body POSTed to webhook endpoints.
type Payload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WebhookPublisher POSTs signed decisions to an HTTP endpoint.
type WebhookPublisher struct {
	cfg    WebhookConfig
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookPublisher creates a webhook publisher.
func NewWebhookPublisher(cfg WebhookConfig, logger zerolog.Logger) *WebhookPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Publish sends the snapshot if the endpoint subscribes to eventType.
func (p *WebhookPublisher) Publish(ctx context.Context, eventType string, snap trial.Snapshot) error {
	if len(p.cfg.Events) > 0 && !slices.Contains(p.cfg.Events, eventType) {
		return nil
	}

	payload := Payload{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: snap.AsOf.UTC().Format(time.RFC3339),
		Data:      snap.Fields(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trialgate-webhook/1.0")
	req.Header.Set("X-Event-ID", payload.ID)
	req.Header.Set("X-Event-Type", eventType)
	if p.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, p.cfg.Secret))
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", eventType, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: endpoint returned %d", eventType, resp.StatusCode)
	}

	p.logger.Debug().
		Str("event_type", eventType).
		Str("event_id", payload.ID).
		Str("tenant_id", snap.TenantID).
		Dur("duration", time.Since(start)).
		Msg("webhook delivered")
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}

var _ ports.DecisionPublisher = (*WebhookPublisher)(nil)
