package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL string
	// AuthHeader is "Header: Value", e.g. "Authorization: Bearer xxx".
	AuthHeader string
	// RatePerSecond caps outbound requests. Zero means unlimited.
	RatePerSecond float64
	Client        *http.Client
}

// WebhookNotifier POSTs each message as JSON to a relay that owns the real
// transport (mail, SMS). Delivery is synchronous so the caller learns about
// failures.
type WebhookNotifier struct {
	url        string
	authHeader string
	client     *http.Client
	limiter    *rate.Limiter
}

var _ Notifier = (*WebhookNotifier)(nil)

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limit, burst := rate.Inf, 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}
	return &WebhookNotifier{
		url:        cfg.URL,
		authHeader: cfg.AuthHeader,
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %v: %w", err, ErrDeliveryFailed)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %v: %w", err, ErrDeliveryFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %v: %w", err, ErrDeliveryFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Guard-Notify/1.0")
	if name, value, ok := strings.Cut(n.authHeader, ":"); ok {
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %v: %w", msg.Kind, err, ErrDeliveryFailed)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay answered %d: %w", resp.StatusCode, ErrDeliveryFailed)
	}
	return nil
}
