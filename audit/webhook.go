package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// webhookQueueSize is the bounded channel capacity for outbound events.
const webhookQueueSize = 1024

// WebhookConfig configures a Webhook sink.
type WebhookConfig struct {
	URL string
	// AuthHeader is "Header: Value", e.g. "Authorization: Bearer xxx".
	AuthHeader string
	// RatePerSecond caps outbound requests. Zero means unlimited.
	RatePerSecond float64
	Client        *http.Client
	Logger        *slog.Logger
}

// Webhook POSTs events to an external endpoint. Events are enqueued without
// blocking into a bounded channel and sent by a background goroutine. If
// the channel is full the event is dropped.
type Webhook struct {
	url        string
	authHeader string
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	events     chan Event
	wg         sync.WaitGroup
	closeOnce  sync.Once
	retryDelay time.Duration
}

var _ Sink = (*Webhook)(nil)

// NewWebhook creates a dispatcher and starts its background loop.
func NewWebhook(cfg WebhookConfig) *Webhook {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = max(1, int(cfg.RatePerSecond))
	}
	w := &Webhook{
		url:        cfg.URL,
		authHeader: cfg.AuthHeader,
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With("component", "audit_webhook"),
		events:     make(chan Event, webhookQueueSize),
		retryDelay: time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record enqueues evt. It never blocks.
func (w *Webhook) Record(_ context.Context, evt Event) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping event", "event", evt.Action)
	}
}

// Close drains remaining events and stops the dispatcher. Record must not be
// called after Close.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		if err := w.limiter.Wait(context.Background()); err != nil {
			w.logger.Warn("rate limiter", "error", err)
		}
		w.send(evt)
	}
}

// send POSTs evt with one retry on 5xx or transport error.
func (w *Webhook) send(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}
		status, err := w.post(body)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		if status >= 200 && status < 300 {
			return
		}
		if status >= 500 {
			w.logger.Warn("server error", "status", status, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("client error", "status", status)
		return
	}
}

func (w *Webhook) post(body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Guard-Audit-Webhook/1.0")
	setAuthHeader(req, w.authHeader)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// setAuthHeader applies a "Name: Value" header spec to req.
func setAuthHeader(req *http.Request, spec string) {
	if spec == "" {
		return
	}
	name, value, ok := strings.Cut(spec, ":")
	if !ok {
		return
	}
	req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
}
