// Package notify delivers best-effort webhook notifications for pipeline
// milestones. Delivery failures are logged and never propagate into the
// pipeline.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/lensworks/visionflow/internal/domain"
)

// Webhook implements domain.Notifier by POSTing JSON to
// <base>/<channel>.
type Webhook struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a webhook notifier. An empty baseURL disables delivery.
func New(baseURL string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// Notify posts the payload to the channel endpoint.
func (w *Webhook) Notify(ctx domain.Context, ch domain.NotifyChannel, payload map[string]any) {
	if w.baseURL == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("webhook payload encode failed", slog.String("channel", string(ch)), slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/"+string(ch), bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook request build failed", slog.String("channel", string(ch)), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", slog.String("channel", string(ch)), slog.Any("error", err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("webhook delivery rejected",
			slog.String("channel", string(ch)), slog.Int("status", resp.StatusCode))
	}
}

// Nop is a Notifier that drops everything; used when no webhook base URL is
// configured.
type Nop struct{}

// Notify implements domain.Notifier.
func (Nop) Notify(domain.Context, domain.NotifyChannel, map[string]any) {}
