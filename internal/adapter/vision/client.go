// Package vision is the HTTP client for the local vision-model runtime
// (Ollama-compatible /api/generate). A circuit breaker in front of the
// runtime sheds calls while the model server is down instead of piling up
// blocked workers.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lensworks/visionflow/internal/adapter/observability"
	"github.com/lensworks/visionflow/internal/domain"
)

// Client implements domain.VisionClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a vision client. timeout bounds one generate call end to
// end, model load included.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vision-runtime",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    cb,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Images  []string        `json:"images,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate runs one vision-model invocation and returns the raw model text.
func (c *Client) Generate(ctx domain.Context, req domain.GenerateRequest) (string, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		return c.generate(ctx, req)
	})
	observability.ObserveModelCall(req.Model, "generate", time.Since(start))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("op=vision.generate: breaker open: %w", domain.ErrUpstreamUnavailable)
		}
		return "", err
	}
	return out.(string), nil
}

func (c *Client) generate(ctx domain.Context, req domain.GenerateRequest) (string, error) {
	body := generateRequest{
		Model:  req.Model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: req.Params.Temperature,
			TopP:        req.Params.TopP,
			TopK:        req.Params.TopK,
			NumCtx:      req.Params.NumCtx,
			NumPredict:  req.Params.MaxTokens,
		},
	}
	if req.ImageB64 != "" {
		body.Images = []string{req.ImageB64}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("op=vision.generate: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("op=vision.generate: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", fmt.Errorf("op=vision.generate: %w: %w", domain.ErrUpstreamTimeout, err)
		}
		return "", fmt.Errorf("op=vision.generate: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("op=vision.generate: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=vision.generate: status %d: %w", resp.StatusCode, domain.ErrUpstreamUnavailable)
	}
	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("op=vision.generate: decode: %w", err)
	}
	if gr.Error != "" {
		return "", fmt.Errorf("op=vision.generate: runtime error: %s: %w", gr.Error, domain.ErrUpstreamUnavailable)
	}
	return gr.Response, nil
}

// Healthz probes the runtime root endpoint. Used by readiness; bypasses the
// breaker so a probe never consumes generate budget.
func (c *Client) Healthz(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("op=vision.healthz: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=vision.healthz: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=vision.healthz: status %d: %w", resp.StatusCode, domain.ErrUpstreamUnavailable)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
