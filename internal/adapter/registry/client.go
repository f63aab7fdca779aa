// Package registry is the HTTP client for the external job registry: job
// acquisition, project status updates, per-task analysis submission, and the
// final quality report.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lensworks/visionflow/internal/domain"
)

// Client implements domain.JobRegistry. Transient failures (5xx, network)
// retry with exponential backoff; 4xx responses are permanent.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retryBase   time.Duration
	retryBudget time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithRetryTiming overrides the backoff base interval and total retry budget.
func WithRetryTiming(base, budget time.Duration) Option {
	return func(c *Client) {
		c.retryBase = base
		c.retryBudget = budget
	}
}

// New constructs a registry client.
func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: timeout},
		retryBase:   time.Second,
		retryBudget: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newBackoff(ctx domain.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = c.retryBudget
	return backoff.WithContext(bo, ctx)
}

func (c *Client) do(ctx domain.Context, method, path string, body any, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("op=registry.request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("op=registry.request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("op=registry.request: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("op=registry.request: read body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("op=registry.request: decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// NextJob polls for the next available job. A 404 means no work and returns
// (nil, nil); the orchestrator sleeps and polls again.
func (c *Client) NextJob(ctx domain.Context) (*domain.RegistryJob, error) {
	var job *domain.RegistryJob
	op := func() error {
		var j domain.RegistryJob
		status, err := c.do(ctx, http.MethodGet, "/next-job", nil, &j)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusNotFound:
			job = nil
			return nil
		case status >= 200 && status < 300:
			job = &j
			return nil
		case status >= 500:
			return fmt.Errorf("op=registry.next_job: status %d: %w", status, domain.ErrUpstreamUnavailable)
		default:
			return backoff.Permanent(fmt.Errorf("op=registry.next_job: status %d: %w", status, domain.ErrNonRetryable))
		}
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateProjectStatus reports a project lifecycle change ("processing" or
// "completed").
func (c *Client) UpdateProjectStatus(ctx domain.Context, projectID, status string) error {
	body := map[string]string{"status": status}
	op := func() error {
		code, err := c.do(ctx, http.MethodPut, "/projects/"+projectID+"/status", body, nil)
		if err != nil {
			return err
		}
		return statusToErr("registry.update_status", code)
	}
	return backoff.Retry(op, c.newBackoff(ctx))
}

// SubmitAnalysis reports one task result. A 400 (duplicate) or 422
// (invalid) wraps ErrNonRetryable so the caller abandons instead of
// retrying.
func (c *Client) SubmitAnalysis(ctx domain.Context, sub domain.AnalysisSubmission) error {
	body := map[string]any{
		"modelUsed":        sub.ModelUsed,
		"userPromptUsed":   sub.UserPromptUsed,
		"systemPromptUsed": sub.SystemPromptUsed,
		"status":           "completed",
		"analysisResult":   sub.AnalysisResult,
	}
	path := "/projects/" + sub.ProjectID + "/media/" + sub.MediaID + "/analysis/" + sub.AnalysisID
	op := func() error {
		code, err := c.do(ctx, http.MethodPost, path, body, nil)
		if err != nil {
			return err
		}
		return statusToErr("registry.submit_analysis", code)
	}
	return backoff.Retry(op, c.newBackoff(ctx))
}

// SubmitReport delivers the final process-level quality report.
func (c *Client) SubmitReport(ctx domain.Context, projectID string, rep domain.QualityReport) error {
	body := map[string]any{
		"type": "quality_analysis",
		"report": map[string]any{
			"summary": rep.Summary,
			"details": map[string]any{
				"total_media_processed":    rep.TotalMediaProcessed,
				"total_analyses_completed": rep.TotalAnalysesCompleted,
				"processing_time_minutes":  rep.ProcessingTimeMinutes,
				"success_rate":             rep.SuccessRate,
				"analysis_types_completed": rep.AnalysisTypesCompleted,
				"key_findings":             rep.KeyFindings,
			},
		},
	}
	op := func() error {
		code, err := c.do(ctx, http.MethodPut, "/projects/"+projectID+"/reports", body, nil)
		if err != nil {
			return err
		}
		return statusToErr("registry.submit_report", code)
	}
	return backoff.Retry(op, c.newBackoff(ctx))
}

func statusToErr(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return backoff.Permanent(fmt.Errorf("op=%s: status %d: %w", op, code, domain.ErrNonRetryable))
	case code >= 500:
		return fmt.Errorf("op=%s: status %d: %w", op, code, domain.ErrUpstreamUnavailable)
	default:
		return backoff.Permanent(fmt.Errorf("op=%s: status %d: %w", op, code, domain.ErrNonRetryable))
	}
}
