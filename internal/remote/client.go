package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
)

const maxResponseBytes = 8 << 20

// Config holds Remote Job Service connection configuration
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client talks to the Remote Job Service over authenticated HTTP requests
type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a new Remote Job Service client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote base url must be absolute: %q", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: base,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// ListJobs returns the jobs visible to the credential, in backend order
func (c *Client) ListJobs(ctx context.Context, token string) ([]domain.Job, error) {
	body, err := c.do(ctx, "list", http.MethodGet, "/jobs", token, nil)
	if err != nil {
		return nil, err
	}

	jobs, err := decodeJobList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job list: %w", err)
	}
	return jobs, nil
}

// CreateJob submits a new training job
func (c *Client) CreateJob(ctx context.Context, token string, req domain.CreateJobRequest) (ActionResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ActionResult{}, fmt.Errorf("failed to marshal create request: %w", err)
	}

	body, err := c.do(ctx, "create", http.MethodPost, "/jobs", token, payload)
	if err != nil {
		return ActionResult{}, err
	}

	result, err := decodeActionResult(body, "message_id", "job_id")
	if err != nil {
		return ActionResult{}, fmt.Errorf("failed to decode create response: %w", err)
	}
	return result, nil
}

// RetryJob asks the service to spawn a new job from jobID
func (c *Client) RetryJob(ctx context.Context, token, jobID string) (ActionResult, error) {
	body, err := c.do(ctx, "retry", http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/retry", token, nil)
	if err != nil {
		return ActionResult{}, err
	}

	result, err := decodeActionResult(body, "new_job_id", "job_id")
	if err != nil {
		return ActionResult{}, fmt.Errorf("failed to decode retry response: %w", err)
	}
	return result, nil
}

// FetchErrorLog returns the error log of a failed job
func (c *Client) FetchErrorLog(ctx context.Context, token, jobID string) (domain.ErrorLog, error) {
	body, err := c.do(ctx, "error_log", http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/error-log", token, nil)
	if err != nil {
		return domain.ErrorLog{}, err
	}

	log, err := decodeErrorLog(body)
	if err != nil {
		return domain.ErrorLog{}, fmt.Errorf("failed to decode error log: %w", err)
	}
	if log.JobID == "" {
		log.JobID = jobID
	}
	return log, nil
}

// do issues the request and returns the body of a 2xx response.
// Non-2xx responses become *domain.ActionError carrying the server detail.
func (c *Client) do(ctx context.Context, op, method, path, token string, payload []byte) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrUnauthorized)
	}

	endpoint := c.baseURL.JoinPath(path)

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Remote request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to call remote %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read remote %s response: %w", op, err)
	}

	c.logger.Debug("Remote request completed",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", endpoint.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	detail := errorDetail(body)
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	actionErr := &domain.ActionError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Detail:     detail,
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		actionErr.Err = domain.ErrUnauthorized
	case http.StatusNotFound:
		actionErr.Err = domain.ErrJobNotFound
	}
	return nil, actionErr
}
