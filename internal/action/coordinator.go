package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/metrics"
	"github.com/cuongbtq/training-dashboard/internal/remote"
	"github.com/cuongbtq/training-dashboard/internal/store"
)

const (
	DefaultActionTimeout = 30 * time.Second

	// releaseTimeout bounds the guard release, which runs after the action
	// context may already have expired
	releaseTimeout = 5 * time.Second
)

// Remote is the write side of the Remote Job Service
type Remote interface {
	CreateJob(ctx context.Context, token string, req domain.CreateJobRequest) (remote.ActionResult, error)
	RetryJob(ctx context.Context, token, jobID string) (remote.ActionResult, error)
}

// Observer is notified after an action succeeded and the store was reconciled
type Observer interface {
	JobSubmitted(ctx context.Context, job domain.Job)
	JobRetried(ctx context.Context, sourceID string, job domain.Job)
}

// Config holds coordinator configuration
type Config struct {
	Logger        *slog.Logger
	Remote        Remote
	Store         *store.JobStore
	Guard         Guard
	ActionTimeout time.Duration
	Observers     []Observer
	Now           func() time.Time
}

// Coordinator executes submit and retry against the remote service. At most one
// retry per source job is outstanding at any instant; other jobs are not blocked.
type Coordinator struct {
	logger        *slog.Logger
	remote        Remote
	store         *store.JobStore
	guard         Guard
	actionTimeout time.Duration
	observers     []Observer
	now           func() time.Time
}

// NewCoordinator creates a new action coordinator
func NewCoordinator(cfg *Config) *Coordinator {
	guard := cfg.Guard
	if guard == nil {
		guard = NewMemoryGuard()
	}
	timeout := cfg.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		logger:        cfg.Logger,
		remote:        cfg.Remote,
		store:         cfg.Store,
		guard:         guard,
		actionTimeout: timeout,
		observers:     cfg.Observers,
		now:           now,
	}
}

// ParseParameters checks that raw is a JSON object and returns it compacted
func ParseParameters(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.NewValidationError("parameters", "must be a JSON object")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, domain.NewValidationError("parameters", "must be a JSON object")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, domain.NewValidationError("parameters", err.Error())
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Submit creates a new training job and returns its id
func (c *Coordinator) Submit(ctx context.Context, token, modelName, datasetURL, parameters string) (string, error) {
	modelName = strings.TrimSpace(modelName)
	datasetURL = strings.TrimSpace(datasetURL)

	if modelName == "" {
		metrics.ActionsTotal.WithLabelValues("submit", metrics.ResultRejected).Inc()
		return "", domain.NewValidationError("model_name", "is required")
	}
	if datasetURL == "" {
		metrics.ActionsTotal.WithLabelValues("submit", metrics.ResultRejected).Inc()
		return "", domain.NewValidationError("dataset_url", "is required")
	}

	params, err := ParseParameters(parameters)
	if err != nil {
		metrics.ActionsTotal.WithLabelValues("submit", metrics.ResultRejected).Inc()
		return "", err
	}

	req := domain.CreateJobRequest{
		ModelName:  modelName,
		DatasetURL: datasetURL,
		Parameters: params,
	}

	callCtx, cancel := c.detach(ctx)
	defer cancel()

	result, err := c.remote.CreateJob(callCtx, token, req)
	if err != nil {
		metrics.ActionsTotal.WithLabelValues("submit", metrics.ResultFailure).Inc()
		c.logger.Error("Failed to submit job",
			slog.String("model_name", modelName),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	job := domain.Job{
		ID:         result.JobID,
		ModelName:  modelName,
		DatasetURL: datasetURL,
		Parameters: params,
		Status:     domain.StatusPending,
		CreatedAt:  c.now().UTC(),
	}
	synthesized := result.Job == nil
	if !synthesized {
		job = *result.Job
	}

	metrics.ActionsTotal.WithLabelValues("submit", metrics.ResultSuccess).Inc()
	c.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("model_name", modelName),
	)

	if !c.apply(func() error {
		_, err := c.reconcile(job, synthesized)
		return err
	}, job.ID) {
		return job.ID, nil
	}

	for _, o := range c.observers {
		o.JobSubmitted(callCtx, job)
	}
	return job.ID, nil
}

// Retry spawns a new job from a completed or failed one and returns the new id.
// A second call for the same job while the first is outstanding fails with
// domain.ErrAlreadyInProgress without contacting the remote service.
func (c *Coordinator) Retry(ctx context.Context, token, jobID string) (string, error) {
	if jobID == "" {
		return "", domain.NewValidationError("job_id", "is required")
	}

	source, ok := c.store.Get(jobID)
	if !ok {
		metrics.ActionsTotal.WithLabelValues("retry", metrics.ResultRejected).Inc()
		return "", fmt.Errorf("failed to retry %s: %w", jobID, domain.ErrJobNotFound)
	}
	if !source.Retryable() {
		metrics.ActionsTotal.WithLabelValues("retry", metrics.ResultRejected).Inc()
		return "", fmt.Errorf("failed to retry %s (status %s): %w", jobID, source.Status, domain.ErrNotRetryable)
	}

	acquired, err := c.guard.Acquire(ctx, jobID)
	if err != nil {
		return "", err
	}
	if !acquired {
		metrics.ActionsTotal.WithLabelValues("retry", metrics.ResultRejected).Inc()
		c.logger.Warn("Retry rejected, another retry is outstanding",
			slog.String("job_id", jobID),
		)
		return "", fmt.Errorf("failed to retry %s: %w", jobID, domain.ErrAlreadyInProgress)
	}

	callCtx, cancel := c.detach(ctx)
	defer cancel()

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := c.guard.Release(releaseCtx, jobID); err != nil {
			c.logger.Error("Failed to release retry guard",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}()

	metrics.RetriesInFlight.Inc()
	defer metrics.RetriesInFlight.Dec()

	result, err := c.remote.RetryJob(callCtx, token, jobID)
	if err != nil {
		metrics.ActionsTotal.WithLabelValues("retry", metrics.ResultFailure).Inc()
		c.logger.Error("Failed to retry job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	job := domain.Job{
		ID:         result.JobID,
		ModelName:  source.ModelName,
		DatasetURL: source.DatasetURL,
		Parameters: source.Parameters,
		Status:     domain.StatusPending,
		CreatedAt:  c.now().UTC(),
	}
	synthesized := result.Job == nil
	if !synthesized {
		job = *result.Job
	}
	job.RetryFrom = jobID
	job.RetryCount = 0

	metrics.ActionsTotal.WithLabelValues("retry", metrics.ResultSuccess).Inc()
	c.logger.Info("Job retried",
		slog.String("job_id", jobID),
		slog.String("new_job_id", job.ID),
	)

	applied := c.apply(func() error {
		changed, err := c.reconcile(job, synthesized)
		if err != nil || !changed {
			// a refresh already reported the new job and the source's count
			return err
		}
		err = c.store.Update(jobID, func(src *domain.Job) { src.RetryCount++ })
		if errors.Is(err, domain.ErrJobNotFound) {
			// evicted by a refresh while the call was outstanding
			return nil
		}
		return err
	}, job.ID)
	if !applied {
		return job.ID, nil
	}

	for _, o := range c.observers {
		o.JobRetried(callCtx, jobID, job)
	}
	return job.ID, nil
}

// reconcile publishes the action result. A synthesized record only fills a gap;
// a job the last refresh already reported is left alone.
func (c *Coordinator) reconcile(job domain.Job, synthesized bool) (bool, error) {
	var (
		changed bool
		err     error
	)
	if synthesized {
		changed, err = c.store.InsertIfAbsent(job)
	} else {
		changed, err = c.store.UpsertOne(job)
	}
	if err == nil && !changed {
		c.logger.Debug("Job already refreshed, keeping reported state",
			slog.String("job_id", job.ID),
		)
	}
	return changed, err
}

// detach keeps an action running to completion even if the caller goes away
func (c *Coordinator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.actionTimeout)
}

// apply reconciles the store; a torn-down store discards the result
func (c *Coordinator) apply(fn func() error, jobID string) bool {
	err := fn()
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrStoreClosed) {
		c.logger.Debug("Job store closed, discarding action result",
			slog.String("job_id", jobID),
		)
		return false
	}
	c.logger.Error("Failed to reconcile job store",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	return false
}
