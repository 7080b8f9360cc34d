package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/archive"
	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/lineage"
	"github.com/cuongbtq/training-dashboard/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendJob struct {
	ID          string          `json:"id"`
	ModelName   string          `json:"model_name"`
	DatasetURL  string          `json:"dataset_url"`
	Parameters  json.RawMessage `json:"parameters"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	FailedAt    *string         `json:"failed_at,omitempty"`
	RetryFrom   *string         `json:"retry_from,omitempty"`
	RetryCount  int             `json:"retry_count"`
}

// fakeBackend is an in-memory Remote Job Service
type fakeBackend struct {
	mu      sync.Mutex
	jobs    []*backendJob
	next    int
	clock   time.Time
	retries int

	retryGate    chan struct{}
	retryEntered chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (b *fakeBackend) tick() string {
	b.clock = b.clock.Add(time.Minute)
	return b.clock.Format(time.RFC3339)
}

func (b *fakeBackend) find(id string) *backendJob {
	for _, job := range b.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func (b *fakeBackend) markFailed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job := b.find(id)
	ts := b.tick()
	job.Status = "failed"
	job.FailedAt = &ts
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /jobs", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		jobs := make([]backendJob, 0, len(b.jobs))
		for _, job := range b.jobs {
			jobs = append(jobs, *job)
		}
		json.NewEncoder(w).Encode(map[string]any{"jobs": jobs})
	})

	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		var req domain.CreateJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"detail": "invalid body"})
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		b.next++
		job := &backendJob{
			ID:         fmt.Sprintf("job-%d", b.next),
			ModelName:  req.ModelName,
			DatasetURL: req.DatasetURL,
			Parameters: req.Parameters,
			Status:     "pending",
			CreatedAt:  b.tick(),
		}
		b.jobs = append(b.jobs, job)
		json.NewEncoder(w).Encode(map[string]string{"message_id": job.ID})
	})

	mux.HandleFunc("POST /jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		entered, gate := b.retryEntered, b.retryGate
		b.mu.Unlock()
		if entered != nil {
			entered <- struct{}{}
		}
		if gate != nil {
			<-gate
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		b.retries++

		source := b.find(r.PathValue("id"))
		if source == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Job not found"})
			return
		}

		b.next++
		sourceID := source.ID
		job := &backendJob{
			ID:         fmt.Sprintf("job-%d", b.next),
			ModelName:  source.ModelName,
			DatasetURL: source.DatasetURL,
			Parameters: source.Parameters,
			Status:     "pending",
			CreatedAt:  b.tick(),
			RetryFrom:  &sourceID,
		}
		source.RetryCount++
		b.jobs = append(b.jobs, job)
		json.NewEncoder(w).Encode(job)
	})

	mux.HandleFunc("GET /jobs/{id}/error-log", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		job := b.find(r.PathValue("id"))
		if job == nil || job.FailedAt == nil {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Error log not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"job_id":    job.ID,
			"error_log": "CUDA out of memory",
			"failed_at": *job.FailedAt,
		})
	})

	return mux
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDashboard(t *testing.T, backend *fakeBackend, mutate func(cfg *Config)) *Dashboard {
	t.Helper()

	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	client, err := remote.NewClient(&remote.Config{BaseURL: srv.URL, RequestTimeout: 5 * time.Second}, discardLogger())
	require.NoError(t, err)

	cfg := &Config{
		Logger:       discardLogger(),
		Remote:       client,
		SyncInterval: time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}

	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestDashboard_SubmitFailRetryScenario(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDashboard(t, backend, nil)
	ctx := context.Background()

	jobID, err := d.Submit(ctx, "tok", "resnet50", "s3://bucket/data", `{"epochs": 10}`)
	require.NoError(t, err)

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, jobID, snap[0].ID)
	assert.Equal(t, domain.StatusPending, snap[0].Status)
	assert.Equal(t, "resnet50", snap[0].ModelName)

	backend.markFailed(jobID)
	d.Credentials().Set("tok")
	require.NoError(t, d.Refresh(ctx))

	job, err := d.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status)
	require.NotNil(t, job.FailedAt)
	assert.Nil(t, job.CompletedAt)

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.retryGate = gate
	backend.retryEntered = make(chan struct{}, 1)
	entered := backend.retryEntered
	backend.mu.Unlock()

	type outcome struct {
		id  string
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		id, err := d.Retry(ctx, "tok", jobID)
		first <- outcome{id, err}
	}()

	<-entered
	_, err = d.Retry(ctx, "tok", jobID)
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress)

	close(gate)
	res := <-first
	require.NoError(t, res.err)

	backend.mu.Lock()
	assert.Equal(t, 1, backend.retries)
	backend.mu.Unlock()

	retried, err := d.Job(res.id)
	require.NoError(t, err)
	assert.Equal(t, jobID, retried.RetryFrom)
	assert.Equal(t, 0, retried.RetryCount)

	class, err := d.Classify(res.id)
	require.NoError(t, err)
	assert.Equal(t, lineage.IsRetryResult, class)

	class, err = d.Classify(jobID)
	require.NoError(t, err)
	assert.Equal(t, lineage.HasRetries, class)

	report, err := d.Lineage(ctx, res.id)
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, report.Ancestry)
	assert.Empty(t, report.Archived)

	// the next refresh is authoritative and agrees with the optimistic records
	require.NoError(t, d.Refresh(ctx))
	source, err := d.Job(jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, source.RetryCount)
	assert.Len(t, d.Snapshot(), 2)
}

func TestDashboard_EmptyListIsNotAnError(t *testing.T) {
	d := newTestDashboard(t, newFakeBackend(), nil)
	d.Credentials().Set("tok")

	require.NoError(t, d.Refresh(context.Background()))
	assert.Empty(t, d.Snapshot())
	assert.NotNil(t, d.Snapshot())

	status := d.SyncStatus()
	assert.NoError(t, status.LastError)
	assert.False(t, status.LastSuccess.IsZero())
}

func TestDashboard_RefreshWithoutCredentials(t *testing.T) {
	d := newTestDashboard(t, newFakeBackend(), nil)

	err := d.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	var syncErr *domain.TransientSyncError
	assert.True(t, errors.As(err, &syncErr))
	assert.Equal(t, 1, d.SyncStatus().ConsecutiveFailures)
}

func TestDashboard_ErrorLog(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDashboard(t, backend, nil)
	ctx := context.Background()

	jobID, err := d.Submit(ctx, "tok", "bert", "s3://b", `{}`)
	require.NoError(t, err)

	_, err = d.ErrorLog(ctx, "tok", jobID)
	assert.ErrorIs(t, err, domain.ErrNoErrorLog)

	backend.markFailed(jobID)
	d.Credentials().Set("tok")
	require.NoError(t, d.Refresh(ctx))

	log, err := d.ErrorLog(ctx, "tok", jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, log.JobID)
	assert.Equal(t, "CUDA out of memory", log.ErrorLog)

	_, err = d.ErrorLog(ctx, "tok", "unknown")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestDashboard_SubmitValidation(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDashboard(t, backend, nil)

	_, err := d.Submit(context.Background(), "tok", "resnet50", "s3://bucket/data", `[1, 2]`)
	assert.ErrorIs(t, err, domain.ErrValidation)

	backend.mu.Lock()
	assert.Zero(t, backend.next)
	backend.mu.Unlock()
	assert.Empty(t, d.Snapshot())
}

func TestDashboard_StartStopSync(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDashboard(t, backend, func(cfg *Config) {
		cfg.SyncInterval = 10 * time.Millisecond
		cfg.RefreshAfterAction = true
	})
	d.Credentials().Set("tok")

	d.StartSync(context.Background())
	assert.True(t, d.SyncStatus().Running)

	_, err := d.Submit(context.Background(), "tok", "gpt", "s3://g", `{"lr": 0.01}`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !d.SyncStatus().LastSuccess.IsZero() && len(d.Snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	d.StopSync()
	assert.False(t, d.SyncStatus().Running)
}

func TestDashboard_CloseDiscardsLaterResults(t *testing.T) {
	backend := newFakeBackend()
	d := newTestDashboard(t, backend, nil)
	d.Close()

	_, err := d.Submit(context.Background(), "tok", "gpt", "s3://g", `{}`)
	// the remote accepted it but the store is gone
	require.NoError(t, err)
	assert.Empty(t, d.Snapshot())
}

type fakeArchive struct {
	jobs  []domain.Job
	edges []archive.Edge
	saved [][]domain.Job
	loads int
}

func (a *fakeArchive) LastRun(context.Context) (archive.Run, error) {
	if a.jobs == nil {
		return archive.Run{}, sql.ErrNoRows
	}
	return archive.Run{ID: "run-1", ArchivedAt: time.Now().UTC(), Jobs: len(a.jobs)}, nil
}

func (a *fakeArchive) LoadSnapshot(context.Context) ([]domain.Job, error) {
	a.loads++
	return a.jobs, nil
}

func (a *fakeArchive) Lineage(_ context.Context, jobIDs ...string) ([]archive.Edge, error) {
	return a.edges, nil
}

func (a *fakeArchive) Hook(_ context.Context, _, current []domain.Job) {
	a.saved = append(a.saved, current)
}

func TestDashboard_WarmStartFromArchive(t *testing.T) {
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	arch := &fakeArchive{
		jobs: []domain.Job{
			{ID: "old-1", ModelName: "m", DatasetURL: "d", Status: domain.StatusRunning, CreatedAt: created},
		},
		edges: []archive.Edge{{ParentID: "gone", ChildID: "old-1"}},
	}

	d := newTestDashboard(t, newFakeBackend(), func(cfg *Config) {
		cfg.Archive = arch
	})

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "old-1", snap[0].ID)

	report, err := d.Lineage(context.Background(), "old-1")
	require.NoError(t, err)
	assert.Equal(t, arch.edges, report.Archived)

	d.Credentials().Set("tok")
	require.NoError(t, d.Refresh(context.Background()))
	assert.Empty(t, d.Snapshot())
	require.Len(t, arch.saved, 1)
}

func TestDashboard_WarmStartRejectsMalformedArchive(t *testing.T) {
	arch := &fakeArchive{
		jobs: []domain.Job{
			{ID: "dup", Status: domain.StatusPending},
			{ID: "dup", Status: domain.StatusPending},
		},
	}

	d := newTestDashboard(t, newFakeBackend(), func(cfg *Config) {
		cfg.Archive = arch
	})
	assert.Empty(t, d.Snapshot())
}

func TestDashboard_WarmStartWithEmptyArchive(t *testing.T) {
	arch := &fakeArchive{}

	d := newTestDashboard(t, newFakeBackend(), func(cfg *Config) {
		cfg.Archive = arch
	})
	assert.Empty(t, d.Snapshot())
	assert.Zero(t, arch.loads)
}

func TestDashboard_CloseWhileRefreshingAfterActions(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := newTestDashboard(t, newFakeBackend(), func(cfg *Config) {
			cfg.RefreshAfterAction = true
		})
		d.Credentials().Set("tok")
		d.StartSync(context.Background())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.refreshSoon()
			}
		}()
		go func() {
			defer wg.Done()
			d.Close()
		}()
		wg.Wait()

		d.refreshSoon()
		d.bgMu.Lock()
		assert.True(t, d.closed)
		d.bgMu.Unlock()
	}
}
