package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/remote"
	"github.com/cuongbtq/training-dashboard/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu          sync.Mutex
	createCalls atomic.Int32
	retryCalls  atomic.Int32
	retryGate   chan struct{}
	retryStart  chan string
	createErr   error
	retryErr    error
	nextID      atomic.Int32
	lastCreate  domain.CreateJobRequest
}

func (f *fakeRemote) CreateJob(ctx context.Context, token string, req domain.CreateJobRequest) (remote.ActionResult, error) {
	f.createCalls.Add(1)
	f.mu.Lock()
	f.lastCreate = req
	f.mu.Unlock()
	if f.createErr != nil {
		return remote.ActionResult{}, f.createErr
	}
	return remote.ActionResult{JobID: fmt.Sprintf("created-%d", f.nextID.Add(1))}, nil
}

func (f *fakeRemote) RetryJob(ctx context.Context, token, jobID string) (remote.ActionResult, error) {
	f.retryCalls.Add(1)
	if f.retryStart != nil {
		f.retryStart <- jobID
	}
	if f.retryGate != nil {
		<-f.retryGate
	}
	if f.retryErr != nil {
		return remote.ActionResult{}, f.retryErr
	}
	return remote.ActionResult{JobID: fmt.Sprintf("%s-retry-%d", jobID, f.nextID.Add(1))}, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	submitted []string
	retried   map[string]string
}

func (o *recordingObserver) JobSubmitted(_ context.Context, job domain.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, job.ID)
}

func (o *recordingObserver) JobRetried(_ context.Context, sourceID string, job domain.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retried == nil {
		o.retried = map[string]string{}
	}
	o.retried[job.ID] = sourceID
}

func newTestCoordinator(r Remote, st *store.JobStore, observers ...Observer) *Coordinator {
	return NewCoordinator(&Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Remote:    r,
		Store:     st,
		Observers: observers,
	})
}

func failedJob(id string) domain.Job {
	failedAt := time.Now()
	return domain.Job{
		ID:         id,
		ModelName:  "resnet50",
		DatasetURL: "s3://bucket/data",
		Status:     domain.StatusFailed,
		FailedAt:   &failedAt,
	}
}

func TestParseParameters(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "object", input: `{ "epochs": 10 }`, expected: `{"epochs":10}`},
		{name: "empty object", input: `{}`, expected: `{}`},
		{name: "array", input: `[1,2]`, wantErr: true},
		{name: "scalar", input: `10`, wantErr: true},
		{name: "null", input: `null`, wantErr: true},
		{name: "broken json", input: `{"epochs":`, wantErr: true},
		{name: "blank", input: `  `, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseParameters(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestCoordinator_Submit(t *testing.T) {
	st := store.NewJobStore()
	r := &fakeRemote{}
	obs := &recordingObserver{}
	c := newTestCoordinator(r, st, obs)

	id, err := c.Submit(context.Background(), "tok", "resnet50", "s3://bucket/data", `{"epochs": 10}`)
	require.NoError(t, err)

	job, ok := st.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.Equal(t, "resnet50", job.ModelName)
	assert.JSONEq(t, `{"epochs":10}`, string(job.Parameters))
	assert.Empty(t, job.RetryFrom)
	assert.Equal(t, []string{id}, obs.submitted)
	assert.Equal(t, "s3://bucket/data", r.lastCreate.DatasetURL)
}

func TestCoordinator_SubmitValidationNeverReachesRemote(t *testing.T) {
	tests := []struct {
		name       string
		modelName  string
		datasetURL string
		parameters string
	}{
		{name: "invalid parameters", modelName: "m", datasetURL: "d", parameters: "not json"},
		{name: "array parameters", modelName: "m", datasetURL: "d", parameters: "[]"},
		{name: "missing model", modelName: "", datasetURL: "d", parameters: "{}"},
		{name: "missing dataset", modelName: "m", datasetURL: " ", parameters: "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRemote{}
			c := newTestCoordinator(r, store.NewJobStore())

			_, err := c.Submit(context.Background(), "tok", tt.modelName, tt.datasetURL, tt.parameters)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, int32(0), r.createCalls.Load())
		})
	}
}

func TestCoordinator_SubmitReturnsServerDetail(t *testing.T) {
	st := store.NewJobStore()
	r := &fakeRemote{createErr: &domain.ActionError{Op: "create", StatusCode: 500, Detail: "queue unavailable"}}
	c := newTestCoordinator(r, st)

	_, err := c.Submit(context.Background(), "tok", "m", "d", "{}")
	require.Error(t, err)
	assert.Equal(t, "queue unavailable", err.Error())
	assert.Empty(t, st.Snapshot())
}

func TestCoordinator_Retry(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{failedJob("J1")}))
	obs := &recordingObserver{}
	c := newTestCoordinator(&fakeRemote{}, st, obs)

	newID, err := c.Retry(context.Background(), "tok", "J1")
	require.NoError(t, err)

	child, ok := st.Get(newID)
	require.True(t, ok)
	assert.Equal(t, "J1", child.RetryFrom)
	assert.Equal(t, 0, child.RetryCount)
	assert.Equal(t, domain.StatusPending, child.Status)
	assert.Equal(t, "resnet50", child.ModelName)

	source, _ := st.Get("J1")
	assert.Equal(t, 1, source.RetryCount)
	assert.Equal(t, "J1", obs.retried[newID])
}

func TestCoordinator_RetryRejectsNonTerminalJobs(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{
		{ID: "pending", Status: domain.StatusPending},
		{ID: "running", Status: domain.StatusRunning},
	}))
	r := &fakeRemote{}
	c := newTestCoordinator(r, st)

	for _, id := range []string{"pending", "running"} {
		_, err := c.Retry(context.Background(), "tok", id)
		assert.ErrorIs(t, err, domain.ErrNotRetryable)
	}

	_, err := c.Retry(context.Background(), "tok", "unknown")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	assert.Equal(t, int32(0), r.retryCalls.Load())
}

func TestCoordinator_ConcurrentRetrySameJob(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{failedJob("J1")}))

	r := &fakeRemote{
		retryGate:  make(chan struct{}),
		retryStart: make(chan string, 1),
	}
	c := newTestCoordinator(r, st)

	type outcome struct {
		id  string
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		id, err := c.Retry(context.Background(), "tok", "J1")
		first <- outcome{id, err}
	}()

	<-r.retryStart

	_, err := c.Retry(context.Background(), "tok", "J1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress)

	close(r.retryGate)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, int32(1), r.retryCalls.Load())

	// guard released: a later retry goes through
	r.retryStart = nil
	_, err = c.Retry(context.Background(), "tok", "J1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.retryCalls.Load())
}

func TestCoordinator_ManyConcurrentRetriesIssueOneRemoteCall(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{failedJob("J1")}))

	r := &fakeRemote{retryGate: make(chan struct{})}
	c := newTestCoordinator(r, st)

	const callers = 50
	var wg sync.WaitGroup
	var inProgress, succeeded atomic.Int32
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := c.Retry(context.Background(), "tok", "J1")
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrAlreadyInProgress):
				inProgress.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		return inProgress.Load() == callers-1
	}, 2*time.Second, time.Millisecond)
	close(r.retryGate)
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(1), r.retryCalls.Load())
}

func TestCoordinator_RetryOfOtherJobNotBlocked(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{failedJob("A"), failedJob("B")}))

	gate := make(chan struct{})
	blocking := &fakeRemote{retryGate: gate, retryStart: make(chan string, 1)}
	c := newTestCoordinator(blocking, st)

	done := make(chan error, 1)
	go func() {
		_, err := c.Retry(context.Background(), "tok", "A")
		done <- err
	}()
	<-blocking.retryStart

	// B uses a separate coordinator path through the same guard and store
	other := NewCoordinator(&Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Remote: &fakeRemote{},
		Store:  st,
		Guard:  c.guard,
	})
	_, err := other.Retry(context.Background(), "tok", "B")
	require.NoError(t, err)

	close(gate)
	require.NoError(t, <-done)
}

func TestCoordinator_RetryFailureReleasesGuard(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{failedJob("J1")}))

	guard := NewMemoryGuard()
	r := &fakeRemote{retryErr: &domain.ActionError{Op: "retry", StatusCode: 400, Detail: "Only failed or completed jobs can be retried"}}
	c := NewCoordinator(&Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Remote: r,
		Store:  st,
		Guard:  guard,
	})

	_, err := c.Retry(context.Background(), "tok", "J1")
	require.Error(t, err)
	assert.Equal(t, "Only failed or completed jobs can be retried", err.Error())
	assert.False(t, guard.Held("J1"))

	source, _ := st.Get("J1")
	assert.Equal(t, 0, source.RetryCount)
	assert.Len(t, st.Snapshot(), 1)
}

func TestCoordinator_ResultDiscardedAfterStoreClosed(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{failedJob("J1")}))

	r := &fakeRemote{retryGate: make(chan struct{}), retryStart: make(chan string, 1)}
	obs := &recordingObserver{}
	c := newTestCoordinator(r, st, obs)

	done := make(chan error, 1)
	var newID string
	go func() {
		id, err := c.Retry(context.Background(), "tok", "J1")
		newID = id
		done <- err
	}()
	<-r.retryStart

	st.Close()
	close(r.retryGate)

	require.NoError(t, <-done)
	assert.NotEmpty(t, newID)
	assert.Len(t, st.Snapshot(), 1)
	assert.Empty(t, obs.retried)
}

func TestCoordinator_CallerCancellationDoesNotAbortAction(t *testing.T) {
	st := store.NewJobStore()
	require.NoError(t, st.ReplaceAll([]domain.Job{failedJob("J1")}))

	r := &fakeRemote{retryGate: make(chan struct{}), retryStart: make(chan string, 1)}
	c := newTestCoordinator(r, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() {
		id, _ := c.Retry(ctx, "tok", "J1")
		done <- id
	}()
	<-r.retryStart
	cancel()
	close(r.retryGate)

	id := <-done
	_, ok := st.Get(id)
	assert.True(t, ok)
}

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Acquire(ctx, "a")
	assert.False(t, ok)

	ok, _ = g.Acquire(ctx, "b")
	assert.True(t, ok)

	require.NoError(t, g.Release(ctx, "a"))
	ok, _ = g.Acquire(ctx, "a")
	assert.True(t, ok)
}

// refreshingRemote lands a full refresh while the action is outstanding,
// reporting the new job further along than the optimistic record
type refreshingRemote struct {
	st        *store.JobStore
	refreshed []domain.Job
	newID     string
}

func (r *refreshingRemote) CreateJob(context.Context, string, domain.CreateJobRequest) (remote.ActionResult, error) {
	if err := r.st.ReplaceAll(r.refreshed); err != nil {
		return remote.ActionResult{}, err
	}
	return remote.ActionResult{JobID: r.newID}, nil
}

func (r *refreshingRemote) RetryJob(ctx context.Context, token, jobID string) (remote.ActionResult, error) {
	return r.CreateJob(ctx, token, domain.CreateJobRequest{})
}

func TestCoordinator_ActionResultNeverRegressesRefreshedJob(t *testing.T) {
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("submit", func(t *testing.T) {
		st := store.NewJobStore()
		r := &refreshingRemote{
			st:        st,
			newID:     "J9",
			refreshed: []domain.Job{{ID: "J9", ModelName: "resnet50", Status: domain.StatusRunning, CreatedAt: created}},
		}
		obs := &recordingObserver{}
		c := newTestCoordinator(r, st, obs)

		id, err := c.Submit(context.Background(), "tok", "resnet50", "s3://bucket/data", `{"epochs": 10}`)
		require.NoError(t, err)
		assert.Equal(t, "J9", id)

		job, ok := st.Get("J9")
		require.True(t, ok)
		assert.Equal(t, domain.StatusRunning, job.Status)
		assert.Equal(t, created, job.CreatedAt)
		assert.Equal(t, []string{"J9"}, obs.submitted)
	})

	t.Run("retry", func(t *testing.T) {
		st := store.NewJobStore()
		source := failedJob("J1")
		require.NoError(t, st.ReplaceAll([]domain.Job{source}))

		reported := source
		reported.RetryCount = 1
		r := &refreshingRemote{
			st:    st,
			newID: "J2",
			refreshed: []domain.Job{
				{ID: "J2", RetryFrom: "J1", Status: domain.StatusRunning, CreatedAt: created},
				reported,
			},
		}
		c := newTestCoordinator(r, st)

		id, err := c.Retry(context.Background(), "tok", "J1")
		require.NoError(t, err)
		assert.Equal(t, "J2", id)

		job, _ := st.Get("J2")
		assert.Equal(t, domain.StatusRunning, job.Status)
		assert.Equal(t, created, job.CreatedAt)

		src, _ := st.Get("J1")
		assert.Equal(t, 1, src.RetryCount)
	})
}
