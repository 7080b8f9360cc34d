package dashboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/action"
	"github.com/cuongbtq/training-dashboard/internal/archive"
	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/lineage"
	"github.com/cuongbtq/training-dashboard/internal/store"
	"github.com/cuongbtq/training-dashboard/internal/syncer"
)

const refreshTimeout = 15 * time.Second

// Remote is the full Remote Job Service contract
type Remote interface {
	syncer.Lister
	action.Remote
	FetchErrorLog(ctx context.Context, token, jobID string) (domain.ErrorLog, error)
}

// Archive persists snapshots and remembers lineage beyond the current page
type Archive interface {
	LastRun(ctx context.Context) (archive.Run, error)
	LoadSnapshot(ctx context.Context) ([]domain.Job, error)
	Lineage(ctx context.Context, jobIDs ...string) ([]archive.Edge, error)
	Hook(ctx context.Context, previous, current []domain.Job)
}

// Config holds dashboard configuration
type Config struct {
	Logger             *slog.Logger
	Remote             Remote
	Guard              action.Guard
	SyncInterval       time.Duration
	SyncRequestTimeout time.Duration
	ActionTimeout      time.Duration
	// RefreshAfterAction triggers an immediate tick after a successful action
	// while the poll loop is running
	RefreshAfterAction bool
	Archive            Archive
	Hooks              []syncer.RefreshHook
	Observers          []action.Observer
	OnSyncError        func(err error)
}

// Dashboard is the narrow interface the UI layer drives
type Dashboard struct {
	logger      *slog.Logger
	remote      Remote
	store       *store.JobStore
	sync        *syncer.Synchronizer
	coordinator *action.Coordinator
	tracker     *lineage.Tracker
	archive     Archive
	credentials *Credentials

	refreshAfterAction bool
	closeOnce          sync.Once

	// closed is checked together with background.Add so no refresh starts
	// once Close is waiting
	bgMu       sync.Mutex
	closed     bool
	background sync.WaitGroup
}

// New wires the store, synchronizer, coordinator and lineage tracker. When an
// archive is configured its last snapshot warms the store before the first tick.
func New(ctx context.Context, cfg *Config) (*Dashboard, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("failed to create dashboard: remote is required")
	}

	jobs := store.NewJobStore()
	creds := &Credentials{}

	d := &Dashboard{
		logger:             cfg.Logger,
		remote:             cfg.Remote,
		store:              jobs,
		tracker:            lineage.NewTracker(jobs),
		archive:            cfg.Archive,
		credentials:        creds,
		refreshAfterAction: cfg.RefreshAfterAction,
	}

	hooks := append([]syncer.RefreshHook(nil), cfg.Hooks...)
	if cfg.Archive != nil {
		hooks = append(hooks, cfg.Archive.Hook)
	}

	d.sync = syncer.New(&syncer.Config{
		Logger:         cfg.Logger.With(slog.String("component", "synchronizer")),
		Lister:         cfg.Remote,
		Store:          jobs,
		Tokens:         creds,
		Interval:       cfg.SyncInterval,
		RequestTimeout: cfg.SyncRequestTimeout,
		Hooks:          hooks,
		OnError:        cfg.OnSyncError,
	})

	d.coordinator = action.NewCoordinator(&action.Config{
		Logger:        cfg.Logger.With(slog.String("component", "coordinator")),
		Remote:        cfg.Remote,
		Store:         jobs,
		Guard:         cfg.Guard,
		ActionTimeout: cfg.ActionTimeout,
		Observers:     cfg.Observers,
	})

	if cfg.Archive != nil {
		d.warmStart(ctx)
	}

	return d, nil
}

func (d *Dashboard) warmStart(ctx context.Context) {
	run, err := d.archive.LastRun(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		d.logger.Info("No archived snapshot, starting empty")
		return
	}

	var jobs []domain.Job
	if err == nil {
		jobs, err = d.archive.LoadSnapshot(ctx)
	}
	if err == nil {
		err = domain.ValidateSnapshot(jobs)
	}
	if err == nil {
		err = d.store.ReplaceAll(jobs)
	}
	if err != nil {
		d.logger.Warn("Failed to warm job store from archive, starting empty",
			slog.String("error", err.Error()),
		)
		return
	}

	d.logger.Info("Job store warmed from archive",
		slog.String("run_id", run.ID),
		slog.Time("archived_at", run.ArchivedAt),
		slog.Int("jobs", len(jobs)),
	)
}

// Credentials returns the credential holder read by the synchronizer
func (d *Dashboard) Credentials() *Credentials {
	return d.credentials
}

// Snapshot returns the current jobs in backend order
func (d *Dashboard) Snapshot() []domain.Job {
	return d.store.Snapshot()
}

// Job returns one job from the current snapshot
func (d *Dashboard) Job(jobID string) (domain.Job, error) {
	job, ok := d.store.Get(jobID)
	if !ok {
		return domain.Job{}, fmt.Errorf("failed to get job %s: %w", jobID, domain.ErrJobNotFound)
	}
	return job, nil
}

// Submit creates a new training job and returns its id
func (d *Dashboard) Submit(ctx context.Context, token, modelName, datasetURL, parameters string) (string, error) {
	id, err := d.coordinator.Submit(ctx, token, modelName, datasetURL, parameters)
	if err != nil {
		return "", err
	}
	d.refreshSoon()
	return id, nil
}

// Retry spawns a new job from a completed or failed one and returns the new id
func (d *Dashboard) Retry(ctx context.Context, token, jobID string) (string, error) {
	id, err := d.coordinator.Retry(ctx, token, jobID)
	if err != nil {
		return "", err
	}
	d.refreshSoon()
	return id, nil
}

// Classify returns the lineage class of a job in the current snapshot
func (d *Dashboard) Classify(jobID string) (lineage.Class, error) {
	return d.tracker.Classify(jobID)
}

// LineageReport is the derived lineage of one job plus the archived edges
// touching it, which survive eviction from the current page
type LineageReport struct {
	lineage.View
	Archived []archive.Edge
}

// Lineage describes the retry lineage of jobID
func (d *Dashboard) Lineage(ctx context.Context, jobID string) (LineageReport, error) {
	view, err := d.tracker.Describe(jobID)
	if err != nil {
		return LineageReport{}, err
	}

	report := LineageReport{View: view}
	if d.archive == nil {
		return report, nil
	}

	edges, err := d.archive.Lineage(ctx, jobID)
	if err != nil {
		d.logger.Warn("Failed to load archived lineage",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return report, nil
	}
	report.Archived = edges
	return report, nil
}

// Roots returns the ids of jobs with no parent in the current snapshot
func (d *Dashboard) Roots() []string {
	return d.tracker.Roots()
}

// ErrorLog fetches the error log of a failed job. Jobs known to be in another
// status are rejected locally; unknown jobs are left to the remote service.
func (d *Dashboard) ErrorLog(ctx context.Context, token, jobID string) (domain.ErrorLog, error) {
	if job, ok := d.store.Get(jobID); ok && job.Status != domain.StatusFailed {
		return domain.ErrorLog{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrNoErrorLog)
	}

	log, err := d.remote.FetchErrorLog(ctx, token, jobID)
	if err != nil {
		return domain.ErrorLog{}, err
	}
	return log, nil
}

// StartSync begins polling. ctx bounds the poll loop and should outlive the request
// that triggered it.
func (d *Dashboard) StartSync(ctx context.Context) {
	d.sync.Start(ctx)
}

// StopSync halts polling; in-flight actions still complete
func (d *Dashboard) StopSync() {
	d.sync.Stop()
}

// Refresh runs one sync tick immediately
func (d *Dashboard) Refresh(ctx context.Context) error {
	return d.sync.Refresh(ctx)
}

// AddRefreshHook registers an observer of every successful refresh
func (d *Dashboard) AddRefreshHook(hook syncer.RefreshHook) {
	d.sync.AddHook(hook)
}

// SyncStatus reports the health of the poll loop
func (d *Dashboard) SyncStatus() syncer.Status {
	return d.sync.Status()
}

// Close stops syncing and tears down the store. Action results arriving later
// are discarded.
func (d *Dashboard) Close() {
	d.closeOnce.Do(func() {
		d.bgMu.Lock()
		d.closed = true
		d.bgMu.Unlock()

		d.sync.Stop()
		d.store.Close()
		d.background.Wait()
		d.logger.Info("Dashboard closed")
	})
}

func (d *Dashboard) refreshSoon() {
	if !d.refreshAfterAction || !d.sync.Running() {
		return
	}

	d.bgMu.Lock()
	if d.closed {
		d.bgMu.Unlock()
		return
	}
	d.background.Add(1)
	d.bgMu.Unlock()

	go func() {
		defer d.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		err := d.sync.Refresh(ctx)
		if err != nil && !errors.Is(err, syncer.ErrTickDropped) {
			d.logger.Debug("Refresh after action failed",
				slog.String("error", err.Error()),
			)
		}
	}()
}
