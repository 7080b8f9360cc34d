package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/metrics"
	"github.com/cuongbtq/training-dashboard/internal/store"
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// ErrTickDropped is returned by Refresh when a list request is already in flight
var ErrTickDropped = errors.New("sync tick dropped: previous request still in flight")

// Lister is the read side of the Remote Job Service
type Lister interface {
	ListJobs(ctx context.Context, token string) ([]domain.Job, error)
}

// TokenSource supplies the bearer credential for each tick
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", domain.ErrUnauthorized
	}
	return string(t), nil
}

// RefreshHook observes a successful refresh. It runs on the tick goroutine after
// the store has been updated.
type RefreshHook func(ctx context.Context, previous, current []domain.Job)

// Config holds synchronizer configuration
type Config struct {
	Logger         *slog.Logger
	Lister         Lister
	Store          *store.JobStore
	Tokens         TokenSource
	Interval       time.Duration
	RequestTimeout time.Duration
	Hooks          []RefreshHook
	// OnError receives every failed tick as a *domain.TransientSyncError
	OnError func(err error)
}

// Status is the ambient health signal of the poll loop
type Status struct {
	Running             bool
	LastAttempt         time.Time
	LastSuccess         time.Time
	LastError           error
	ConsecutiveFailures int
	DroppedTicks        uint64
}

// Synchronizer refreshes the job store from the remote service on a fixed period.
// At most one list request is in flight; ticks that fire meanwhile are dropped.
type Synchronizer struct {
	logger         *slog.Logger
	lister         Lister
	store          *store.JobStore
	tokens         TokenSource
	interval       time.Duration
	requestTimeout time.Duration
	onError        func(err error)

	hooksMu sync.RWMutex
	hooks   []RefreshHook

	inFlight atomic.Bool
	dropped  atomic.Uint64
	ticks    sync.WaitGroup

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	status   Status
}

// New creates a new synchronizer. It does not start polling.
func New(cfg *Config) *Synchronizer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	return &Synchronizer{
		logger:         cfg.Logger,
		lister:         cfg.Lister,
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		interval:       interval,
		requestTimeout: requestTimeout,
		onError:        cfg.OnError,
		hooks:          append([]RefreshHook(nil), cfg.Hooks...),
	}
}

// AddHook registers a refresh hook
func (s *Synchronizer) AddHook(hook RefreshHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start begins polling immediately and then every interval until Stop is called
// or ctx is canceled. Starting a running synchronizer is a no-op.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.status.Running = true

	s.logger.Info("Synchronizer started",
		slog.Duration("interval", s.interval),
	)

	go s.loop(loopCtx, s.loopDone)
}

// Stop halts new ticks and waits for an outstanding tick to return.
// A list request still in flight is canceled and its result discarded.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.loopDone
	s.cancel, s.loopDone = nil, nil
	s.status.Running = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	s.ticks.Wait()

	s.logger.Info("Synchronizer stopped")
}

// Running reports whether the poll loop is active
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Status returns the current sync status
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	status.DroppedTicks = s.dropped.Load()
	return status
}

// Refresh runs one tick on the calling goroutine. It returns ErrTickDropped when
// another list request is in flight.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.recordDropped()
		return ErrTickDropped
	}
	defer s.inFlight.Store(false)
	return s.tick(ctx)
}

func (s *Synchronizer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch launches a tick unless one is still in flight
func (s *Synchronizer) dispatch(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.recordDropped()
		return
	}

	s.ticks.Add(1)
	go func() {
		defer s.ticks.Done()
		defer s.inFlight.Store(false)
		_ = s.tick(ctx)
	}()
}

func (s *Synchronizer) recordDropped() {
	s.dropped.Add(1)
	metrics.SyncTicksTotal.WithLabelValues(metrics.ResultDropped).Inc()
	s.logger.Debug("Sync tick dropped, previous request still in flight")
}

func (s *Synchronizer) tick(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.status.LastAttempt = start
	s.mu.Unlock()

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return s.fail(ctx, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	jobs, err := s.lister.ListJobs(reqCtx, token)
	cancel()
	metrics.SyncDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		return s.fail(ctx, err)
	}

	// Stopped while the request was in flight
	if ctx.Err() != nil {
		return ctx.Err()
	}

	previous := s.store.Snapshot()
	if err := s.store.ReplaceAll(jobs); err != nil {
		return err
	}

	metrics.SyncTicksTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.JobsInStore.Set(float64(len(jobs)))

	s.mu.Lock()
	s.status.LastSuccess = time.Now()
	s.status.LastError = nil
	s.status.ConsecutiveFailures = 0
	s.mu.Unlock()

	s.logger.Debug("Job store refreshed",
		slog.Int("jobs", len(jobs)),
		slog.Duration("latency", time.Since(start)),
	)

	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, previous, s.store.Snapshot())
	}

	return nil
}

// fail records a skipped tick. The store is left untouched.
func (s *Synchronizer) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	syncErr := domain.NewTransientSyncError(err)
	metrics.SyncTicksTotal.WithLabelValues(metrics.ResultFailure).Inc()

	s.mu.Lock()
	s.status.LastError = syncErr
	s.status.ConsecutiveFailures++
	failures := s.status.ConsecutiveFailures
	s.mu.Unlock()

	s.logger.Warn("Sync tick failed, keeping last snapshot",
		slog.String("error", err.Error()),
		slog.Int("consecutive_failures", failures),
	)

	if s.onError != nil {
		s.onError(syncErr)
	}
	return syncErr
}
