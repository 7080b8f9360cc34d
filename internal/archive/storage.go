package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS job_snapshot (
		id           TEXT PRIMARY KEY,
		position     INTEGER NOT NULL,
		run_id       TEXT NOT NULL,
		model_name   TEXT NOT NULL,
		dataset_url  TEXT NOT NULL,
		parameters   TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NULL,
		failed_at    TIMESTAMP NULL,
		retry_from   TEXT NOT NULL DEFAULT '',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		archived_at  TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_lineage (
		parent_id   TEXT NOT NULL,
		child_id    TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	)`,
}

// Edge is an archived retry relation
type Edge struct {
	ParentID   string    `db:"parent_id" json:"parent_id"`
	ChildID    string    `db:"child_id" json:"child_id"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// Run describes the most recently archived snapshot
type Run struct {
	ID         string
	ArchivedAt time.Time
	Jobs       int
}

type jobRow struct {
	ID          string         `db:"id"`
	Position    int            `db:"position"`
	RunID       string         `db:"run_id"`
	ModelName   string         `db:"model_name"`
	DatasetURL  string         `db:"dataset_url"`
	Parameters  string         `db:"parameters"`
	Status      string         `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	FailedAt    sql.NullTime   `db:"failed_at"`
	RetryFrom   sql.NullString `db:"retry_from"`
	RetryCount  int            `db:"retry_count"`
	ArchivedAt  time.Time      `db:"archived_at"`
}

func toRow(job domain.Job, position int, runID string, archivedAt time.Time) jobRow {
	params := string(job.Parameters)
	if params == "" {
		params = "{}"
	}
	return jobRow{
		ID:          job.ID,
		Position:    position,
		RunID:       runID,
		ModelName:   job.ModelName,
		DatasetURL:  job.DatasetURL,
		Parameters:  params,
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt.UTC(),
		CompletedAt: nullTime(job.CompletedAt),
		FailedAt:    nullTime(job.FailedAt),
		RetryFrom:   sql.NullString{String: job.RetryFrom, Valid: true},
		RetryCount:  job.RetryCount,
		ArchivedAt:  archivedAt,
	}
}

func (r jobRow) toJob() domain.Job {
	job := domain.Job{
		ID:         r.ID,
		ModelName:  r.ModelName,
		DatasetURL: r.DatasetURL,
		Parameters: []byte(r.Parameters),
		Status:     domain.ParseStatus(r.Status),
		CreatedAt:  r.CreatedAt.UTC(),
		RetryFrom:  r.RetryFrom.String,
		RetryCount: r.RetryCount,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		job.CompletedAt = &t
	}
	if r.FailedAt.Valid {
		t := r.FailedAt.Time.UTC()
		job.FailedAt = &t
	}
	return job
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Storage persists job snapshots and retry lineage through any sqlx driver.
// Queries use '?' placeholders and are rebound for the driver in use.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new archive storage
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureSchema creates the archive tables if they do not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create archive schema: %w", err)
		}
	}
	return nil
}

// SaveSnapshot replaces the archived snapshot with jobs and appends any new
// lineage edges. An edge is kept only when the parent, if present in the
// snapshot, was created strictly before the child.
func (s *Storage) SaveSnapshot(ctx context.Context, jobs []domain.Job) (string, error) {
	runID := uuid.NewString()
	archivedAt := s.now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_snapshot`); err != nil {
		return "", fmt.Errorf("failed to clear snapshot: %w", err)
	}

	insertJob := s.db.Rebind(`INSERT INTO job_snapshot (
		id, position, run_id, model_name, dataset_url, parameters, status,
		created_at, completed_at, failed_at, retry_from, retry_count, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	byID := make(map[string]domain.Job, len(jobs))
	for i, job := range jobs {
		byID[job.ID] = job
		r := toRow(job, i, runID, archivedAt)
		_, err := tx.ExecContext(ctx, insertJob,
			r.ID, r.Position, r.RunID, r.ModelName, r.DatasetURL, r.Parameters, r.Status,
			r.CreatedAt, r.CompletedAt, r.FailedAt, r.RetryFrom, r.RetryCount, r.ArchivedAt,
		)
		if err != nil {
			return "", fmt.Errorf("failed to archive job %s: %w", job.ID, err)
		}
	}

	insertEdge := s.db.Rebind(`INSERT INTO job_lineage (parent_id, child_id, recorded_at)
		VALUES (?, ?, ?) ON CONFLICT (parent_id, child_id) DO NOTHING`)

	edges := 0
	for _, job := range jobs {
		if job.RetryFrom == "" {
			continue
		}
		if parent, ok := byID[job.RetryFrom]; ok && !parent.CreatedAt.Before(job.CreatedAt) {
			s.logger.Warn("Skipping lineage edge with parent not older than child",
				slog.String("parent_id", parent.ID),
				slog.String("child_id", job.ID),
			)
			continue
		}
		if _, err := tx.ExecContext(ctx, insertEdge, job.RetryFrom, job.ID, archivedAt); err != nil {
			return "", fmt.Errorf("failed to archive lineage edge %s->%s: %w", job.RetryFrom, job.ID, err)
		}
		edges++
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.Debug("Snapshot archived",
		slog.String("run_id", runID),
		slog.Int("jobs", len(jobs)),
		slog.Int("edges", edges),
	)
	return runID, nil
}

// LoadSnapshot returns the archived snapshot in its original order
func (s *Storage) LoadSnapshot(ctx context.Context) ([]domain.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM job_snapshot ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// LastRun describes the archived snapshot, or returns sql.ErrNoRows when none exists
func (s *Storage) LastRun(ctx context.Context) (Run, error) {
	var row struct {
		RunID      string    `db:"run_id"`
		ArchivedAt time.Time `db:"archived_at"`
		Jobs       int       `db:"jobs"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT run_id, archived_at, COUNT(*) AS jobs
		FROM job_snapshot GROUP BY run_id, archived_at`)
	if err != nil {
		return Run{}, err
	}
	return Run{ID: row.RunID, ArchivedAt: row.ArchivedAt.UTC(), Jobs: row.Jobs}, nil
}

// Lineage returns every archived edge touching one of the given job ids,
// ordered by parent then child
func (s *Storage) Lineage(ctx context.Context, jobIDs ...string) ([]Edge, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT parent_id, child_id, recorded_at FROM job_lineage
		WHERE parent_id IN (?) OR child_id IN (?)
		ORDER BY parent_id, child_id`, jobIDs, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build lineage query: %w", err)
	}

	var edges []Edge
	if err := s.db.SelectContext(ctx, &edges, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load lineage: %w", err)
	}
	for i := range edges {
		edges[i].RecordedAt = edges[i].RecordedAt.UTC()
	}
	return edges, nil
}

// Hook archives every refreshed snapshot. Failures are logged; the store
// already holds the snapshot.
func (s *Storage) Hook(ctx context.Context, _, current []domain.Job) {
	if _, err := s.SaveSnapshot(ctx, current); err != nil {
		s.logger.Error("Failed to archive snapshot",
			slog.Int("jobs", len(current)),
			slog.String("error", err.Error()),
		)
	}
}
