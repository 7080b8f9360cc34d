package lineage

import (
	"fmt"

	"github.com/cuongbtq/training-dashboard/internal/domain"
)

// Class describes a job's place in its retry lineage
type Class string

const (
	Original      Class = "original"
	HasRetries    Class = "has_retries"
	IsRetryResult Class = "is_retry_result"
)

// Classify derives the lineage class of a single job. A job that was created by a
// retry and has itself been retried reports HasRetries.
func Classify(job domain.Job) Class {
	switch {
	case job.RetryCount > 0:
		return HasRetries
	case job.RetryFrom != "":
		return IsRetryResult
	default:
		return Original
	}
}

// Snapshotter provides the current set of jobs
type Snapshotter interface {
	Snapshot() []domain.Job
	Get(id string) (domain.Job, bool)
}

// Tracker answers lineage questions against the current store snapshot.
// Nothing is stored; every answer is derived on demand.
type Tracker struct {
	jobs Snapshotter
}

// NewTracker creates a new lineage tracker
func NewTracker(jobs Snapshotter) *Tracker {
	return &Tracker{jobs: jobs}
}

// Classify returns the lineage class of jobID
func (t *Tracker) Classify(jobID string) (Class, error) {
	job, ok := t.jobs.Get(jobID)
	if !ok {
		return "", fmt.Errorf("failed to classify %s: %w", jobID, domain.ErrJobNotFound)
	}
	return Classify(job), nil
}

// Children returns the jobs retried from jobID, in snapshot order
func (t *Tracker) Children(jobID string) []domain.Job {
	var children []domain.Job
	for _, job := range t.jobs.Snapshot() {
		if job.RetryFrom == jobID {
			children = append(children, job)
		}
	}
	return children
}

// Ancestry walks retry_from links from jobID towards its original job and returns
// the parent ids nearest first. The walk stops at a parent missing from the
// snapshot; that id is still included. Parents always precede children, so the
// walk needs no cycle detection, but it is bounded by the snapshot size.
func (t *Tracker) Ancestry(jobID string) ([]string, error) {
	snap := t.jobs.Snapshot()
	byID := make(map[string]domain.Job, len(snap))
	for _, job := range snap {
		byID[job.ID] = job
	}

	job, ok := byID[jobID]
	if !ok {
		return nil, fmt.Errorf("failed to trace %s: %w", jobID, domain.ErrJobNotFound)
	}

	var ancestry []string
	for steps := 0; job.RetryFrom != "" && steps <= len(snap); steps++ {
		ancestry = append(ancestry, job.RetryFrom)
		parent, ok := byID[job.RetryFrom]
		if !ok {
			break
		}
		job = parent
	}
	return ancestry, nil
}

// Roots returns the ids of jobs whose parent is absent: originals and retry
// results whose source fell out of the current page
func (t *Tracker) Roots() []string {
	snap := t.jobs.Snapshot()
	present := make(map[string]struct{}, len(snap))
	for _, job := range snap {
		present[job.ID] = struct{}{}
	}

	var roots []string
	for _, job := range snap {
		if _, ok := present[job.RetryFrom]; job.RetryFrom == "" || !ok {
			roots = append(roots, job.ID)
		}
	}
	return roots
}

// View is the lineage of one job
type View struct {
	JobID    string
	Class    Class
	Parent   string
	Ancestry []string
	Children []string
}

// Describe gathers the full lineage view of jobID
func (t *Tracker) Describe(jobID string) (View, error) {
	job, ok := t.jobs.Get(jobID)
	if !ok {
		return View{}, fmt.Errorf("failed to describe %s: %w", jobID, domain.ErrJobNotFound)
	}

	ancestry, err := t.Ancestry(jobID)
	if err != nil {
		return View{}, err
	}

	children := t.Children(jobID)
	childIDs := make([]string, 0, len(children))
	for _, child := range children {
		childIDs = append(childIDs, child.ID)
	}

	return View{
		JobID:    jobID,
		Class:    Classify(job),
		Parent:   job.RetryFrom,
		Ancestry: ancestry,
		Children: childIDs,
	}, nil
}
