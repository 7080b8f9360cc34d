package store

import (
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/training-dashboard/internal/domain"
)

// snapshot is an immutable view of the store. It is never modified after publication.
type snapshot struct {
	order []string
	byID  map[string]domain.Job
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		order: make([]string, len(s.order), len(s.order)+1),
		byID:  make(map[string]domain.Job, len(s.byID)+1),
	}
	copy(next.order, s.order)
	for id, job := range s.byID {
		next.byID[id] = job
	}
	return next
}

var empty = &snapshot{byID: map[string]domain.Job{}}

// JobStore holds the latest known set of jobs keyed by id.
// Readers load a published snapshot without locking; writers are serialized by mu
// and publish copy-on-write, so a reader sees either the old or the new set.
type JobStore struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	closed  atomic.Bool
}

// NewJobStore creates an empty job store
func NewJobStore() *JobStore {
	s := &JobStore{}
	s.current.Store(empty)
	return s
}

// ReplaceAll atomically swaps the whole collection, keeping the given order.
// Jobs are expected to be validated; a repeated id keeps its first position and last value.
func (s *JobStore) ReplaceAll(jobs []domain.Job) error {
	next := &snapshot{
		order: make([]string, 0, len(jobs)),
		byID:  make(map[string]domain.Job, len(jobs)),
	}
	for _, job := range jobs {
		if _, exists := next.byID[job.ID]; !exists {
			next.order = append(next.order, job.ID)
		}
		next.byID[job.ID] = job.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return domain.ErrStoreClosed
	}
	s.current.Store(next)
	return nil
}

// UpsertOne merges a single job, overwriting any entry with the same id unless
// that entry is further along the lifecycle: a refreshed status never moves back.
// New ids are appended after the last refreshed position. It reports whether the
// store changed.
func (s *JobStore) UpsertOne(job domain.Job) (bool, error) {
	return s.merge(job, func(existing domain.Job) bool {
		return job.Status.Stage() >= existing.Status.Stage()
	})
}

// InsertIfAbsent adds the job only when its id is unknown. It is used for records
// synthesized locally, which must never replace data reported by the remote service.
func (s *JobStore) InsertIfAbsent(job domain.Job) (bool, error) {
	return s.merge(job, func(domain.Job) bool { return false })
}

func (s *JobStore) merge(job domain.Job, replace func(existing domain.Job) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false, domain.ErrStoreClosed
	}

	cur := s.current.Load()
	if existing, ok := cur.byID[job.ID]; ok && !replace(existing) {
		return false, nil
	}

	next := cur.clone()
	if _, exists := next.byID[job.ID]; !exists {
		next.order = append(next.order, job.ID)
	}
	next.byID[job.ID] = job.Clone()
	s.current.Store(next)
	return true, nil
}

// Update applies fn to a copy of the job with the given id and publishes the result.
// It returns domain.ErrJobNotFound when the id is not in the current snapshot.
func (s *JobStore) Update(id string, fn func(job *domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return domain.ErrStoreClosed
	}

	cur := s.current.Load()
	job, ok := cur.byID[id]
	if !ok {
		return domain.ErrJobNotFound
	}

	job = job.Clone()
	fn(&job)
	job.ID = id

	next := cur.clone()
	next.byID[id] = job
	s.current.Store(next)
	return nil
}

// Get returns a copy of the job with the given id
func (s *JobStore) Get(id string) (domain.Job, bool) {
	job, ok := s.current.Load().byID[id]
	if !ok {
		return domain.Job{}, false
	}
	return job.Clone(), true
}

// Snapshot returns a copy of all jobs in the order of the last ReplaceAll
func (s *JobStore) Snapshot() []domain.Job {
	cur := s.current.Load()
	jobs := make([]domain.Job, 0, len(cur.order))
	for _, id := range cur.order {
		jobs = append(jobs, cur.byID[id].Clone())
	}
	return jobs
}

// Len returns the number of jobs in the current snapshot
func (s *JobStore) Len() int {
	return len(s.current.Load().order)
}

// Close tears the store down. Later writes are discarded with domain.ErrStoreClosed;
// the last snapshot stays readable.
func (s *JobStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed.Store(true)
}
