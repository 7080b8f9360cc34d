package events

import (
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
)

// Type names a job lifecycle event. It doubles as the routing key.
type Type string

const (
	TypeDiscovered    Type = "job.discovered"
	TypeStatusChanged Type = "job.status_changed"
	TypeEvicted       Type = "job.evicted"
	TypeSubmitted     Type = "job.submitted"
	TypeRetried       Type = "job.retried"
)

// Event is published for every observed change in the job snapshot and for
// every successful action
type Event struct {
	ID         string        `json:"id"`
	Type       Type          `json:"type"`
	JobID      string        `json:"job_id"`
	ModelName  string        `json:"model_name,omitempty"`
	From       domain.Status `json:"from,omitempty"`
	To         domain.Status `json:"to,omitempty"`
	RetryFrom  string        `json:"retry_from,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Diff compares two snapshots and returns the changes in current order,
// followed by evictions in previous order
func Diff(previous, current []domain.Job) []Event {
	before := make(map[string]domain.Job, len(previous))
	for _, job := range previous {
		before[job.ID] = job
	}

	var changes []Event
	seen := make(map[string]struct{}, len(current))
	for _, job := range current {
		seen[job.ID] = struct{}{}

		old, existed := before[job.ID]
		switch {
		case !existed:
			changes = append(changes, Event{
				Type:      TypeDiscovered,
				JobID:     job.ID,
				ModelName: job.ModelName,
				To:        job.Status,
				RetryFrom: job.RetryFrom,
			})
		case old.Status != job.Status:
			changes = append(changes, Event{
				Type:      TypeStatusChanged,
				JobID:     job.ID,
				ModelName: job.ModelName,
				From:      old.Status,
				To:        job.Status,
				RetryFrom: job.RetryFrom,
			})
		}
	}

	for _, job := range previous {
		if _, ok := seen[job.ID]; !ok {
			changes = append(changes, Event{
				Type:      TypeEvicted,
				JobID:     job.ID,
				ModelName: job.ModelName,
				From:      job.Status,
			})
		}
	}

	return changes
}
