package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/metrics"
	"github.com/google/uuid"
)

// Publisher sends a message body under a routing key
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Notifier turns refreshes and actions into published events.
// Publishing failures are logged and never surface to the caller.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewNotifier creates a new event notifier
func NewNotifier(publisher Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// OnRefresh publishes the differences between two snapshots.
// It has the signature of a synchronizer refresh hook.
func (n *Notifier) OnRefresh(ctx context.Context, previous, current []domain.Job) {
	for _, event := range Diff(previous, current) {
		n.publish(ctx, event)
	}
}

func (n *Notifier) JobSubmitted(ctx context.Context, job domain.Job) {
	n.publish(ctx, Event{
		Type:      TypeSubmitted,
		JobID:     job.ID,
		ModelName: job.ModelName,
		To:        job.Status,
	})
}

func (n *Notifier) JobRetried(ctx context.Context, sourceID string, job domain.Job) {
	n.publish(ctx, Event{
		Type:      TypeRetried,
		JobID:     job.ID,
		ModelName: job.ModelName,
		To:        job.Status,
		RetryFrom: sourceID,
	})
}

func (n *Notifier) publish(ctx context.Context, event Event) {
	event.ID = uuid.NewString()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to marshal job event",
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	err = n.publisher.Publish(ctx, string(event.Type), body, "application/json")
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), strconv.FormatBool(err == nil)).Inc()
	if err != nil {
		n.logger.Warn("Failed to publish job event",
			slog.String("type", string(event.Type)),
			slog.String("job_id", event.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	n.logger.Debug("Job event published",
		slog.String("type", string(event.Type)),
		slog.String("job_id", event.JobID),
	)
}
