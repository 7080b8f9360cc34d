package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull         = errors.New("event queue full")
	ErrDispatcherStopped = errors.New("event dispatcher stopped")
)

type message struct {
	routingKey  string
	body        []byte
	contentType string
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	Logger         *slog.Logger
	Publisher      Publisher
	Concurrency    int
	QueueSize      int
	PublishTimeout time.Duration
}

// Dispatcher is a Publisher that hands messages to a pool of worker goroutines,
// so a slow broker never holds up a sync tick or an action. Publish never blocks;
// a full queue rejects the message.
type Dispatcher struct {
	logger         *slog.Logger
	publisher      Publisher
	concurrency    int
	publishTimeout time.Duration

	mu      sync.RWMutex
	queue   chan message
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a new dispatcher. Call Start before publishing.
func NewDispatcher(cfg *DispatcherConfig) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Dispatcher{
		logger:         cfg.Logger,
		publisher:      cfg.Publisher,
		concurrency:    concurrency,
		publishTimeout: timeout,
		queue:          make(chan message, queueSize),
	}
}

// Start spawns the worker pool. Workers exit when ctx is canceled or the
// queue is drained after Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Spawning event dispatcher pool",
		slog.Int("concurrency", d.concurrency),
		slog.Int("queue_size", cap(d.queue)),
	)

	for i := 0; i < d.concurrency; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerNum int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Event worker stopping, context canceled",
				slog.Int("worker_num", workerNum),
			)
			return

		case msg, ok := <-d.queue:
			if !ok {
				return
			}

			pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.publishTimeout)
			err := d.publisher.Publish(pubCtx, msg.routingKey, msg.body, msg.contentType)
			cancel()

			if err != nil {
				d.logger.Warn("Failed to publish queued event",
					slog.Int("worker_num", workerNum),
					slog.String("routing_key", msg.routingKey),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Publish enqueues the message without waiting for the broker
func (d *Dispatcher) Publish(_ context.Context, routingKey string, body []byte, contentType string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- message{routingKey: routingKey, body: body, contentType: contentType}:
		return nil
	default:
		return fmt.Errorf("failed to enqueue %s: %w", routingKey, ErrQueueFull)
	}
}

// Stop rejects new messages, drains the queue and waits for the workers
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Event dispatcher stopped")
}
