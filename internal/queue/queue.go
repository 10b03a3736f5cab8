package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/logging"
)

// Topics used by the engine.
const (
	TopicCampaignRuns = "campaign_runs"
	TopicSnapshots    = "accuracy_snapshots"
)

var ErrClosed = errors.New("queue closed")

type Handler func(ctx context.Context, payload any) error

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue delivers every job to each subscriber on its own goroutine
// and retries failures with a linear backoff.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maxRetries int
	backoff    time.Duration
	logger     *zap.Logger
}

type Options struct {
	MaxRetries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
	Logger  *zap.Logger
}

func NewInMemoryQueue(opts Options) *InMemoryQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		ctx:        ctx,
		cancel:     cancel,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     logging.OrNop(opts.Logger),
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	handlers := q.handlers[topic]
	if len(handlers) == 0 {
		q.mu.Unlock()
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	q.wg.Add(len(handlers))
	q.mu.Unlock()

	for _, handler := range handlers {
		job := JobPayload{Topic: topic, Payload: payload, MaxRetries: q.maxRetries}
		go q.processJob(handler, job)
	}
	return nil
}

func (q *InMemoryQueue) processJob(handler Handler, job JobPayload) {
	defer q.wg.Done()
	for {
		err := handler(q.ctx, job.Payload)
		if err == nil {
			q.logger.Debug("job processed", zap.String("topic", job.Topic), zap.Any("payload", job.Payload))
			return
		}
		if q.ctx.Err() != nil {
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			q.logger.Error("job permanently failed",
				zap.String("topic", job.Topic),
				zap.Any("payload", job.Payload),
				zap.Int("attempts", job.RetryCount),
				zap.Error(err),
			)
			return
		}
		q.logger.Warn("job failed, retrying",
			zap.String("topic", job.Topic),
			zap.Int("attempt", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(err),
		)

		select {
		case <-q.ctx.Done():
			return
		case <-time.After(time.Duration(job.RetryCount) * q.backoff):
		}
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close cancels running jobs and waits for them to return.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
