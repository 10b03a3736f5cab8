package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
)

func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

// ProgressPublisher pushes campaign snapshots to a RabbitMQ queue while the
// engine runs.
type ProgressPublisher struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

func NewProgressPublisher(url, queue string, logger *zap.Logger) (*ProgressPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := declare(ch, queue)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &ProgressPublisher{conn: conn, ch: ch, queue: q.Name, logger: logging.OrNop(logger)}, nil
}

func (p *ProgressPublisher) PublishProgress(ctx context.Context, ev model.ProgressEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *ProgressPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch.Close()
	return p.conn.Close()
}

// ProgressHandler receives decoded progress events. Returning an error
// requeues the delivery once.
type ProgressHandler func(ctx context.Context, ev model.ProgressEvent) error

type ProgressConsumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	handler ProgressHandler
	logger  *zap.Logger
}

func NewProgressConsumer(url, queue string, handler ProgressHandler, logger *zap.Logger) (*ProgressConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q, err := declare(ch, queue)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &ProgressConsumer{conn: conn, ch: ch, queue: q.Name, handler: handler, logger: logging.OrNop(logger)}, nil
}

// Run consumes until ctx is done or the broker closes the channel.
func (c *ProgressConsumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	c.logger.Info("consuming progress events", zap.String("queue", c.queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("progress queue %s closed by broker", c.queue)
			}
			c.handle(ctx, d)
		}
	}
}

func (c *ProgressConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var ev model.ProgressEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.Warn("invalid progress event", zap.Error(err))
		d.Ack(false)
		return
	}
	if err := c.handler(ctx, ev); err != nil {
		c.logger.Warn("progress event not applied",
			zap.Int("campaign_id", ev.Campaign.ID),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		d.Nack(false, !d.Redelivered)
		return
	}
	d.Ack(false)
}

func (c *ProgressConsumer) Close() error {
	c.ch.Close()
	return c.conn.Close()
}
