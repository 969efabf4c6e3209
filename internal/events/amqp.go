package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foxzi/notifysafe/internal/metrics"
	"github.com/streadway/amqp"
)

// SourceAMQP labels events consumed from RabbitMQ
const SourceAMQP = "amqp"

// AMQPConfig contains AMQP consumer configuration
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// AMQPConsumer reads envelopes from a durable queue with manual acks
type AMQPConsumer struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	ch         *amqp.Channel
	queue      string
	prefetch   int
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// DialAMQP connects to the broker and creates a consumer
func DialAMQP(cfg AMQPConfig, dispatcher *Dispatcher, logger *slog.Logger) (*AMQPConsumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	return &AMQPConsumer{
		conn:       conn,
		queue:      cfg.Queue,
		prefetch:   cfg.Prefetch,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Run consumes until ctx is cancelled or the channel closes. The channel
// stays open until Close so deliveries still queued in the dispatcher can
// be settled after Run returns.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue setup failed: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos configuration failed: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info("amqp consumer started", "queue", c.queue)
	defer c.logger.Info("amqp consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed")
			}
			if err := c.handle(ctx, d); err != nil {
				if errors.Is(err, ErrStopped) || ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// handle decodes one delivery and hands it to the dispatcher. Bad payloads
// are rejected without requeue; the delivery is acked once the run ends.
func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) error {
	env, err := Decode(d.Body)
	if err != nil {
		metrics.IncEventsConsumed(SourceAMQP, OutcomeInvalid)
		c.logger.Warn("dropping bad message", "delivery_tag", d.DeliveryTag, "error", err)
		return d.Nack(false, false)
	}

	err = c.dispatcher.Submit(ctx, Job{
		Source:   SourceAMQP,
		Envelope: env,
		Done:     func(err error) { c.settle(d, err) },
	})
	if err != nil {
		// Not taken by a worker; let the broker redeliver
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack delivery", "error", nackErr)
		}
		return err
	}
	return nil
}

func (c *AMQPConsumer) settle(d amqp.Delivery, err error) {
	var ackErr error
	switch {
	case err == nil, Permanent(err):
		ackErr = d.Ack(false)
	default:
		ackErr = d.Nack(false, true)
	}
	if ackErr != nil {
		c.logger.Error("failed to settle delivery", "delivery_tag", d.DeliveryTag, "error", ackErr)
	}
}

// Close closes the channel and the broker connection. Unsettled
// deliveries are returned to the queue by the broker.
func (c *AMQPConsumer) Close() error {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logger.Warn("amqp channel close error", "error", err)
		}
	}
	return c.conn.Close()
}
