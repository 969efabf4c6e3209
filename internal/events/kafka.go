package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foxzi/notifysafe/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// SourceKafka labels events consumed from Kafka
const SourceKafka = "kafka"

// KafkaConfig contains Kafka consumer configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads envelopes from a topic with a consumer group. An
// offset is committed once its event has been processed, so events still
// queued at shutdown are redelivered rather than lost.
type KafkaConsumer struct {
	reader     messageReader
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewKafkaConsumer creates a consumer for the configured topic
func NewKafkaConsumer(cfg KafkaConfig, dispatcher *Dispatcher, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
		MaxWait:  100 * time.Millisecond,
	})
	return newKafkaConsumer(reader, dispatcher, logger)
}

func newKafkaConsumer(reader messageReader, dispatcher *Dispatcher, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:     reader,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run consumes until ctx is cancelled
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started")
	defer c.logger.Info("kafka consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		env, err := Decode(msg.Value)
		if err != nil {
			metrics.IncEventsConsumed(SourceKafka, OutcomeInvalid)
			c.logger.Warn("dropping bad message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			c.commit(msg)
			continue
		}

		job := Job{
			Source:   SourceKafka,
			Envelope: env,
			Done:     func(err error) { c.settle(msg, err) },
		}
		if err := c.dispatcher.Submit(ctx, job); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// settle commits a processed message. Kafka has no per-message negative
// acknowledgement, so a transient failure is logged and committed too.
func (c *KafkaConsumer) settle(msg kafka.Message, err error) {
	if err != nil && !Permanent(err) {
		c.logger.Warn("event not delivered", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
	c.commit(msg)
}

func (c *KafkaConsumer) commit(msg kafka.Message) {
	if err := c.reader.CommitMessages(context.Background(), msg); err != nil {
		c.logger.Error("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}

// Close closes the reader
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
