package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SnapshotHandler receives jackpot snapshots published by other instances.
type SnapshotHandler func(jackpot.Snapshot)

// Consumer reads the jackpot topic and hands remote snapshots to a handler.
type Consumer struct {
	reader  messageReader
	handler SnapshotHandler
	source  string
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// Source is this instance's id; its own events are skipped.
	Source string
	Logger zerolog.Logger
}

// NewConsumer creates a consumer. Each instance needs every snapshot, so the
// group id is suffixed with the source to give it its own offsets.
func NewConsumer(config ConsumerConfig, handler SnapshotHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.ConsumerGroup + "-" + config.Source,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return newConsumer(reader, config, handler)
}

func newConsumer(reader messageReader, config ConsumerConfig, handler SnapshotHandler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:  reader,
		handler: handler,
		source:  config.Source,
		logger:  config.Logger.With().Str("component", "kafka-consumer").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consume()
	c.logger.Info().Msg("Kafka consumer started")
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing Kafka reader")
		return err
	}
	c.logger.Info().Msg("Kafka consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Error fetching message from Kafka")
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handleMessage(msg); err != nil {
			c.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Error handling message")
		}

		if err := c.reader.CommitMessages(c.ctx, msg); err != nil && c.ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Error committing message")
		}
	}
}

func (c *Consumer) handleMessage(msg kafka.Message) error {
	var event SnapshotEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return err
	}
	if event.Source == c.source {
		return nil
	}
	c.handler(event.Snapshot())
	return nil
}
