package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	defaultWorkerNum = 4
	defaultQueueSize = 256
)

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON events to Kafka. SendMessage is asynchronous through
// a small worker pool; SendMessageSync waits for the broker.
type Producer struct {
	writer    messageWriter
	logger    zerolog.Logger
	jobs      chan kafka.Message
	workerNum int
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// ProducerConfig holds configuration for Kafka producer
type ProducerConfig struct {
	Brokers   []string
	Logger    zerolog.Logger
	WorkerNum int
	QueueSize int
}

// NewProducer creates a producer. It returns nil when no brokers are configured.
func NewProducer(config ProducerConfig) *Producer {
	if len(config.Brokers) == 0 {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return newProducer(writer, config)
}

func newProducer(writer messageWriter, config ProducerConfig) *Producer {
	workerNum := config.WorkerNum
	if workerNum <= 0 {
		workerNum = defaultWorkerNum
	}
	queue := config.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	p := &Producer{
		writer:    writer,
		logger:    config.Logger.With().Str("component", "kafka-producer").Logger(),
		jobs:      make(chan kafka.Message, queue),
		workerNum: workerNum,
	}
	for i := 0; i < workerNum; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Producer) worker() {
	defer p.wg.Done()
	for msg := range p.jobs {
		func() {
			defer p.recover()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.write(ctx, msg)
		}()
	}
}

func (p *Producer) write(ctx context.Context, msg kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("key", string(msg.Key)).
			Msg("Failed to send message to Kafka")
		return err
	}
	p.logger.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Msg("Message sent to Kafka")
	return nil
}

// SendMessage queues value for topic. It never blocks: when the queue is
// full the message is dropped and an error returned.
func (p *Producer) SendMessage(topic, key string, value interface{}) error {
	msg, err := message(topic, key, value)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("kafka producer closed")
	}
	select {
	case p.jobs <- msg:
		return nil
	default:
		return fmt.Errorf("kafka producer queue full, dropping message for %s", topic)
	}
}

// SendMessageSync sends a message synchronously
func (p *Producer) SendMessageSync(ctx context.Context, topic, key string, value interface{}) error {
	msg, err := message(topic, key, value)
	if err != nil {
		return err
	}
	return p.write(ctx, msg)
}

// Close drains queued messages and closes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing Kafka producer")
		return err
	}
	return nil
}

func message(topic, key string, value interface{}) (kafka.Message, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{Topic: topic, Key: []byte(key), Value: data, Time: time.Now()}, nil
}

func (p *Producer) recover() {
	if r := recover(); r != nil {
		p.logger.Error().
			Str("operation", "send_message_kafka").
			Str("panic", fmt.Sprintf("%v", r)).
			Str("stack_trace", string(debug.Stack())).
			Msg("Panic recovered")
	}
}

// SnapshotPublisher implements jackpot.Publisher on the jackpot topic.
type SnapshotPublisher struct {
	producer *Producer
	topic    string
	source   string
}

// NewSnapshotPublisher tags every event with source so the instance can skip its own.
func NewSnapshotPublisher(producer *Producer, topic, source string) *SnapshotPublisher {
	return &SnapshotPublisher{producer: producer, topic: topic, source: source}
}

// PublishSnapshot queues s; the pool is a single key so partition order follows version order.
func (p *SnapshotPublisher) PublishSnapshot(_ context.Context, s jackpot.Snapshot) error {
	return p.producer.SendMessage(p.topic, "jackpot", NewSnapshotEvent(p.source, s))
}
