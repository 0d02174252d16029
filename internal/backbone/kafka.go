package backbone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/KonstantinosKos/weatherAppSock/internal/metrics"
)

// kafkaMessageWriter abstracts kafka.Writer for tests.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaReader abstracts kafka.Reader for tests.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriterConfig configures the asynchronous Kafka producer.
type KafkaWriterConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
}

// KafkaWriter publishes messages through an async kafka.Writer.
type KafkaWriter struct {
	writer kafkaMessageWriter
	logger *zap.SugaredLogger
}

// NewKafkaWriter builds an async writer; onFailure receives every batch the
// client could not deliver.
func NewKafkaWriter(cfg KafkaWriterConfig, logger *zap.SugaredLogger, onFailure FailureFunc) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker must be configured")
	}

	w := &kafka.Writer{
		Addr: kafka.TCP(cfg.Brokers...),
		// Murmur2 matches the default partitioner of the JVM Kafka clients.
		Balancer:               &kafka.Murmur2Balancer{},
		RequiredAcks:           cfg.RequiredAcks,
		AllowAutoTopicCreation: true,
		Async:                  true,
		WriteTimeout:           cfg.WriteTimeout,
		BatchTimeout:           cfg.BatchTimeout,
		Completion:             completion(logger, onFailure),
	}

	logger.Infow("kafka writer initialized", "brokers", cfg.Brokers, "required_acks", cfg.RequiredAcks, "async", true)
	return &KafkaWriter{writer: w, logger: logger}, nil
}

// completion reports undelivered messages grouped by topic.
func completion(logger *zap.SugaredLogger, onFailure FailureFunc) func([]kafka.Message, error) {
	return func(messages []kafka.Message, err error) {
		if err == nil {
			return
		}
		byTopic := map[string]int{}
		for _, m := range messages {
			byTopic[m.Topic]++
		}
		for topic, count := range byTopic {
			logger.Errorw("kafka publish failed", "topic", topic, "count", count, "err", err)
			if onFailure != nil {
				onFailure(topic, count, err)
			}
		}
	}
}

// Write enqueues one message. With the async writer this returns once the
// message is buffered, without waiting for the broker.
func (w *KafkaWriter) Write(ctx context.Context, msg Message) error {
	if err := w.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("kafka enqueue failed topic=%s key=%s: %w", msg.Topic, msg.Key, err)
	}
	return nil
}

// Close flushes pending messages and releases the writer.
func (w *KafkaWriter) Close() error {
	return w.writer.Close()
}

func toKafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}
	km := kafka.Message{
		Topic:   msg.Topic,
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Time,
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	return km
}

func fromKafkaMessage(km kafka.Message) Message {
	headers := make([]Header, 0, len(km.Headers))
	for _, h := range km.Headers {
		headers = append(headers, Header{Key: h.Key, Value: string(h.Value)})
	}
	return Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Value:   km.Value,
		Headers: headers,
		Time:    km.Time,
	}
}

// KafkaConsumerConfig configures a consumer-group reader.
type KafkaConsumerConfig struct {
	Brokers         []string
	GroupID         string
	Topics          []string
	MinBytes        int
	MaxBytes        int
	MaxWait         time.Duration
	FetchErrBackoff time.Duration
	CommitTimeout   time.Duration
}

// KafkaConsumer reads a consumer group and commits after each handled message.
type KafkaConsumer struct {
	cfg     KafkaConsumerConfig
	reader  kafkaReader
	logger  *zap.SugaredLogger
	metrics *metrics.Bridge
}

// NewKafkaConsumer builds a group reader over cfg.Topics.
func NewKafkaConsumer(cfg KafkaConsumerConfig, logger *zap.SugaredLogger, m *metrics.Bridge) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker must be configured")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one kafka topic must be configured")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group id is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
	})
	return newKafkaConsumer(cfg, reader, logger, m), nil
}

func newKafkaConsumer(cfg KafkaConsumerConfig, reader kafkaReader, logger *zap.SugaredLogger, m *metrics.Bridge) *KafkaConsumer {
	return &KafkaConsumer{cfg: cfg, reader: reader, logger: logger, metrics: m}
}

// Consume fetches messages until ctx is cancelled. A handler error leaves the
// offset uncommitted so the message is redelivered after a restart.
func (c *KafkaConsumer) Consume(ctx context.Context, handle func(context.Context, Message) error) error {
	c.logger.Infow("kafka consumer loop starting", "topics", c.cfg.Topics, "group_id", c.cfg.GroupID)
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Infow("kafka consumer loop stopping due to cancellation")
				return nil
			}
			c.metrics.RecordFetchError()
			c.logger.Warnw("kafka fetch failed; retrying", "err", err, "after", c.cfg.FetchErrBackoff)
			if err := sleepWithContext(ctx, c.cfg.FetchErrBackoff); err != nil {
				return nil
			}
			continue
		}

		if err := handle(ctx, fromKafkaMessage(km)); err != nil {
			c.logger.Warnw("message handling failed; offset not committed",
				"topic", km.Topic, "partition", km.Partition, "offset", km.Offset, "key", string(km.Key), "err", err)
			continue
		}

		commitCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
		err = c.reader.CommitMessages(commitCtx, km)
		cancel()
		if err != nil {
			c.logger.Warnw("offset commit failed",
				"topic", km.Topic, "partition", km.Partition, "offset", km.Offset, "err", err)
		}
	}
}

// Close releases the reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
