package backbone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/KonstantinosKos/weatherAppSock/internal/metrics"
)

// PartitionKeyHeader carries the record key on RabbitMQ, which has no native key.
const PartitionKeyHeader = "partition-key"

const (
	defaultAMQPDialTimeout    = 5 * time.Second
	defaultAMQPReopenInterval = 2 * time.Second
)

// ErrChannelUnavailable is returned by AMQPWriter.Write while a failed channel
// open is inside its retry interval.
var ErrChannelUnavailable = errors.New("rabbitmq channel unavailable")

// amqpChannel is the subset of *amqp.Channel the writer uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// AMQPConfig configures the RabbitMQ topic exchange backbone. ReconnectBackoff
// is the consumer's wait between sessions and the writer's hold-off after a
// failed channel open.
type AMQPConfig struct {
	URL              string
	Exchange         string
	Queue            string
	Topics           []string
	Prefetch         int
	ConsumerTag      string
	DialTimeout      time.Duration
	ReconnectBackoff time.Duration
}

func dialAMQP(cfg AMQPConfig) (*amqp.Connection, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultAMQPDialTimeout
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect failed: %w", err)
	}
	return conn, nil
}

// AMQPWriter publishes to a topic exchange with routing key = topic.
// The channel is reopened lazily after the broker drops it. After a failed
// open, writes fail fast with ErrChannelUnavailable until ReconnectBackoff has
// passed. Publishing runs without confirms, so every failure it can observe is
// returned from Write.
type AMQPWriter struct {
	cfg    AMQPConfig
	logger *zap.SugaredLogger
	open   func() (amqpChannel, error)
	now    func() time.Time

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	openErr  error
	nextOpen time.Time
}

// NewAMQPWriter validates cfg; the first connection is made on the first Write.
func NewAMQPWriter(cfg AMQPConfig, logger *zap.SugaredLogger) (*AMQPWriter, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("rabbitmq exchange is required")
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultAMQPReopenInterval
	}
	w := &AMQPWriter{cfg: cfg, logger: logger, now: time.Now}
	w.open = w.openChannel
	return w, nil
}

// openChannel dials (or reuses) the connection and declares the exchange. Caller holds mu.
func (w *AMQPWriter) openChannel() (amqpChannel, error) {
	if w.conn == nil || w.conn.IsClosed() {
		conn, err := dialAMQP(w.cfg)
		if err != nil {
			return nil, err
		}
		w.conn = conn
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := declareExchange(ch, w.cfg.Exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	w.logger.Infow("rabbitmq publish channel ready", "exchange", w.cfg.Exchange)
	return ch, nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq exchange declare failed: %w", err)
	}
	return nil
}

// Write publishes one message without publisher confirms.
func (w *AMQPWriter) Write(ctx context.Context, msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ch == nil || w.ch.IsClosed() {
		if w.now().Before(w.nextOpen) {
			return fmt.Errorf("%w until %s: %w", ErrChannelUnavailable, w.nextOpen.Format(time.RFC3339Nano), w.openErr)
		}
		ch, err := w.open()
		if err != nil {
			w.openErr = err
			w.nextOpen = w.now().Add(w.cfg.ReconnectBackoff)
			w.logger.Errorw("rabbitmq channel unavailable", "exchange", w.cfg.Exchange, "topic", msg.Topic,
				"retry_after", w.cfg.ReconnectBackoff, "err", err)
			return err
		}
		w.ch = ch
		w.openErr = nil
	}

	if err := w.ch.PublishWithContext(ctx, w.cfg.Exchange, msg.Topic, false, false, toPublishing(msg)); err != nil {
		return fmt.Errorf("rabbitmq publish failed topic=%s key=%s: %w", msg.Topic, msg.Key, err)
	}
	return nil
}

// Close releases the channel and connection.
func (w *AMQPWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.ch != nil {
		if err := w.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		w.ch = nil
	}
	if w.conn != nil {
		if err := w.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		w.conn = nil
	}
	return errors.Join(errs...)
}

func toPublishing(msg Message) amqp.Publishing {
	headers := amqp.Table{}
	contentType := "application/json"
	for _, h := range msg.Headers {
		if h.Key == "content-type" {
			contentType = h.Value
		}
		headers[h.Key] = h.Value
	}
	if msg.Key != "" {
		headers[PartitionKeyHeader] = msg.Key
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Timestamp:    ts,
		Body:         msg.Value,
	}
}

func fromDelivery(d amqp.Delivery) Message {
	msg := Message{
		Topic: d.RoutingKey,
		Value: d.Body,
		Time:  d.Timestamp,
	}
	for key, raw := range d.Headers {
		value, ok := raw.(string)
		if !ok {
			continue
		}
		if key == PartitionKeyHeader {
			msg.Key = value
			continue
		}
		msg.Headers = append(msg.Headers, Header{Key: key, Value: value})
	}
	return msg
}

// AMQPConsumer binds a durable queue to the exchange for each topic and consumes it,
// reconnecting after channel failures.
type AMQPConsumer struct {
	cfg     AMQPConfig
	logger  *zap.SugaredLogger
	metrics *metrics.Bridge

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPConsumer validates cfg; connections are made inside Consume.
func NewAMQPConsumer(cfg AMQPConfig, logger *zap.SugaredLogger, m *metrics.Bridge) (*AMQPConsumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.Exchange == "" || cfg.Queue == "" {
		return nil, errors.New("rabbitmq exchange and queue are required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic must be bound")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = cfg.Queue
	}
	return &AMQPConsumer{cfg: cfg, logger: logger, metrics: m}, nil
}

// Consume serves deliveries until ctx is cancelled.
func (c *AMQPConsumer) Consume(ctx context.Context, handle func(context.Context, Message) error) error {
	for {
		err := c.consumeSession(ctx, handle)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		c.metrics.RecordFetchError()
		c.logger.Warnw("rabbitmq consume session failed; reconnecting", "err", err, "after", c.cfg.ReconnectBackoff)
		if err := sleepWithContext(ctx, c.cfg.ReconnectBackoff); err != nil {
			c.logger.Infow("rabbitmq reconnect sleep canceled")
			return nil
		}
	}
}

func (c *AMQPConsumer) consumeSession(ctx context.Context, handle func(context.Context, Message) error) error {
	if err := c.reopen(); err != nil {
		return err
	}

	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}

	c.logger.Infow("rabbitmq consumer started", "queue", c.cfg.Queue, "exchange", c.cfg.Exchange, "topics", c.cfg.Topics)
	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
				c.logger.Warnw("rabbitmq consumer cancel failed", "err", err)
			}
			c.logger.Infow("rabbitmq consumer stopping due to cancellation")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq deliveries channel closed unexpectedly")
			}

			if err := handle(ctx, fromDelivery(d)); err != nil {
				c.logger.Warnw("message handling failed; dropping", "routing_key", d.RoutingKey, "delivery_tag", d.DeliveryTag, "err", err)
				if err := d.Nack(false, false); err != nil {
					c.logger.Warnw("rabbitmq nack failed", "delivery_tag", d.DeliveryTag, "err", err)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				c.logger.Warnw("rabbitmq ack failed", "delivery_tag", d.DeliveryTag, "err", err)
			}
		}
	}
}

// reopen re-creates the channel, reconnecting first if the connection dropped.
func (c *AMQPConsumer) reopen() error {
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Debugw("rabbitmq channel close before reopen failed", "err", err)
		}
		c.ch = nil
	}
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := dialAMQP(c.cfg)
		if err != nil {
			return err
		}
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := c.configure(ch); err != nil {
		_ = ch.Close()
		return err
	}
	c.ch = ch
	return nil
}

func (c *AMQPConsumer) configure(ch *amqp.Channel) error {
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}
	if err := declareExchange(ch, c.cfg.Exchange); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}
	for _, topic := range c.cfg.Topics {
		if err := ch.QueueBind(c.cfg.Queue, topic, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq queue bind failed topic=%s: %w", topic, err)
		}
	}
	return nil
}

// Close releases the channel and connection.
func (c *AMQPConsumer) Close() error {
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
