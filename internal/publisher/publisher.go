// Package publisher turns decoded weather batches into keyed backbone messages.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KonstantinosKos/weatherAppSock/internal/backbone"
	"github.com/KonstantinosKos/weatherAppSock/internal/metrics"
	"github.com/KonstantinosKos/weatherAppSock/internal/weather"
)

// Default topic names.
const (
	DefaultCurrentTopic     = "weather.current"
	DefaultPredictionsTopic = "weather.predictions"
	DefaultMetadataTopic    = "weather.metadata"
)

// Header names attached to every message.
const (
	HeaderContentType   = "content-type"
	HeaderSchemaVersion = "schema-version"
	HeaderBatchID       = "batch-id"
	HeaderGeneratedBy   = "generated-by"
)

// ErrNoWriter is returned by New when no backbone writer is supplied.
var ErrNoWriter = errors.New("publisher requires a backbone writer")

// Config selects destination topics.
type Config struct {
	CurrentTopic       string
	PredictionsTopic   string
	MetadataTopic      string
	PublishPredictions bool
}

// DefaultConfig returns the standard topic layout with predictions enabled.
func DefaultConfig() Config {
	return Config{
		CurrentTopic:       DefaultCurrentTopic,
		PredictionsTopic:   DefaultPredictionsTopic,
		MetadataTopic:      DefaultMetadataTopic,
		PublishPredictions: true,
	}
}

// Publisher sends records to the backbone. Sends never wait for broker
// acknowledgement; delivery failures are reported by the writer itself.
type Publisher struct {
	cfg     Config
	writer  backbone.Writer
	logger  *zap.SugaredLogger
	metrics *metrics.Bridge

	now   func() time.Time
	newID func() string
}

// New builds a Publisher. Blank topics fall back to the defaults.
func New(writer backbone.Writer, cfg Config, logger *zap.SugaredLogger, m *metrics.Bridge) (*Publisher, error) {
	if writer == nil {
		return nil, ErrNoWriter
	}
	if cfg.CurrentTopic == "" {
		cfg.CurrentTopic = DefaultCurrentTopic
	}
	if cfg.PredictionsTopic == "" {
		cfg.PredictionsTopic = DefaultPredictionsTopic
	}
	if cfg.MetadataTopic == "" {
		cfg.MetadataTopic = DefaultMetadataTopic
	}
	return &Publisher{
		cfg:     cfg,
		writer:  writer,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}, nil
}

// SendCurrentWeather publishes each current record keyed by city.
func (p *Publisher) SendCurrentWeather(ctx context.Context, batch weather.Batch) error {
	return p.sendRecords(ctx, p.cfg.CurrentTopic, batch.Current, p.newID(), batch.GeneratedBy)
}

// SendPredictions publishes each prediction record keyed by city.
func (p *Publisher) SendPredictions(ctx context.Context, records []weather.WeatherRecord) error {
	return p.sendRecords(ctx, p.cfg.PredictionsTopic, records, p.newID(), "")
}

// SendMetadata publishes one metadata record keyed by generatedBy.
func (p *Publisher) SendMetadata(ctx context.Context, timestamp, generatedBy string) error {
	return p.sendMetadata(ctx, weather.Metadata{Timestamp: timestamp, GeneratedBy: generatedBy}, p.newID())
}

// PublishBatch publishes current records, then predictions, then one metadata
// record, all tagged with the same batch id. A failed write does not stop the
// remaining writes; all failures are returned joined.
func (p *Publisher) PublishBatch(ctx context.Context, batch weather.Batch) error {
	batchID := p.newID()

	var errs []error
	if err := p.sendRecords(ctx, p.cfg.CurrentTopic, batch.Current, batchID, batch.GeneratedBy); err != nil {
		errs = append(errs, err)
	}
	if p.cfg.PublishPredictions {
		if err := p.sendRecords(ctx, p.cfg.PredictionsTopic, batch.Predictions, batchID, batch.GeneratedBy); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.sendMetadata(ctx, weather.Metadata{Timestamp: batch.Timestamp, GeneratedBy: batch.GeneratedBy}, batchID); err != nil {
		errs = append(errs, err)
	}

	p.logger.Debugw("batch published",
		"batch_id", batchID,
		"generated_by", batch.GeneratedBy,
		"timestamp", batch.Timestamp,
		"current", len(batch.Current),
		"predictions", len(batch.Predictions),
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

func (p *Publisher) sendRecords(ctx context.Context, topic string, records []weather.WeatherRecord, batchID, generatedBy string) error {
	var errs []error
	sent := 0
	for _, record := range records {
		if err := p.send(ctx, topic, record.City, record, batchID, generatedBy); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	p.metrics.RecordPublished(topic, sent)
	return errors.Join(errs...)
}

func (p *Publisher) sendMetadata(ctx context.Context, meta weather.Metadata, batchID string) error {
	if err := p.send(ctx, p.cfg.MetadataTopic, meta.GeneratedBy, meta, batchID, meta.GeneratedBy); err != nil {
		return err
	}
	p.metrics.RecordPublished(p.cfg.MetadataTopic, 1)
	return nil
}

func (p *Publisher) send(ctx context.Context, topic, key string, value any, batchID, generatedBy string) error {
	body, err := json.Marshal(value)
	if err != nil {
		p.logger.Errorw("publish payload marshal failed", "topic", topic, "key", key, "err", err)
		p.metrics.RecordPublishErrors(topic, 1)
		return fmt.Errorf("marshal %s record key=%s: %w", topic, key, err)
	}

	headers := []backbone.Header{
		{Key: HeaderContentType, Value: "application/json"},
		{Key: HeaderSchemaVersion, Value: weather.SchemaVersion},
		{Key: HeaderBatchID, Value: batchID},
	}
	if generatedBy != "" {
		headers = append(headers, backbone.Header{Key: HeaderGeneratedBy, Value: generatedBy})
	}

	msg := backbone.Message{
		Topic:   topic,
		Key:     key,
		Value:   body,
		Headers: headers,
		Time:    p.now(),
	}
	if err := p.writer.Write(ctx, msg); err != nil {
		p.logger.Errorw("publish enqueue failed", "topic", topic, "key", key, "batch_id", batchID, "err", err)
		p.metrics.RecordPublishErrors(topic, 1)
		return err
	}
	return nil
}
