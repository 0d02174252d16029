// Command listener consumes the published weather topics and logs every record it receives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/KonstantinosKos/weatherAppSock/internal/applog"
	"github.com/KonstantinosKos/weatherAppSock/internal/backbone"
	"github.com/KonstantinosKos/weatherAppSock/internal/envconfig"
	"github.com/KonstantinosKos/weatherAppSock/internal/metrics"
	"github.com/KonstantinosKos/weatherAppSock/internal/publisher"
	"github.com/KonstantinosKos/weatherAppSock/internal/weather"
)

// listener wires the backbone consumer to the record handler.
type listener struct {
	cfg      config
	logger   *zap.SugaredLogger
	registry *prometheus.Registry
	metrics  *metrics.Bridge
	consumer backbone.Consumer
}

func main() {
	logger, err := applog.New("weather-listener")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer applog.Sync(logger)

	if err := envconfig.LoadDotEnv(logger); err != nil {
		logger.Fatalw("dotenv load failed", "err", err)
	}

	cfg, err := loadConfig(envconfig.New(logger))
	if err != nil {
		logger.Fatalw("config load failed", "err", err)
	}
	logger.Infow("config loaded",
		"backbone", cfg.backbone,
		"topics", cfg.topics,
		"kafka_brokers", cfg.kafkaBrokers,
		"group_id", cfg.groupID,
		"queue", cfg.queue,
		"ops_addr", cfg.opsAddr,
	)

	reg := metrics.NewRegistry()
	m := metrics.NewBridge(reg)

	consumer, err := newConsumer(cfg, logger, m)
	if err != nil {
		logger.Fatalw("consumer init failed", "err", err)
	}

	l := &listener{cfg: cfg, logger: logger, registry: reg, metrics: m, consumer: consumer}
	defer l.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.run(ctx); err != nil {
		logger.Errorw("listener stopped with error", "err", err)
		return
	}
	logger.Infow("listener stopped cleanly")
}

// newConsumer builds the consumer selected by BACKBONE.
func newConsumer(cfg config, logger *zap.SugaredLogger, m *metrics.Bridge) (backbone.Consumer, error) {
	switch cfg.backbone {
	case backbone.KindRabbitMQ:
		return backbone.NewAMQPConsumer(backbone.AMQPConfig{
			URL:              cfg.rabbitURL,
			Exchange:         cfg.rabbitExchange,
			Queue:            cfg.queue,
			Topics:           cfg.topics,
			Prefetch:         cfg.prefetch,
			DialTimeout:      cfg.dialTimeout,
			ReconnectBackoff: cfg.reconnectBackoff,
		}, logger, m)
	default:
		return backbone.NewKafkaConsumer(backbone.KafkaConsumerConfig{
			Brokers:         cfg.kafkaBrokers,
			GroupID:         cfg.groupID,
			Topics:          cfg.topics,
			MinBytes:        cfg.fetchMinBytes,
			MaxBytes:        cfg.fetchMaxBytes,
			MaxWait:         cfg.fetchMaxWait,
			FetchErrBackoff: cfg.fetchErrBackoff,
			CommitTimeout:   cfg.commitTimeout,
		}, logger, m)
	}
}

// run serves /metrics and consumes until ctx is cancelled.
func (l *listener) run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(l.registry))
	srv := &http.Server{
		Addr:              l.cfg.opsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	l.logger.Infow("starting ops server", "addr", l.cfg.opsAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Errorw("ops server failed", "addr", l.cfg.opsAddr, "err", err)
		}
	}()

	consumeErr := l.consumer.Consume(ctx, l.handle)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.logger.Warnw("ops server graceful shutdown failed", "err", err)
	}
	return consumeErr
}

// handle logs one received record. Undecodable values are dropped so a poison
// message cannot stall the group.
func (l *listener) handle(_ context.Context, msg backbone.Message) error {
	l.metrics.RecordConsumed(msg.Topic)

	var rec weather.WeatherRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		l.logger.Warnw("dropping undecodable record",
			"topic", msg.Topic,
			"key", msg.Key,
			"bytes", len(msg.Value),
			"err", err,
		)
		return nil
	}

	l.logger.Infow("weather record received",
		"topic", msg.Topic,
		"key", msg.Key,
		"city", rec.City,
		"timestamp", rec.Timestamp,
		"predicted", rec.Predicted,
		"condition", rec.Condition,
		"temperature_c", rec.Temperature.Celsius,
		"batch_id", msg.Header(publisher.HeaderBatchID),
		"received_at", time.Now().UTC().Format(time.RFC3339Nano),
	)
	return nil
}

func (l *listener) close() {
	if err := l.consumer.Close(); err != nil {
		l.logger.Warnw("consumer close failed", "err", err)
	}
}
