// Command bridge keeps a websocket session to the weather feed open and
// republishes every batch to the configured backbone.
package main

import (
	"context"
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
	"github.com/KonstantinosKos/weatherAppSock/internal/status"
	"github.com/KonstantinosKos/weatherAppSock/internal/stream"
)

// sessionSource is the bridge surface the ops endpoints read.
type sessionSource interface {
	State() stream.State
	Session() stream.Session
}

// app bundles service dependencies and configuration.
type app struct {
	cfg      config
	logger   *zap.SugaredLogger
	registry *prometheus.Registry
	writer   backbone.Writer
	store    status.Store
	bridge   *stream.Bridge
	source   sessionSource
}

// main boots the bridge and manages graceful shutdown.
func main() {
	logger, err := applog.New("weather-bridge")
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

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(shutdownCtx, cfg, logger)
	if err != nil {
		logger.Fatalw("app init failed", "err", err)
	}
	defer a.close()

	if err := a.run(shutdownCtx); err != nil {
		logger.Errorw("bridge stopped with error", "err", err)
	}
}

// newApp initializes all dependency clients.
func newApp(ctx context.Context, cfg config, logger *zap.SugaredLogger) (*app, error) {
	logger.Infow("config loaded",
		"upstream", cfg.upstreamURL,
		"backbone", cfg.backbone,
		"kafka_brokers", cfg.kafkaBrokers,
		"topics", []string{cfg.topicCurrent, cfg.topicPredictions, cfg.topicMetadata},
		"reconnect_policy", cfg.reconnectPolicy,
		"reconnect_delay", cfg.reconnectDelay,
		"redis_addr", cfg.redisAddr,
		"ops_addr", cfg.opsAddr,
		"instance", cfg.instanceID,
	)

	reg := metrics.NewRegistry()
	m := metrics.NewBridge(reg)

	writer, err := newWriter(cfg, logger, m)
	if err != nil {
		return nil, err
	}

	var store status.Store = status.Nop{}
	if cfg.redisAddr != "" {
		redisStore, err := status.NewRedisStore(ctx, status.RedisConfig{
			Addr:     cfg.redisAddr,
			Username: cfg.redisUsername,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
			TTL:      cfg.statusTTL,
		}, logger)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		store = redisStore
	} else {
		logger.Infow("REDIS_ADDR not set; bridge status snapshots disabled")
	}

	pub, err := publisher.New(writer, publisher.Config{
		CurrentTopic:       cfg.topicCurrent,
		PredictionsTopic:   cfg.topicPredictions,
		MetadataTopic:      cfg.topicMetadata,
		PublishPredictions: cfg.publishPredictions,
	}, logger, m)
	if err != nil {
		_ = writer.Close()
		_ = store.Close()
		return nil, err
	}

	backoff, err := stream.NewBackoff(cfg.reconnectPolicy, cfg.reconnectDelay, cfg.reconnectMaxDelay, cfg.reconnectJitter)
	if err != nil {
		_ = writer.Close()
		_ = store.Close()
		return nil, err
	}

	bridge, err := stream.New(stream.Config{
		Upstream:      cfg.upstreamURL,
		Instance:      cfg.instanceID,
		Backoff:       backoff,
		StatusTimeout: cfg.statusTimeout,
	}, &stream.WebSocketDialer{
		URL:              cfg.upstreamURL,
		HandshakeTimeout: cfg.handshakeTimeout,
	}, pub, store, logger, m)
	if err != nil {
		_ = writer.Close()
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		writer:   writer,
		store:    store,
		bridge:   bridge,
		source:   bridge,
	}, nil
}

// newWriter builds the backbone writer selected by BACKBONE.
func newWriter(cfg config, logger *zap.SugaredLogger, m *metrics.Bridge) (backbone.Writer, error) {
	switch cfg.backbone {
	case backbone.KindRabbitMQ:
		return backbone.NewAMQPWriter(backbone.AMQPConfig{
			URL:              cfg.rabbitURL,
			Exchange:         cfg.rabbitExchange,
			DialTimeout:      cfg.rabbitDialTimeout,
			ReconnectBackoff: cfg.rabbitReopenDelay,
		}, logger)
	default:
		return backbone.NewKafkaWriter(backbone.KafkaWriterConfig{
			Brokers:      cfg.kafkaBrokers,
			WriteTimeout: cfg.kafkaWriteTimeout,
			BatchTimeout: cfg.kafkaBatchTimeout,
			RequiredAcks: cfg.kafkaRequiredAcks,
		}, logger, func(topic string, count int, _ error) {
			m.RecordPublishErrors(topic, count)
		})
	}
}

// run serves the ops endpoints and drives the bridge until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.opsAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	a.logger.Infow("starting ops server", "addr", a.cfg.opsAddr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Errorw("ops server failed", "addr", a.cfg.opsAddr, "err", err)
			serveErr <- err
		}
		close(serveErr)
	}()

	runErr := a.bridge.Run(ctx)
	a.logger.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnw("ops server graceful shutdown failed", "err", err)
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return runErr
}

// close flushes the writer and closes network clients during shutdown.
func (a *app) close() {
	a.logger.Infow("closing dependencies")
	if err := a.writer.Close(); err != nil {
		a.logger.Warnw("backbone writer close failed", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warnw("status store close failed", "err", err)
	}
}
