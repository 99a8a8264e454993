// nasferry moves files appearing on a NAS mount into S3-compatible object
// storage, with Kafka as the coordination and durability layer between
// discovery and upload.
//
// Pipeline: watcher -> publisher -> broker topic -> consumer pool ->
// uploader -> object store, with the checkpoint store consulted at both scan
// time and post-upload commit time.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/nasferry/nasferry/internal/broker"
	"github.com/nasferry/nasferry/internal/checkpoint"
	"github.com/nasferry/nasferry/internal/config"
	"github.com/nasferry/nasferry/internal/health"
	"github.com/nasferry/nasferry/internal/logging"
	"github.com/nasferry/nasferry/internal/metrics"
	"github.com/nasferry/nasferry/internal/retry"
	"github.com/nasferry/nasferry/internal/transfer"
	"github.com/nasferry/nasferry/internal/uploader"
	"github.com/nasferry/nasferry/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("nasferry starting",
		zap.String("mount_root", cfg.MountRoot),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaTopic),
		zap.String("bucket", cfg.S3Bucket),
		zap.Int("workers", cfg.Workers))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retryCfg := retry.Config{
		MaxAttempts: cfg.MaxAttempts,
		InitialWait: cfg.InitialWait,
		MaxWait:     cfg.MaxWait,
		Multiplier:  2.0,
		Jitter:      0.2,
	}

	store, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		logging.Fatal("checkpoint store open failed", zap.Error(err))
	}
	defer store.Close()

	up, err := uploader.New(ctx, uploader.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
	}, cfg.PartSize, retryCfg)
	if err != nil {
		logging.Fatal("uploader init failed", zap.Error(err))
	}

	publisher := broker.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, retryCfg)
	defer publisher.Close()

	monitor := health.NewMonitor(health.DefaultThresholds(cfg.ScanInterval))

	pipeline := transfer.New(transfer.Config{
		MountRoot:    cfg.MountRoot,
		ObjectPrefix: cfg.S3Prefix,
	}, store, up)

	consumer := broker.NewConsumer(broker.ConsumerConfig{
		Brokers:         cfg.KafkaBrokers,
		Topic:           cfg.KafkaTopic,
		DeadletterTopic: cfg.KafkaDeadletter,
		GroupID:         cfg.KafkaGroupID,
		Workers:         cfg.Workers,
		MaxAttempts:     cfg.MaxAttempts,
	}, pipeline.Handle, monitor)

	scanner := watcher.New(watcher.Config{
		Root:               cfg.MountRoot,
		ScanInterval:       cfg.ScanInterval,
		QuiesceInterval:    cfg.QuiesceInterval,
		FullRescanInterval: cfg.FullRescanInterval,
	}, store, publisher, monitor)

	healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: health.Handler(monitor)}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		consumer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		up.RunSweeper(ctx, cfg.SweepInterval, cfg.SweepOlderThan)
	}()

	go func() {
		logging.Info("health server listening", zap.String("addr", cfg.HealthAddr))
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("health server failed", zap.Error(err))
		}
	}()

	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("shutdown signal received, draining",
		zap.Duration("grace_period", cfg.GracePeriod))

	// In-flight uploads finish or abort within the grace period. Nothing
	// is acknowledged to the broker unless its checkpoint write already
	// succeeded, so an interrupted shutdown never records a false "done".
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("pipeline drained")
	case <-shutdownCtx.Done():
		logging.Warn("grace period expired, exiting with workers still running")
	}

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("health server shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("metrics server shutdown", zap.Error(err))
	}

	logging.Info("nasferry stopped")
}
