// Package main runs the background job worker (transcription, insight generation, stale stage sweep).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/meetings/config"
	"github.com/aura-webinar/meetings/internal/insights"
	"github.com/aura-webinar/meetings/internal/meetings"
	"github.com/aura-webinar/meetings/internal/metrics"
	"github.com/aura-webinar/meetings/internal/realtime"
	"github.com/aura-webinar/meetings/internal/transcription"
	"github.com/aura-webinar/meetings/internal/worker"
	"github.com/aura-webinar/meetings/pkg/database"
	"github.com/aura-webinar/meetings/pkg/queue"
	"github.com/aura-webinar/meetings/pkg/redis"
	"github.com/aura-webinar/meetings/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		Endpoint:             cfg.AWS.Endpoint,
		RecordingsBucket:     cfg.AWS.RecordingsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(metrics.NewPoolStatsCollector(pool, "worker"))
	m := metrics.New(reg)

	repo := meetings.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	broker := realtime.NewProgressBroker(rdb.Client, logger)

	transcriber := transcription.NewClient(transcription.Config{
		BaseURL: cfg.Transcription.BaseURL,
		APIKey:  cfg.Transcription.APIKey,
		Model:   cfg.Transcription.Model,
		Timeout: cfg.Transcription.Timeout,
	}, logger)
	generator := insights.NewGenerator(insights.Config{
		APIKey:    cfg.Insights.APIKey,
		Model:     cfg.Insights.Model,
		MaxTokens: cfg.Insights.MaxTokens,
		Timeout:   cfg.Insights.Timeout,
	}, logger)
	if cfg.Transcription.APIKey == "" {
		logger.Warn("TRANSCRIPTION_API_KEY not set, transcription jobs will fail")
	}
	if cfg.Insights.APIKey == "" {
		logger.Warn("ANTHROPIC_API_KEY not set, insight jobs will fail")
	}

	processor := worker.NewMeetingProcessor(repo, jobQueue, s3Client, transcriber, generator, logger)
	processor.SetInsightsRate(cfg.Insights.RequestsPerMinute)
	processor.SetPublisher(broker)
	processor.SetMetrics(m)

	sweeper := worker.NewSweeper(repo, cfg.Worker.SweepSchedule, cfg.Worker.StaleAfter, logger)
	sweeper.SetPublisher(broker)
	sweeper.SetMetrics(m)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: ":" + cfg.Worker.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	concurrency := max(cfg.Worker.Concurrency, 1)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Run(workerCtx)
		}()
	}
	logger.Info("worker started", zap.Int("concurrency", concurrency), zap.String("metrics_port", cfg.Worker.MetricsPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	sweeper.Stop()
	wg.Wait()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
