// Package main runs the meetings HTTP API with live progress streaming and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/meetings/config"
	"github.com/aura-webinar/meetings/internal/auth"
	"github.com/aura-webinar/meetings/internal/calendar"
	"github.com/aura-webinar/meetings/internal/meetings"
	"github.com/aura-webinar/meetings/internal/metrics"
	"github.com/aura-webinar/meetings/internal/middleware"
	"github.com/aura-webinar/meetings/internal/realtime"
	"github.com/aura-webinar/meetings/pkg/database"
	"github.com/aura-webinar/meetings/pkg/queue"
	"github.com/aura-webinar/meetings/pkg/redis"
	"github.com/aura-webinar/meetings/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

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
	reg.MustRegister(metrics.NewPoolStatsCollector(pool, "server"))
	m := metrics.New(reg)

	repo := meetings.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	broker := realtime.NewProgressBroker(rdb.Client, logger)

	handler := meetings.NewHandler(repo, jobQueue, s3Client, logger)
	handler.SetLocker(rdb.Locker())
	handler.SetPublisher(broker)
	handler.SetMetrics(m)
	handler.SetMaxUploadMB(cfg.Server.MaxUploadMB)

	if cfg.Calendar.Enabled() {
		cal, err := calendar.NewClient(ctx, calendar.Config{
			BaseURL:      cfg.Calendar.BaseURL,
			CalendarID:   cfg.Calendar.CalendarID,
			ClientID:     cfg.Calendar.ClientID,
			ClientSecret: cfg.Calendar.ClientSecret,
			RefreshToken: cfg.Calendar.RefreshToken,
			TokenURL:     cfg.Calendar.TokenURL,
			TimeZone:     cfg.Calendar.TimeZone,
		}, logger)
		if err != nil {
			logger.Fatal("calendar", zap.Error(err))
		}
		handler.SetCalendar(cal)
	} else {
		logger.Warn("calendar credentials not set, action promotion disabled")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.Fail(c, http.StatusServiceUnavailable, response.CodeUnavailable, "redis unavailable")
			return
		}
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.Fail(c, http.StatusServiceUnavailable, response.CodeUnavailable, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := router.Group("")
	if cfg.JWT.Secret != "" {
		api.Use(middleware.JWT(auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer)))
	} else {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}
	meetings.RegisterRoutes(api, handler, realtime.ServeProgress(repo, broker, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
