// Package main runs the background worker: expiration sweep, event exports and their metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/config"
	"github.com/aura-lms/seats/internal/app"
	"github.com/aura-lms/seats/internal/events"
	"github.com/aura-lms/seats/internal/sweep"
	"github.com/aura-lms/seats/internal/worker"
	"github.com/aura-lms/seats/pkg/queue"
	"github.com/aura-lms/seats/pkg/response"
	"github.com/aura-lms/seats/pkg/storage"
)

func main() {
	logger := app.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger, app.Options{Redis: true})
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var scheduler *sweep.Scheduler
	if cfg.Sweep.Enabled {
		scheduler = sweep.NewScheduler(a.Sweeper, cfg.Sweep.Schedule, a.SweepGuard(), a.Metrics, logger)
		if err := scheduler.Start(); err != nil {
			logger.Fatal("sweep schedule", zap.Error(err))
		}
	}

	if cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		exporter := events.NewExporter(a.Events, s3Client, storage.ExportKey, logger)
		processor := worker.NewExportProcessor(exporter, queue.NewQueue(a.Redis.Client, logger), logger)
		go processor.Run(workerCtx)
	} else {
		logger.Warn("AWS_REGION not set, event exports disabled")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		state := "disabled"
		if scheduler != nil {
			state = a.Sweeper.State().String()
		}
		response.OK(c, gin.H{"status": "ok", "sweep": state})
	})
	router.GET("/metrics", a.Metrics.Handler())
	srv := &http.Server{Addr: ":" + cfg.Server.WorkerPort, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("worker started", zap.String("port", cfg.Server.WorkerPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("sweep still running at shutdown")
		}
	}
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
