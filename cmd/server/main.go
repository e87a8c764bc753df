package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"audio-converter/internal/app"
	"audio-converter/internal/config"
	apphttp "audio-converter/internal/http"
	"audio-converter/internal/pipeline"
	"audio-converter/internal/queue"
	"audio-converter/internal/retrieval"
	"audio-converter/internal/service"
	"audio-converter/internal/tasklock"
	"audio-converter/internal/toolrun"
	"audio-converter/internal/transcode"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	logger, closeLog, err := app.NewLogger(cfg)
	if err != nil {
		logrus.Fatalf("setup logging: %v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("open task store: %v", err)
	}
	defer closeStore()

	storageSvc, err := app.BuildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	locks, err := tasklock.New(cfg.Paths.LockDir)
	if err != nil {
		logger.Fatalf("setup task locks: %v", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Tools.AttemptsPerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Tools.AttemptsPerMin/60), 1)
	}
	strategies := retrieval.DefaultStrategies()
	for i := range strategies {
		strategies[i].Timeout = cfg.Tools.DownloadTimeout
	}

	runner := toolrun.ExecRunner{}
	retriever := retrieval.New(retrieval.Config{
		Binary:      cfg.Tools.Downloader,
		WorkDir:     cfg.Paths.WorkDir,
		Strategies:  strategies,
		Limiter:     limiter,
		SampleEvery: cfg.Tools.ProgressSampling,
		Logger:      logger,
	}, store, runner)
	transcoder := transcode.New(transcode.Config{
		Binary:       cfg.Tools.Encoder,
		PublishedDir: cfg.Paths.PublishedDir,
		Timeout:      cfg.Tools.EncodeTimeout,
		SampleEvery:  cfg.Tools.ProgressSampling,
		Logger:       logger,
	}, store, runner, transcode.FFProbe{Timeout: cfg.Tools.ProbeTimeout})
	publisher := app.NewPublisher(cfg, store, storageSvc, logger)

	broker := queue.NewBroker(queue.Config{
		BufferSize:      cfg.Queue.BufferSize,
		MaxDeliveries:   cfg.Queue.MaxDeliveries,
		RedeliveryDelay: 2 * time.Second,
		Logger:          logger,
	})
	manager := pipeline.NewManager(pipeline.Config{
		RetrievalWorkers: cfg.Queue.RetrievalWorkers,
		TranscodeWorkers: cfg.Queue.TranscodeWorkers,
		PublishWorkers:   cfg.Queue.PublishWorkers,
		CleanupWorkers:   cfg.Queue.CleanupWorkers,
		MaxDeliveries:    cfg.Queue.MaxDeliveries,
		Logger:           logger,
	}, store, broker, retriever, transcoder, publisher, locks)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start pipeline: %v", err)
	}
	if err := manager.Resume(ctx); err != nil {
		logger.Warnf("resume tasks: %v", err)
	}

	sweeper := app.NewSweeper(cfg, store, locks, publisher, logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		_ = sweeper.RunDaemon(ctx, cfg.Sweep.Interval)
	}()

	taskService := service.NewTaskService(store, manager, publisher, service.PermissiveValidator{}, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(taskService, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("pipeline shutdown: %v", err)
	}
	<-sweepDone

	logger.Info("bye")
}
