package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gradeflow/internal/common/cache"
	"gradeflow/internal/common/db"
	commonmw "gradeflow/internal/common/http/middleware"
	"gradeflow/internal/common/mq"
	"gradeflow/internal/common/storage"
	"gradeflow/internal/grading/controller"
	"gradeflow/internal/grading/errorlog"
	"gradeflow/internal/grading/repository"
	"gradeflow/internal/grading/service"
	"gradeflow/internal/grading/vision"
	"gradeflow/internal/grading/workflow"
	"gradeflow/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grading_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	engine := vision.NewGeminiEngine(appCfg.Vision.APIKey, appCfg.Vision.Model)
	errorRepo := errorlog.NewMySQLRepository(mysqlDB)
	eventPublisher := repository.NewRunEventPublisher(mqClient, appCfg.Kafka.EventTopic)
	exportWriter := repository.NewExportWriter(objStorage, appCfg.Export.Bucket)

	orchestrator := workflow.New(appCfg.Workflow, workflow.Deps{
		Checkpoints: workflow.NewRedisCheckpointStore(redisCache, appCfg.State.CheckpointTTL),
		Lock:        workflow.NewCacheRunLock(redisCache, appCfg.State.RunLockTTL),
		Storage:     objStorage,
		Grader:      engine,
		Rubrics:     engine,
		Errors:      errorRepo,
		Events:      eventPublisher,
		Exports:     exportWriter,
	})

	gradingSvc, err := service.NewService(service.Config{
		Orchestrator:   orchestrator,
		Queue:          mqClient,
		RunTimeout:     appCfg.Worker.RunTimeout,
		WorkerPoolSize: appCfg.Worker.PoolSize,
		RetryTopic:     appCfg.Kafka.RetryTopic,
		PoolRetryMax:   appCfg.Kafka.PoolRetryMax,
		PoolRetryBase:  appCfg.Kafka.PoolRetryBase,
		PoolRetryMaxD:  appCfg.Kafka.PoolRetryMaxD,
		DeadLetter:     appCfg.Kafka.DeadLetter,
	})
	if err != nil {
		logger.Error(context.Background(), "init grading service failed", zap.Error(err))
		return
	}

	subscribeOpts := &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
		PrefetchCount:   appCfg.Kafka.PrefetchCount,
		Concurrency:     appCfg.Kafka.Concurrency,
		MaxRetries:      appCfg.Kafka.MaxRetries,
		RetryDelay:      appCfg.Kafka.RetryDelay,
		DeadLetterTopic: appCfg.Kafka.DeadLetter,
		MessageTTL:      appCfg.Kafka.MessageTTL,
	}
	if err := mqClient.SubscribeWithOptions(context.Background(), appCfg.Kafka.TaskTopic, gradingSvc.HandleMessage, subscribeOpts); err != nil {
		logger.Error(context.Background(), "subscribe task topic failed", zap.Error(err))
		return
	}
	if appCfg.Kafka.RetryTopic != appCfg.Kafka.TaskTopic {
		if err := mqClient.SubscribeWithOptions(context.Background(), appCfg.Kafka.RetryTopic, gradingSvc.HandleMessage, subscribeOpts); err != nil {
			logger.Error(context.Background(), "subscribe retry topic failed", zap.Error(err))
			return
		}
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	gradingController := controller.NewGradingController(orchestrator, mqClient, appCfg.Kafka.TaskTopic, errorRepo, redisCache)
	httpServer := buildHTTPServer(appCfg.Server, gradingController)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "grading http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildHTTPServer(cfg ServerConfig, h *controller.GradingController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	api := router.Group("/api/v1/grading")
	api.POST("/runs", h.Create)
	api.GET("/runs/:id", h.GetState)
	api.POST("/runs/:id/resume", h.Resume)
	api.GET("/runs/:id/errors", h.ListErrors)
	api.POST("/errors/:entryId/resolve", h.ResolveError)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
