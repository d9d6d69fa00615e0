// Package main runs the audiobox broadcast server with WebSocket signaling and graceful shutdown.
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
	"go.uber.org/zap/zapcore"

	"github.com/audiobox-live/backend/config"
	"github.com/audiobox-live/backend/internal/auth"
	"github.com/audiobox-live/backend/internal/broker"
	"github.com/audiobox-live/backend/internal/history"
	"github.com/audiobox-live/backend/internal/middleware"
	"github.com/audiobox-live/backend/internal/realtime"
	"github.com/audiobox-live/backend/internal/relay"
	"github.com/audiobox-live/backend/internal/session"
	"github.com/audiobox-live/backend/internal/streams"
	"github.com/audiobox-live/backend/internal/worker"
	"github.com/audiobox-live/backend/pkg/database"
	"github.com/audiobox-live/backend/pkg/queue"
	"github.com/audiobox-live/backend/pkg/redis"
	"github.com/audiobox-live/backend/pkg/response"
	"github.com/audiobox-live/backend/pkg/storage"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.ArchivesBucket != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchivesBucket:       cfg.AWS.ArchivesBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	registry := realtime.NewRegistry()
	hub := realtime.NewHub(logger, registry, redisPubSub, redisPubSub)

	// Media relay (ffmpeg HLS sink per live stream)
	relayAdapter := relay.NewAdapter(relay.Config{
		FFmpegPath:     cfg.Relay.FFmpegPath,
		OutputDir:      cfg.Relay.HLSDir,
		ArchiveDir:     cfg.Relay.ArchiveDir,
		SegmentSeconds: cfg.Relay.SegmentSeconds,
		PlaylistSize:   cfg.Relay.PlaylistSize,
		BufferChunks:   cfg.Relay.BufferChunks,
	}, logger)

	// History: async recorder draining into Postgres, archive jobs to Redis
	histRepo := history.NewRepository(pool)
	var jobQueue *queue.Queue
	if s3Client != nil {
		jobQueue = queue.NewQueue(rdb.Client, logger)
	}
	recorder := history.NewRecorder(histRepo, jobQueue, cfg.Stream.HistoryQueueSize, logger)

	// Session table with disconnect grace and sink liveness checks
	table := session.NewTable(time.Duration(cfg.Stream.GracePeriodSec)*time.Second, relayAdapter, logger)
	events := broker.New(hub, hub, table, relayAdapter, recorder, logger)
	table.SetEndHandler(events.SessionEnded)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// HTTP read surfaces
	streamHandler := streams.NewHandler(table, logger)
	historyHandler := history.NewHandler(histRepo, logger)

	jwtValidate := func(token string) (userID string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID.String(), nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
		authGroup.GET("/me", middleware.JWT(jwtService), authHandler.Me)
	}

	// Public read API
	router.GET("/api/streams", streamHandler.List)
	router.GET("/api/streams/:id", streamHandler.Get)
	router.GET("/api/history", historyHandler.List)

	// HLS playlists and segments written by the relay sinks
	router.Static("/hls", cfg.Relay.HLSDir)

	// WebSocket (token in query; anonymous without one)
	router.GET("/ws", realtime.ServeWs(hub, events, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (archive upload to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		processor := worker.NewArchiveProcessor(histRepo, s3Client, jobQueue, logger)
		go processor.Run(workerCtx)
		logger.Info("archive worker started")
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

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// End every live session, wait for teardown side effects, drain history.
	table.Close(session.ReasonShutdown)
	events.Drain(shutdownCtx)
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("history drain incomplete", zap.Error(err))
	}
	relayAdapter.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
