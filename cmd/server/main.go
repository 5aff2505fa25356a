// Package main runs the live classroom signaling server with WebSocket and
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classpulse/live-backend/config"
	"github.com/classpulse/live-backend/internal/auth"
	"github.com/classpulse/live-backend/internal/media"
	"github.com/classpulse/live-backend/internal/middleware"
	"github.com/classpulse/live-backend/internal/realtime"
	"github.com/classpulse/live-backend/internal/repository"
	"github.com/classpulse/live-backend/pkg/database"
	"github.com/classpulse/live-backend/pkg/queue"
	"github.com/classpulse/live-backend/pkg/redis"
	"github.com/classpulse/live-backend/pkg/response"
	"github.com/classpulse/live-backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			AvatarsBucket:        cfg.AWS.AvatarsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	userRepo := repository.NewUsers(pool)
	sessionRepo := repository.NewSessions(pool)
	participantRepo := repository.NewParticipants(pool)
	messageRepo := repository.NewMessages(pool)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u != "" {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
		}
	}

	registry := realtime.NewRegistry(logger)
	rooms := realtime.NewRooms()
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	fanout := realtime.NewFanout(registry, redisPubSub, redisPubSub, logger)
	directory := realtime.NewDirectory(participantRepo, registry, fanout, rooms, logger)
	gate := realtime.NewGate(userRepo, sessionRepo, rooms,
		time.Duration(cfg.Session.EarlyJoinMinutes)*time.Minute,
		time.Duration(cfg.Session.LateBufferMinutes)*time.Minute)
	mediaClient := media.NewClient(cfg.Media.WsURL, cfg.Media.BandwidthKbps, logger)
	coordinator := realtime.NewCoordinator(mediaClient, directory, fanout, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	server := realtime.NewServer(
		registry, rooms, directory, gate, coordinator, fanout,
		jwtService, userRepo, sessionRepo, messageRepo,
		s3Client, jobQueue,
		realtime.ServerConfig{
			IceServers:   iceServers,
			FinishBuffer: time.Duration(cfg.Session.LateBufferMinutes) * time.Minute,
		},
		logger,
	)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// WebSocket (access token travels with session:join, not the upgrade)
	router.GET("/ws", realtime.ServeWs(server, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go server.RunSweeper(sweepCtx, time.Duration(cfg.Session.SweepIntervalSec)*time.Second)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sweepCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	server.Shutdown(shutdownCtx)
	mediaClient.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
