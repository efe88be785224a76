package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/morphgate/internal/auth"
	"github.com/example/morphgate/internal/calibration"
	"github.com/example/morphgate/internal/classify"
	"github.com/example/morphgate/internal/config"
	"github.com/example/morphgate/internal/gateway"
	"github.com/example/morphgate/internal/handlers"
	"github.com/example/morphgate/internal/logging"
	"github.com/example/morphgate/internal/metrics"
	"github.com/example/morphgate/internal/repository"
	"github.com/example/morphgate/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewHistoryRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)
	cache := usecase.NewRedisCache(redisClient)

	scorer := buildScorer(cfg, logger)
	monitor := gateway.NewMonitor(scorer, time.Duration(cfg.Model.ProbeInterval)*time.Second, logger)

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	defer monitorCancel()
	go monitor.Run(monitorCtx)

	initialThreshold := (cfg.Classify.ScoreMin + cfg.Classify.ScoreMax) / 2
	thresholds := classify.NewStore(cfg.Classify.ScoreMin, cfg.Classify.ScoreMax, cfg.Classify.Unit, initialThreshold)
	metrics.ActiveThreshold.Set(thresholds.Active())

	engine := calibration.New(scorer, thresholds, cfg.Calibration.TargetFraction, cfg.Calibration.Concurrency, logger)
	uc := usecase.NewAnalysisUseCase(repo, cache, scorer, monitor, thresholds, engine, logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, uc, cfg.Calibration.HistogramBins, authMiddleware)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("morphgate API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("model_service", cfg.Model.BaseURL),
		zap.Bool("mock", cfg.Model.Mock))
	if err := serveHTTPServer(server, time.Duration(cfg.Server.ShutdownTimeout)*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildScorer(cfg *config.Config, logger *zap.Logger) gateway.Scorer {
	if cfg.Model.Mock {
		logger.Warn("running against the in-process mock scorer")
		return gateway.NewMockScorer(cfg.Model.MaxImageBytes, 50*time.Millisecond)
	}
	return gateway.NewClient(cfg.Model.BaseURL, time.Duration(cfg.Model.TimeoutSec)*time.Second, cfg.Model.MaxImageBytes, logger)
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
