package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liliang-cn/chatrelay/internal/api"
	"github.com/liliang-cn/chatrelay/internal/api/middleware"
	"github.com/liliang-cn/chatrelay/internal/config"
	"github.com/liliang-cn/chatrelay/internal/provider"
	"github.com/liliang-cn/chatrelay/internal/relay"
	"github.com/liliang-cn/chatrelay/internal/repository"
	"github.com/liliang-cn/chatrelay/internal/service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	signalSweepInterval  = 30 * time.Second
	limiterSweepInterval = 10 * time.Minute
	redisPingTimeout     = 2 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	records := repository.NewChatRecordRepository(db)

	// Relay core
	signals := relay.NewSignalStore(cfg.Relay.StopSignalTTL)
	registry := relay.NewRegistry(logger)
	engine := relay.NewEngine(registry, signals, records, logger, relay.Options{
		BufferSize:       cfg.Relay.BufferSize,
		MaxLineBytes:     cfg.Relay.MaxLineBytes,
		PersistTimeout:   cfg.Relay.PersistTimeout,
		StopPollInterval: cfg.Relay.StopPollInterval,
	})

	// Cross-instance stop signals
	var broadcaster *relay.StopBroadcaster
	if cfg.RedisEnabled() {
		client, err := connectRedis(cfg.Redis)
		if err != nil {
			logger.Warn("Redis unavailable, stop signals stay local", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			defer client.Close()
			broadcaster = relay.NewStopBroadcaster(client, cfg.Redis.StopChannel, signals, logger)
		}
	}
	var publisher service.StopPublisher
	if broadcaster != nil {
		publisher = broadcaster
	}

	// Upstream providers
	upstreamClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.Prompt.ConnectTimeout,
		},
	}
	workflow := provider.NewWorkflow(provider.WorkflowConfig{
		BaseURL:   cfg.Workflow.BaseURL,
		APIKey:    cfg.Workflow.APIKey,
		APISecret: cfg.Workflow.APISecret,
		Client:    upstreamClient,
	})
	providers := provider.NewSet(
		provider.NewSpark(provider.SparkConfig{
			BaseURL:     cfg.Spark.BaseURL,
			APIPassword: cfg.Spark.APIPassword,
			Client:      upstreamClient,
		}),
		provider.NewPrompt(upstreamClient, cfg.Prompt.AllowedHosts),
		workflow,
	)

	// Initialize services
	chatService := service.NewChatService(engine, providers, workflow, records, publisher, logger)
	adminService := service.NewAdminService(engine, records, logger)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst)
	}

	// Setup router
	router := api.SetupRouter(chatService, adminService, api.RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
		SinkTimeout:  cfg.Relay.SinkTimeout,
		RateLimiter:  limiter,
	}, logger)

	// Streams outlive any write timeout, so only reads are bounded
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting chat relay",
			zap.String("address", cfg.Address()),
			zap.String("base_url", cfg.Server.BaseURL),
			zap.Strings("providers", providers.Names()),
			zap.Bool("redis", broadcaster != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		signals.Run(gctx, signalSweepInterval)
		return nil
	})

	if broadcaster != nil {
		g.Go(func() error {
			if err := broadcaster.Run(gctx); err != nil {
				logger.Error("Stop subscriber exited, stop signals stay local", zap.Error(err))
			}
			return nil
		})
	}

	if limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(limiterSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					limiter.Cleanup(time.Hour)
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		return shutdown(srv, engine, cfg.Relay.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server exited")
}

// shutdown stops accepting connections and lets running relays finalize.
// Handlers stay open until their relay completes the sink, so both run
// together under one deadline.
func shutdown(srv *http.Server, engine *relay.Engine, timeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Shutdown(ctx) }()

	if err := engine.Shutdown(ctx); err != nil {
		logger.Warn("Relays aborted at shutdown deadline", zap.Error(err))
	}
	if err := <-srvErr; err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
		return srv.Close()
	}
	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func connectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
