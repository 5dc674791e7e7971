// Command smtpd runs the inbound SMTP daemon: one or more SMTP listeners
// backed by a Postgres+S3 sink, plus an admin API exposing health,
// metrics and operator login on a separate HTTP listener.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/webrana/inbound-smtpd/internal/adminapi"
	"github.com/webrana/inbound-smtpd/internal/auth"
	"github.com/webrana/inbound-smtpd/internal/config"
	"github.com/webrana/inbound-smtpd/internal/health"
	"github.com/webrana/inbound-smtpd/internal/logger"
	"github.com/webrana/inbound-smtpd/internal/ratelimit"
	"github.com/webrana/inbound-smtpd/internal/sink"
	"github.com/webrana/inbound-smtpd/internal/smtp"
)

func main() {
	cfg := config.Load()

	appLogger := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(appLogger)

	appLogger.Info("starting inbound-smtpd",
		slog.String("hostname", cfg.SMTP.Hostname),
		slog.Any("listen_addrs", cfg.SMTP.ListenAddrs),
	)

	if cfg.JWT.Secret == "" {
		appLogger.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}

	dbPool, err := setupDatabase(cfg)
	if err != nil {
		appLogger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dbPool.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = setupRedis(cfg, appLogger)
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	blobStore, err := sink.NewBlobStore(cfg.Storage)
	if err != nil {
		appLogger.Error("failed to initialize blob store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	pgSink := sink.NewPostgresSink(dbPool, blobStore)
	messageSink := sink.NewComposeSink(pgSink)

	var rateLimiter smtp.RateLimiter
	if redisClient != nil {
		rateLimiter = ratelimit.NewRedisRateLimiter(redisClient, cfg.SMTP.RateLimitWindow, cfg.SMTP.RateLimitCount, nil)
	} else {
		rateLimiter = smtp.NewInMemoryRateLimiter(cfg.SMTP.RateLimitWindow, cfg.SMTP.RateLimitCount, nil)
	}

	userStore := auth.NewInMemoryUserStore()

	tlsMode := smtp.TLSStartTLSOffered
	if cfg.SMTP.TLSRequired {
		tlsMode = smtp.TLSStartTLSRequired
	} else if !cfg.SMTP.TLSEnabled {
		tlsMode = smtp.TLSDisabled
	}

	var tlsProvider smtp.TlsProvider
	if cfg.SMTP.TLSEnabled {
		provider, err := smtp.StaticFileProvider(cfg.SMTP.TLSCertFile, cfg.SMTP.TLSKeyFile, appLogger)
		if err != nil {
			appLogger.Error("failed to load TLS certificate", slog.String("error", err.Error()))
			os.Exit(1)
		}
		tlsProvider = provider
	}

	smtpServer := smtp.NewServer(smtp.SessionDeps{
		Config: smtp.ServerConfig{
			Hostname:             cfg.SMTP.Hostname,
			ListenAddrs:          cfg.SMTP.ListenAddrs,
			MaxConns:             cfg.SMTP.MaxConnections,
			MaxRecipients:        cfg.SMTP.MaxRecipients,
			MaxMessageSize:       cfg.SMTP.MaxMessageSize,
			MaxLineLength:        cfg.SMTP.MaxLineLength,
			IdleTimeout:          cfg.SMTP.IdleTimeout,
			DataTimeout:          cfg.SMTP.DataTimeout,
			RateLimitWindow:      cfg.SMTP.RateLimitWindow,
			RateLimitCount:       cfg.SMTP.RateLimitCount,
			TLSMode:              tlsMode,
			AuthRequired:         cfg.SMTP.AuthRequired,
			AllowPlainWithoutTLS: cfg.SMTP.AllowPlainWithoutTLS,
			GracePeriod:          cfg.SMTP.GracePeriod,
		},
		RateLimiter: rateLimiter,
		Users:       userStore,
		TLS:         tlsProvider,
		Sink:        messageSink,
		Logger:      appLogger,
	})

	if err := smtpServer.Start(); err != nil {
		appLogger.Error("failed to start SMTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	appLogger.Info("SMTP server started", slog.Any("listen_addrs", cfg.SMTP.ListenAddrs))

	tokenService := auth.NewTokenService(auth.TokenServiceConfig{
		Secret: cfg.JWT.Secret,
		Expiry: cfg.JWT.TokenExpiry,
		Issuer: cfg.JWT.Issuer,
	})
	operatorStore := adminapi.NewOperatorStore(dbPool)
	authMiddleware := adminapi.NewAuthMiddleware(tokenService)

	healthHandler := health.NewHandler(health.Config{
		DBPool:      dbPool,
		RedisClient: redisClient,
		Version:     "1.0.0",
		Timeout:     5 * time.Second,
	})
	smtpHealthHandler := health.NewSMTPHandler(health.SMTPHandlerConfig{
		SMTPServer: smtpServer,
		Hostname:   cfg.SMTP.Hostname,
		Timeout:    5 * time.Second,
	})

	apiHandler := adminapi.NewHandler(adminapi.HandlerConfig{
		Operators:   operatorStore,
		Tokens:      tokenService,
		TokenTTLSec: int64(cfg.JWT.TokenExpiry.Seconds()),
		SMTP:        smtpServer,
		Messages:    pgSink,
	})

	router := adminapi.NewRouter(adminapi.RouterConfig{
		Handler:    apiHandler,
		Auth:       authMiddleware,
		Health:     healthHandler,
		SMTPHealth: smtpHealthHandler,
		Logger:     appLogger,
	})

	adminAddr := cfg.Admin.Host + ":" + cfg.Admin.Port
	adminSrv := &http.Server{
		Addr:         adminAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("admin API listening", slog.String("address", adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("admin API server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down")
	healthHandler.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := smtpServer.Stop(ctx); err != nil {
		appLogger.Error("error stopping SMTP server", slog.String("error", err.Error()))
	}
	if err := adminSrv.Shutdown(ctx); err != nil {
		appLogger.Error("admin API forced to shut down", slog.String("error", err.Error()))
		os.Exit(1)
	}

	appLogger.Info("shutdown complete")
}

func setupDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func setupRedis(cfg *config.Config, log *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Warn("failed to connect to Redis, falling back to in-process rate limiting", slog.String("error", err.Error()))
		client.Close()
		return nil
	}
	return client
}

var _ = tls.VersionTLS12
