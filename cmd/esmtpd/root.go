// Package main contains the CLI wiring for esmtpd.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/home-lang/esmtpd/internal/config"
	"github.com/home-lang/esmtpd/internal/httpapi"
	"github.com/home-lang/esmtpd/internal/logger"
	"github.com/home-lang/esmtpd/internal/smtp"
	"github.com/home-lang/esmtpd/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "esmtpd",
	Short: "esmtpd is an ESMTP receiving server",
	Long:  "esmtpd accepts inbound mail over ESMTP (RFC 5321/3030/4954) and persists it to Postgres and optionally S3.",
	RunE:  run,
}

// RegisterFlags adds the CLI flags understood by config.Load to the root
// command's persistent flag set. Grounded on the teacher's cmd/root.go.
func RegisterFlags() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// Execute sets the version and runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.PersistentFlags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(appLogger)

	appLogger.Info("starting esmtpd",
		slog.Int("smtp_port", cfg.SMTP.Port),
		slog.String("hostname", cfg.SMTP.Hostname),
	)

	dbPool, err := setupDatabase(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbPool.Close()

	sqlxDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect sqlx database: %w", err)
	}
	defer sqlxDB.Close()

	deps, err := setupDeps(cfg, dbPool, sqlxDB, appLogger)
	if err != nil {
		return fmt.Errorf("wire collaborators: %w", err)
	}

	smtpCfg := smtpConfigFrom(cfg)
	smtpServer := smtp.NewServer(smtpCfg, deps, appLogger)

	router, health := httpapi.NewRouter(httpapi.RouterConfig{DBPool: dbPool, Logger: appLogger, Version: "dev"})
	httpAddr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	httpServer := &http.Server{Addr: httpAddr, Handler: router}
	go func() {
		appLogger.Info("starting http api", slog.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("http api stopped", slog.String("error", err.Error()))
		}
	}()

	if err := smtpServer.Start(); err != nil {
		return fmt.Errorf("start smtp server: %w", err)
	}
	appLogger.Info("esmtpd started", slog.Int("port", cfg.SMTP.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down")
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http api shutdown error", slog.String("error", err.Error()))
	}
	if err := smtpServer.Stop(); err != nil {
		return fmt.Errorf("stop smtp server: %w", err)
	}

	appLogger.Info("esmtpd stopped gracefully")
	return nil
}

func setupDatabase(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 5 * time.Minute
	poolConfig.MaxConnIdleTime = time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("connected to database", slog.String("database", cfg.Database.DBName))
	return pool, nil
}

// setupDeps wires the smtp.Deps collaborators: Postgres-backed auth and
// message persistence, with an optional S3/MinIO offload for large bodies.
func setupDeps(cfg *config.Config, dbPool *pgxpool.Pool, sqlxDB *sqlx.DB, log *slog.Logger) (smtp.Deps, error) {
	var deps smtp.Deps

	if cfg.SMTP.EnableAuth {
		deps.Auth = store.NewPgxAuthBackend(dbPool, cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	}

	sink := store.NewPgxMessageSink(dbPool, sqlxDB, cfg.SMTP.RestrictToAcceptedDomains, log)
	if cfg.Storage.Enabled {
		s3Sink, err := store.NewS3MessageSink(sink, dbPool, store.S3Config{
			Endpoint:           cfg.Storage.Endpoint,
			Region:             cfg.Storage.Region,
			Bucket:             cfg.Storage.Bucket,
			AccessKeyID:        cfg.Storage.AccessKeyID,
			SecretAccessKey:    cfg.Storage.SecretAccessKey,
			UseSSL:             cfg.Storage.UseSSL,
			LargeBodyThreshold: cfg.Storage.LargeBodyThreshold,
		})
		if err != nil {
			log.Warn("s3 storage disabled, falling back to database-only sink", slog.String("error", err.Error()))
		} else {
			deps.Sink = s3Sink
			log.Info("message storage offload enabled", slog.String("bucket", cfg.Storage.Bucket))
		}
	}
	if deps.Sink == nil {
		deps.Sink = sink
	}

	return deps, nil
}

func smtpConfigFrom(cfg *config.Config) smtp.Config {
	s := cfg.SMTP
	smtpCfg := smtp.Config{
		Host:                       s.Host,
		Port:                       s.Port,
		Hostname:                   s.Hostname,
		MaxConnections:             s.MaxConnections,
		MaxConnectionsPerIP:        s.MaxConnectionsPerIP,
		MaxMessageSize:             s.MaxMessageSize,
		MaxRecipients:              s.MaxRecipients,
		MaxChunkSize:               s.MaxChunkSize,
		GreetingTimeout:            s.GreetingTimeout,
		CommandTimeout:             s.CommandTimeout,
		DataTimeout:                s.DataTimeout,
		RateLimitPerIP:             s.RateLimitPerIP,
		RateLimitPerUser:           s.RateLimitPerUser,
		RateLimitWindow:            s.RateLimitWindow,
		RateLimitCleanupEvery:      s.RateLimitCleanupEvery,
		EnableTLS:                  s.EnableTLS,
		TLSCertPath:                s.TLSCertPath,
		TLSKeyPath:                 s.TLSKeyPath,
		EnableAuth:                 s.EnableAuth,
		EnableSMTPUTF8:             s.EnableSMTPUTF8,
		EnableGreylist:             s.EnableGreylist,
		GreylistInitialDelay:       s.GreylistInitialDelay,
		GreylistAutoWhitelistAfter: s.GreylistAutoWhitelistAfter,
		GreylistRetryWindow:        s.GreylistRetryWindow,
		GreylistCleanupEvery:       s.GreylistCleanupEvery,
		EnableDNSBL:                s.EnableDNSBL,
	}

	if s.EnableTLS && s.TLSCertPath != "" && s.TLSKeyPath != "" {
		if tlsConfig, err := smtp.LoadTLSConfig(s.TLSCertPath, s.TLSKeyPath); err == nil {
			smtpCfg.TLSConfig = tlsConfig
		} else {
			slog.Default().Warn("failed to load TLS config, STARTTLS will be disabled", slog.String("error", err.Error()))
			smtpCfg.EnableTLS = false
		}
	}
	return smtpCfg
}
