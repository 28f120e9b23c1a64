package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/api"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/config"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/crypto"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/distlock"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/httpretry"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/pkg/logger"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/relay"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/repository/postgres"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/ingest"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/service/queue"
	"github.com/RubenJachtDigital/ga4-server-side-tagging-sub002/internal/worker"
)

const batchLeaseName = "ga4:batch:lease"

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		logger.Error("load config failed", "error", err.Error())
		os.Exit(1)
	}
	if cfg.Server.DebugMode {
		logger.SetLevel(logger.DEBUG)
	}

	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error("database unreachable", "error", err.Error())
		os.Exit(1)
	}

	// Redis is optional: without it the rate limiter runs in-process and
	// the batch lease falls back to a Postgres advisory lock.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("parse redis url failed", "error", err.Error())
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, using in-process fallbacks", "error", err.Error())
			rdb = nil
		}
	}

	var cipher *crypto.Cipher
	if cfg.Encryption.Key != "" {
		cipher, err = crypto.New(cfg.Encryption.Key)
		if err != nil {
			logger.Error("invalid encryption key", "error", err.Error())
			os.Exit(1)
		}
	} else {
		logger.Warn("no encryption key configured, encrypted envelopes will be rejected")
	}

	store := postgres.NewEventRepo(db)

	var limiter ingest.RateLimiter
	if rdb != nil {
		limiter = ingest.NewRedisRateLimiter(rdb, cfg.Ingest.RateLimitPerMinute, cfg.RateWindow())
	} else {
		limiter = ingest.NewMemoryRateLimiter(cfg.Ingest.RateLimitPerMinute, cfg.RateWindow())
	}

	var cryptor ingest.Cryptor
	if cipher != nil {
		cryptor = cipher
	}
	guard := ingest.NewGuard(store, limiter, cryptor, ingest.GuardConfig{
		SiteHost:      cfg.Ingest.SiteHost,
		EncryptAtRest: cipher != nil && cfg.Encryption.EncryptAtRest,
	})

	direct := relay.NewGA4Direct(relay.GA4Config{
		Endpoint:      cfg.GA4.Endpoint,
		MeasurementID: cfg.GA4.MeasurementID,
		APISecret:     cfg.GA4.APISecret,
	}, httpretry.New(nil, 3, cfg.GA4Timeout()))

	var cfEncryptor relay.Encryptor
	if cipher != nil {
		cfEncryptor = cipher
	}
	cloudflare := relay.NewCloudflare(relay.CloudflareConfig{
		WorkerURL:   cfg.Cloudflare.WorkerURL,
		APIKey:      cfg.Cloudflare.APIKey,
		EncryptBody: cipher != nil && cfg.Encryption.EncryptTransmissions,
		Timeout:     cfg.CloudflareTimeout(),
	}, httpretry.New(nil, 3, cfg.CloudflareTimeout()), cfEncryptor)

	var decryptor queue.Decryptor
	if cipher != nil {
		decryptor = cipher
	}
	// Opt-in shim for rows sealed by the old XOR scheme. Off unless a
	// migration explicitly needs it.
	var legacy queue.LegacyDecryptor
	if os.Getenv("LEGACY_XOR_FALLBACK") == "true" && cfg.Encryption.Key != "" {
		fallback, err := crypto.NewFallbackCipher(cfg.Encryption.Key)
		if err != nil {
			logger.Error("invalid fallback key", "error", err.Error())
			os.Exit(1)
		}
		legacy = fallback
		logger.Warn("legacy XOR fallback decryption enabled")
	}
	newLease := func() distlock.Lease {
		return distlock.New(rdb, db, batchLeaseName, cfg.LeaseTTL())
	}
	bypassCloudflare := cfg.Cloudflare.Disabled || cfg.Cloudflare.WorkerURL == ""
	processor := queue.NewProcessor(store, direct, cloudflare, decryptor, legacy, newLease, queue.ProcessorConfig{
		BatchSize:        cfg.Queue.BatchSize,
		BypassCloudflare: bypassCloudflare,
		LeaseTTL:         cfg.LeaseTTL(),
	})

	scheduler := worker.NewBatchScheduler(processor, cfg.BatchInterval())
	if err := scheduler.Start(); err != nil {
		logger.Error("start scheduler failed", "error", err.Error())
		os.Exit(1)
	}
	defer scheduler.Stop()

	retention := worker.NewRetentionWorker(store, cfg.Retention.Days,
		time.Duration(cfg.Retention.IntervalHours)*time.Hour)
	if err := retention.Start(); err != nil {
		logger.Error("start retention worker failed", "error", err.Error())
		os.Exit(1)
	}
	defer retention.Stop()

	handlers := api.NewHandlers(guard, processor, store, cfg.Server.DebugMode)
	server := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		method := "cloudflare"
		if bypassCloudflare {
			method = "ga4_direct"
		}
		logger.Info("server listening", "addr", addr, "transmission", method)
		errCh <- server.ListenAndServe(addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err.Error())
	}
}
