package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/relaycore/mtarelay/internal/config"
	"github.com/relaycore/mtarelay/internal/observability"
	"github.com/relaycore/mtarelay/internal/queue"
	"github.com/relaycore/mtarelay/internal/ratelimit"
	"github.com/relaycore/mtarelay/internal/retry"
	"github.com/relaycore/mtarelay/internal/smtp"
	"github.com/relaycore/mtarelay/internal/upstream"
	"github.com/relaycore/mtarelay/internal/worker"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		serveCmd.StringVar(&configPath, "config", "config/mtarelay.yaml", "config file path")
		serveCmd.Parse(os.Args[2:])
		runServe(configPath)
	case "version":
		fmt.Printf("mtarelay %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mtarelay - store-and-forward SMTP relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mtarelay serve   [--config path]   Start the SMTP ingress, forwarding worker, and metrics server")
	fmt.Println("  mtarelay version                   Print version")
}

func runServe(configPath string) {
	cfgPath := configPath
	if _, err := os.Stat(cfgPath); err != nil {
		cfgPath = ""
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting mtarelay", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	q, err := queue.New(queue.Config{
		Backend:    queue.Backend(cfg.Queue.Backend),
		KVStoreURL: cfg.Queue.KVStoreURL,
		SQLPath:    cfg.Queue.SQLPath,
	}, logger)
	if err != nil {
		logger.Error("initializing queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	if err := q.Recover(ctx); err != nil {
		logger.Error("recovering in-flight messages", "error", err)
		os.Exit(1)
	}
	logger.Info("queue ready", "backend", cfg.Queue.Backend)

	limiter, err := ratelimit.New(rateLimitConfig(cfg.RateLimit))
	if err != nil {
		logger.Error("initializing rate limiter", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	upstreamClient := upstream.New(upstream.Config{
		Host:     cfg.TargetSMTP.Host,
		Port:     cfg.TargetSMTP.Port,
		Username: cfg.TargetSMTP.Username,
		Password: cfg.TargetSMTP.Password,
		UseTLS:   cfg.TargetSMTP.UseTLS,
	})
	upstreamClient.SetMetrics(metrics)
	defer upstreamClient.Close()

	retryMgr := retry.New(upstreamClient, cfg.RateLimit.MaxRetries, time.Duration(cfg.RateLimit.RetryDelayBaseSeconds)*time.Second)

	fwd := worker.New(worker.Config{
		Queue:      q,
		Limiter:    limiter,
		Sender:     retryMgr,
		MaxRetries: cfg.RateLimit.MaxRetries,
		Metrics:    metrics,
		Logger:     logger,
	})

	backend := smtp.NewBackend(smtp.Config{
		Queue:           q,
		AuthRequired:    cfg.SMTP.AuthRequired,
		AuthUsername:    cfg.SMTP.AuthUsername,
		AuthPassword:    cfg.SMTP.AuthPassword,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		Logger:          logger,
	})

	smtpServer := smtp.NewServer(smtp.ServerConfig{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.SMTP.LocalHost, cfg.SMTP.LocalPort),
		Domain:          cfg.SMTP.LocalHost,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
		RequireSTARTTLS: cfg.SMTP.RequireStartTLS,
	}, backend, logger)

	metricsServer := observability.NewMetricsServer(cfg.Metrics.ListenAddr, reg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting SMTP ingress", "addr", smtpServer.Addr)
		if err := smtpServer.ListenAndServe(); err != nil && err != gosmtp.ErrServerClosed {
			return fmt.Errorf("smtp server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting forwarding worker")
		if err := fwd.Run(gctx); err != nil && err != context.Canceled {
			return fmt.Errorf("forwarding worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting metrics server", "addr", cfg.Metrics.ListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		smtpServer.Close()

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("mtarelay stopped")
}

func rateLimitConfig(c config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Strategy:       ratelimit.Strategy(c.Strategy),
		Capacity:       c.Capacity,
		RefillRate:     c.RefillRate,
		Window:         c.Window,
		Limit:          c.Limit,
		BucketCapacity: c.BucketCap,
		LeakRate:       c.LeakRate,
	}
}

// setupLogger creates a slog.Logger based on the logging config, wrapped
// with trace-context injection.
func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(observability.NewTracingHandler(handler))
}
