package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/uiagate/api"
	"github.com/jmcleod/uiagate/internal/config"
	"github.com/jmcleod/uiagate/storage/bunx"
	"github.com/jmcleod/uiagate/uia"
)

var serveCmd = &cobra.Command{
	Use:               "serve",
	Short:             "Start the gateway",
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger(cfg.LogLevel)
		slog.SetDefault(logger)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		db, store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		sessions, closeSessions, err := sessionStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closeSessions()

		built, err := buildCheckers(cfg, store, newSender(cfg, logger), logger)
		if err != nil {
			return err
		}
		registry, err := uia.NewRegistry(built.all...)
		if err != nil {
			return fmt.Errorf("failed to build checker registry: %w", err)
		}
		orch, err := uia.New(sessions, registry, cfg.Policy(),
			uia.WithLogger(logger),
			uia.WithSessionTTL(cfg.Sessions.TTL),
		)
		if err != nil {
			return fmt.Errorf("invalid uia policy: %w", err)
		}
		go orch.RunSweeper(ctx, cfg.Sessions.CleanupInterval)

		hs, err := newHomeserver(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			if err := hs.Close(closeCtx); err != nil {
				logger.Warn("failed to release homeserver admin session", "error", err)
			}
		}()

		limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeLimiter()

		trusted, err := api.WithTrustedProxies(cfg.Server.TrustedProxies)
		if err != nil {
			return fmt.Errorf("server.trusted_proxies: %w", err)
		}
		opts := []api.Option{
			api.WithLogger(logger),
			api.WithLimiter(limiter),
			trusted,
			api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert", "type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
			}),
			api.WithFailureAlert(cfg.Audit.FailureThreshold, cfg.Audit.FailureWindow),
		}
		if built.storeKit != nil {
			opts = append(opts, api.WithAppStoreNotifications(built.storeKit))
		}
		a := api.New(orch, hs, store, built.password, opts...)
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		if len(cfg.Server.CORSOrigins) > 0 {
			r.Use(cors.Handler(corsOptions(cfg.Server.CORSOrigins)))
		}
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		useTLS := cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("gateway listening",
			"port", cfg.Server.Port,
			"tls", useTLS,
			"homeserver", cfg.Matrix.Homeserver,
			"session_store", cfg.Sessions.Store,
		)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newLimiter returns the redis limiter when redis.url is set and the
// in-memory limiter otherwise, plus a function that releases it.
func newLimiter(ctx context.Context, c *config.Config, logger *slog.Logger) (api.FailureLimiter, func() error, error) {
	policy := api.LimitPolicy{
		MaxFailures: c.RateLimit.MaxFailures,
		BaseLockout: c.RateLimit.BaseLockout,
		MaxLockout:  c.RateLimit.MaxLockout,
	}
	if c.Redis.URL == "" {
		limiter := api.NewMemoryLimiter(policy)
		go func() {
			ticker := time.NewTicker(c.Sessions.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := limiter.Sweep(); n > 0 {
						logger.Debug("swept idle rate limit entries", "count", n)
					}
				}
			}
		}()
		return limiter, func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis.url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return api.NewRedisLimiter(client, policy), client.Close, nil
}

func corsOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
