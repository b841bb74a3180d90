package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/shoot3rs/fleetstream/internal/auth"
	"github.com/shoot3rs/fleetstream/internal/config"
	"github.com/shoot3rs/fleetstream/internal/devicelogs"
	"github.com/shoot3rs/fleetstream/internal/devices"
	"github.com/shoot3rs/fleetstream/internal/ingest"
	"github.com/shoot3rs/fleetstream/internal/logging"
	"github.com/shoot3rs/fleetstream/internal/metrics"
	"github.com/shoot3rs/fleetstream/internal/redisclient"
	"github.com/shoot3rs/fleetstream/internal/rotation"
	"github.com/shoot3rs/fleetstream/internal/server"
	"github.com/shoot3rs/fleetstream/internal/sse"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleetstream HTTP server",
		Long: `Starts the HTTP server together with the Redis log consumer and the
rotation relay when Redis is configured. Configuration comes from the
optional YAML file followed by environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	validator, err := auth.NewValidator(ctx, cfg.Auth, auth.WithLogger(logger), auth.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to initialize token validator: %w", err)
	}

	store, err := devices.OpenSQLite(cfg.Devices.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var (
		gateway sse.Gateway
		local   *sse.LocalGateway
	)
	switch cfg.Gateway.Mode {
	case config.GatewayModeHTTP:
		gateway = sse.NewHTTPGateway(cfg.Gateway.PublishURL, cfg.Gateway.ServiceType, cfg.Gateway.Timeout)
	default:
		local = sse.NewLocalGateway(cfg.Gateway.Heartbeat, cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
		gateway = local
	}

	registry := sse.NewRegistry(gateway, sse.WithRegistryLogger(logger), sse.WithRegistryMetrics(m))
	if local != nil {
		local.Attach(registry)
	}

	coord := devicelogs.New(registry, validator, devicelogs.Options{
		AuthEnabled: validator.Enabled(),
		CookieName:  cfg.Auth.CookieName,
		ServiceType: cfg.Gateway.ServiceType,
		Metrics:     m,
		Logger:      logger,
	})
	broadcaster := rotation.NewBroadcaster(registry, coord, cfg.Gateway.ServiceType, m, logger)

	bgCtx, cancelBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBackground()
	var background sync.WaitGroup

	var (
		relay       *rotation.Relay
		healthCheck func(context.Context) error
	)
	if cfg.Redis.URL != "" {
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		healthCheck = pingRedis(client)

		relay = rotation.NewRelay(client, cfg.Redis.NudgeChannel, broadcaster, logger)
		consumer := ingest.NewStreamConsumer(client, cfg.Redis.LogStream, cfg.Redis.ConsumerGroup, coord, logger)

		background.Add(2)
		go func() {
			defer background.Done()
			relay.Run(bgCtx)
		}()
		go func() {
			defer background.Done()
			if err := consumer.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("log consumer stopped", "error", err)
			}
		}()
	} else {
		logger.Info("Redis not configured: log ingestion disabled, nudges stay on this replica")
	}

	deps := server.Deps{
		Config:        cfg,
		Validator:     validator,
		Connections:   registry,
		Subscriptions: coord,
		Devices:       store,
		Nudger:        rotation.NewDispatcher(broadcaster, relay, logger),
		HealthCheck:   healthCheck,
		Metrics:       m,
		Logger:        logger,
	}
	if local != nil {
		deps.Events = local
	}
	if validator.Enabled() {
		pending := auth.NewPendingLogins(auth.DefaultPendingLoginTTL)
		defer pending.Stop()
		deps.Login = auth.NewLoginHandler(cfg.Auth, validator.Endpoint(), validator, pending, nil, logger)
	}

	srv := server.New(deps)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		cancelBackground()
		background.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	coord.PrepareShutdown()
	cancelBackground()
	if local != nil {
		local.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	background.Wait()

	logger.Info("Shutdown complete")
	return nil
}

func pingRedis(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
