// Package main provides the outbox relay service entry point.
// Change events written by the API are published to Kafka topics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/api/handlers"
	"github.com/drfirst/go-hms/internal/config"
	"github.com/drfirst/go-hms/internal/infrastructure/postgres"
	"github.com/drfirst/go-hms/internal/infrastructure/redpanda"
	"github.com/drfirst/go-hms/internal/observability/logging"
	"github.com/drfirst/go-hms/internal/observability/metrics"
	"github.com/drfirst/go-hms/internal/observability/tracing"
)

const (
	serviceName    = "hms-relay"
	serviceVersion = "1.0.0"

	statsInterval = 15 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Publish outbox events to Kafka",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "dead-letter",
		Short: "Move entries that exhausted their retries to the dead letter topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return deadLetter(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Server, *zap.Logger, error) {
	cfg, err := config.LoadServer(config.New())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.With(zap.String("service", serviceName)), nil
}

type relayDeps struct {
	relay    *postgres.Relay
	producer *redpanda.Producer
	close    func()
}

func connect(ctx context.Context, cfg *config.Server, logger *zap.Logger) (*relayDeps, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns
	pool, err := postgres.Connect(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = admin.EnsureTopics(ctx)
	admin.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected", zap.Strings("brokers", cfg.KafkaBrokers))

	relay := postgres.NewRelay(pool, producer, postgres.RelayConfig{
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval,
		MaxRetries:   cfg.OutboxMaxRetries,
	}, logger)

	return &relayDeps{
		relay:    relay,
		producer: producer,
		close: func() {
			producer.Close()
			pool.Close()
		},
	}, nil
}

func deadLetter(ctx context.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	moved, err := deps.relay.MoveToDeadLetter(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Moved %d entries to the dead letter topic\n", moved)
	return nil
}

func run() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Start(ctx, tracing.Settings{
		Service:  serviceName,
		Version:  serviceVersion,
		Env:      cfg.Env,
		Endpoint: cfg.OTLPEndpoint,
		Ratio:    cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	deps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	m := metrics.New()
	go reportBacklog(ctx, deps.relay, m, logger)

	health := handlers.NewHealthHandler(serviceName, serviceVersion, map[string]handlers.Check{
		"kafka": deps.producer.Ping,
	})
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	deps.relay.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	deps.relay.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// reportBacklog keeps the pending gauge current
func reportBacklog(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		stats, err := relay.Stats(ctx)
		if err == nil {
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Failed > 0 {
				logger.Warn("outbox entries exhausted their retries", zap.Int64("failed", stats.Failed))
			}
		} else if ctx.Err() == nil {
			logger.Warn("outbox stats failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
