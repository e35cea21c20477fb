// Package main provides the hospital API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-hms/internal/api/handlers"
	"github.com/drfirst/go-hms/internal/api/middleware"
	"github.com/drfirst/go-hms/internal/auth"
	"github.com/drfirst/go-hms/internal/config"
	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/internal/infrastructure/postgres"
	"github.com/drfirst/go-hms/internal/observability/logging"
	"github.com/drfirst/go-hms/internal/observability/metrics"
	"github.com/drfirst/go-hms/internal/observability/tracing"
	"github.com/drfirst/go-hms/pkg/idempotency"
)

const (
	serviceName    = "hms-api"
	serviceVersion = "1.0.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Hospital management API",
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), createUserCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("schema migrated")
			return nil
		},
	}
}

func createUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			role, _ := cmd.Flags().GetString("role")
			doctorID, _ := cmd.Flags().GetString("doctor-id")

			req := handlers.CreateUserRequest{
				Username: username,
				Password: password,
				Role:     hospital.Role(role),
				DoctorID: doctorID,
			}
			if err := req.Validate(); err != nil {
				return err
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			user := hospital.User{
				UserID:       uuid.New().String(),
				Username:     username,
				Role:         req.Role,
				DoctorID:     doctorID,
				PasswordHash: hash,
			}
			if err := postgres.NewUsers(pool, logger).Create(cmd.Context(), &user); err != nil {
				return err
			}
			fmt.Printf("Created %s user %s (%s)\n", user.Role, user.Username, user.UserID)
			return nil
		},
	}
	cmd.Flags().String("username", "", "Login name")
	cmd.Flags().String("password", "", "Password, at least 8 characters")
	cmd.Flags().String("role", string(hospital.RoleAdmin), "admin, doctor or staff")
	cmd.Flags().String("doctor-id", "", "Doctor owning the account, required for doctors")
	return cmd
}

func setup() (*config.Server, *zap.Logger, error) {
	cfg, err := config.LoadServer(config.New())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func connect(ctx context.Context, cfg *config.Server) (*pgxpool.Pool, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns
	return postgres.Connect(ctx, poolCfg)
}

func runServer() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()

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

	pool, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}

	apiKeys, err := cfg.APIKeyClients()
	if err != nil {
		return err
	}
	var issuer *auth.Issuer
	if cfg.JWTSecret != "" {
		if issuer, err = auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL); err != nil {
			return err
		}
	}

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.DefaultTTL = cfg.IdempotencyTTL
	inboxCfg.IsTerminal = func(err error) bool {
		var dup *hospital.DuplicateError
		return errors.As(err, &dup)
	}
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	m := metrics.New()
	opts := []handlers.Option{
		handlers.WithInbox(inbox),
		handlers.WithMetrics(m),
		handlers.WithMaxBulk(cfg.MaxBulkRecords),
	}

	patients := handlers.NewCollectionHandler[hospital.Patient](hospital.KindPatient,
		postgres.NewDocuments[hospital.Patient](pool, hospital.KindPatient, logger), logger, opts...)
	doctors := handlers.NewCollectionHandler[hospital.Doctor](hospital.KindDoctor,
		postgres.NewDocuments[hospital.Doctor](pool, hospital.KindDoctor, logger), logger, opts...)
	visits := handlers.NewCollectionHandler[hospital.Visit](hospital.KindVisit,
		postgres.NewDocuments[hospital.Visit](pool, hospital.KindVisit, logger), logger, opts...)
	prescriptions := handlers.NewCollectionHandler[hospital.Prescription](hospital.KindPrescription,
		postgres.NewDocuments[hospital.Prescription](pool, hospital.KindPrescription, logger), logger, opts...)
	users := handlers.NewUsersHandler(postgres.NewUsers(pool, logger), issuer, logger)
	health := handlers.NewHealthHandler(serviceName, serviceVersion, map[string]handlers.Check{
		"postgres": pool.Ping,
	})

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", users.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(apiKeys, issuer))
			r.Get("/auth/me", users.Me)
			r.Mount("/patients", patients.Routes())
			r.Mount("/doctors", doctors.Routes())
			r.Mount("/visits", visits.Routes())
			r.Mount("/prescriptions", prescriptions.Routes())
			r.With(middleware.RequireRole(hospital.RoleAdmin)).Mount("/users", users.Routes())
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting hospital API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
