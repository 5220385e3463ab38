// Package main provides the entry point of the orochi-dispatch campaign delivery engine
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/orochi-dispatch/app/handlers"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/app/router"
	"github.com/amirphl/orochi-dispatch/app/scheduler"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/app/worker"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "orochi-dispatch",
		Short:         "Campaign email dispatch engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the control plane, workers and schedulers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := initializeDatabase(cfg.Database, log)
			if err != nil {
				return err
			}
			if err := repository.Migrate(db); err != nil {
				return err
			}
			log.Info().Msg("Schema is up to date")
			return nil
		},
	})

	quotas := &cobra.Command{
		Use:   "quotas",
		Short: "Run sender quota maintenance once",
	}
	quotas.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset daily quotas whose window has elapsed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg businessflow.AccountRegistry, log zerolog.Logger) error {
				n, err := reg.ResetDailyQuotas(ctx)
				if err != nil {
					return err
				}
				log.Info().Int64("accounts", n).Msg("Daily quotas reset")
				return nil
			})
		},
	})
	quotas.AddCommand(&cobra.Command{
		Use:   "warmup",
		Short: "Advance warm-up schedules that are due",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg businessflow.AccountRegistry, log zerolog.Logger) error {
				n, err := reg.AdvanceWarmUp(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("accounts", n).Msg("Warm-up advanced")
				return nil
			})
		},
	})
	root.AddCommand(quotas)

	return root
}

// bootstrap loads configuration and builds the process logger
func bootstrap() (*config.ProductionConfig, zerolog.Logger, error) {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	log := utils.NewLogger(utils.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}).With().
		Str("service", "orochi-dispatch").
		Str("instance", cfg.Deployment.InstanceID).
		Logger()

	return cfg, log, nil
}

func withRegistry(ctx context.Context, fn func(context.Context, businessflow.AccountRegistry, zerolog.Logger) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	db, err := initializeDatabase(cfg.Database, log)
	if err != nil {
		return err
	}
	reg := businessflow.NewAccountRegistry(repository.NewSenderAccountRepository(db), cfg.Dispatch, cfg.Quota, log)

	ctx, cancel := context.WithTimeout(ctx, cfg.Quota.JobTimeout)
	defer cancel()
	return fn(ctx, reg, log)
}

// initializeDatabase opens the gorm connection pool and verifies connectivity
func initializeDatabase(cfg config.DatabaseConfig, log zerolog.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	level := gormlogger.Warn
	if !cfg.SlowQueryLog {
		level = gormlogger.Error
	}
	gormLog := log.With().Str("component", "gorm").Logger()

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(&gormLog, gormlogger.Config{
			SlowThreshold:             cfg.SlowQueryTime,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Msg("Database connection established")
	return db, nil
}

// initializeCache returns nil when redis is not configured
func initializeCache(cfg config.CacheConfig, log zerolog.Logger) (*redis.Client, error) {
	if !cfg.Enabled || cfg.Provider != "redis" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Int("db", cfg.RedisDB).Msg("Redis connection established")
	return rc, nil
}

func initializeProviders(cfg *config.ProductionConfig) services.Providers {
	if cfg.Dispatch.ProviderMode == "mock" {
		return services.Providers{
			API:  services.NewMockEmailProvider("api"),
			SMTP: services.NewMockEmailProvider("smtp"),
		}
	}
	return services.Providers{
		API:  services.NewSendGridEmailProvider(cfg.SendGrid),
		SMTP: services.NewSMTPEmailProvider(cfg.SMTP, nil),
	}
}

func runServe(parent context.Context) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	db, err := initializeDatabase(cfg.Database, log)
	if err != nil {
		return err
	}
	rc, err := initializeCache(cfg.Cache, log)
	if err != nil {
		return err
	}

	// Repositories
	jobRepo := repository.NewJobRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)
	accountRepo := repository.NewSenderAccountRepository(db)
	recipientRepo := repository.NewRecipientRepository(db)
	exclusionRepo := repository.NewExclusionRepository(db)
	messageRepo := repository.NewOutboundMessageRepository(db)
	sendLogRepo := repository.NewSendLogRepository(db)
	cursorRepo := repository.NewDispatchCursorRepository(db)
	trackingRepo := repository.NewTrackingRepository(db)
	transactor := repository.NewTransactor(db)

	// Flows
	filter := businessflow.NewRecipientFilterFlow(recipientRepo, exclusionRepo, log)
	registry := businessflow.NewAccountRegistry(accountRepo, cfg.Dispatch, cfg.Quota, log)
	campaignFlow := businessflow.NewCampaignFlow(campaignRepo, jobRepo, filter, log)
	trackingFlow := businessflow.NewTrackingFlow(messageRepo, trackingRepo, recipientRepo, transactor, log)
	metrics := middleware.DispatchMetrics{}

	deps := worker.Deps{
		Jobs:         jobRepo,
		Campaigns:    campaignRepo,
		Accounts:     accountRepo,
		Recipients:   recipientRepo,
		Messages:     messageRepo,
		SendLogs:     sendLogRepo,
		Cursors:      cursorRepo,
		Transactor:   transactor,
		Filter:       filter,
		Registry:     registry,
		Personalizer: businessflow.NewPersonalizer(cfg.Tracking),
		Providers:    initializeProviders(cfg),
		Pacer:        worker.NewPacer(),
		Observer:     metrics,
	}

	// Progress fan-out is local unless redis relays snapshots between instances
	hub := businessflow.NewProgressHub(cfg.Dispatch.ProgressMaxJobs, cfg.Dispatch.ProgressMaxSubscribers, cfg.Dispatch.ProgressBuffer)
	var (
		publisher businessflow.ProgressPublisher = hub
		locker    businessflow.CampaignLocker    = services.NewMemoryCampaignLocker()
		relayDone = make(chan struct{})
	)
	if rc != nil {
		relay := services.NewRedisProgressRelay(rc, cfg.Cache.RedisPrefix, hub, log)
		publisher = relay
		locker = services.NewRedisCampaignLocker(rc, cfg.Cache.RedisPrefix, cfg.Dispatch.CampaignLockTTL)
		go func() {
			defer close(relayDone)
			if err := relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Progress relay stopped")
			}
		}()
	} else {
		close(relayDone)
	}

	orchestrator := businessflow.NewJobOrchestrator(
		jobRepo,
		campaignRepo,
		sendLogRepo,
		trackingRepo,
		worker.NewDispatchLauncher(deps, cfg.Dispatch, log),
		locker,
		publisher,
		hub,
		metrics.JobTransition,
		cfg.Dispatch,
		cfg.Deployment,
		log,
	)

	supervisor := worker.NewSupervisor(deps, cfg.Supervisor, cfg.Dispatch, log)
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		if err := supervisor.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Worker supervisor stopped")
		}
	}()
	if cfg.Supervisor.AutoStart {
		started, err := supervisor.StartAll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to start continuous workers")
		}
		log.Info().Int("workers", started).Msg("Continuous workers started")
	}

	var stopFuncs []func()
	reaper := scheduler.NewJobReaper(orchestrator, cfg.Dispatch.JobReaperInterval, log)
	stopFuncs = append(stopFuncs, reaper.Start(ctx))
	if cfg.Scheduler.Enabled {
		sched := scheduler.NewCampaignScheduler(campaignRepo, orchestrator, cfg.Scheduler, log)
		stopFuncs = append(stopFuncs, sched.Start(ctx))
	}

	quotaCron := scheduler.NewQuotaCron(registry, cfg.Quota, log)
	if err := quotaCron.SetupJobs(); err != nil {
		return err
	}
	quotaCron.Start()
	stopFuncs = append(stopFuncs, quotaCron.Stop)

	appRouter := router.NewFiberRouter(cfg, router.Handlers{
		Job:      handlers.NewJobHandler(orchestrator, log),
		Campaign: handlers.NewCampaignHandler(campaignFlow, log),
		Account:  handlers.NewAccountHandler(registry, log),
		Worker:   handlers.NewWorkerHandler(supervisor, log),
		Tracking: handlers.NewTrackingHandler(trackingFlow, log),
	}, func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}, log)
	appRouter.SetupRoutes()

	serverErr := make(chan error, 1)
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErr <- appRouter.Start(address)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("Server stopped unexpectedly")
		}
		stopSignals()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := appRouter.GetApp().ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}
	for _, fn := range stopFuncs {
		fn()
	}

	var shutdownErr error
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("job orchestrator: %w", err))
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("worker supervisor: %w", err))
	}
	<-supervisorDone
	<-relayDone

	if rc != nil {
		_ = rc.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	if shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("Shutdown finished with errors")
		return shutdownErr
	}
	log.Info().Msg("Server stopped")
	return nil
}
