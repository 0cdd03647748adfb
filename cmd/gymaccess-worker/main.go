// gymaccess-worker - background task worker for the access service
//
// Consumes the Redis task queue: login code emails and the periodic
// maintenance jobs (access log retention, login code sweep). The
// maintenance schedule is registered here, so exactly one worker
// deployment should run with scheduling enabled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mariokehl/gymportal-access/internal/audit"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/logging"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/queue"
	"github.com/mariokehl/gymportal-access/internal/logincode"
	"github.com/mariokehl/gymportal-access/internal/maintenance"
	_ "github.com/mariokehl/gymportal-access/migrations"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds how long in-flight tasks may run after a signal.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting gymaccess-worker",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Queue.Enabled {
		return fmt.Errorf("queue.enabled is false; the worker has nothing to consume")
	}

	log = logging.New(cfg.Logging, cfg.Service.Name+"-worker", version)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}

	var attempts maintenance.AttemptPurger = audit.NewSQLiteRepository(db.DB)
	if cfg.Audit.Backend == "postgres" {
		pool, poolErr := audit.NewPostgresPool(ctx, cfg.Audit)
		if poolErr != nil {
			return fmt.Errorf("connecting to audit Postgres: %w", poolErr)
		}
		defer pool.Close()
		attempts = audit.NewPostgresRepository(pool)
	}

	jobs := maintenance.NewJobs(attempts,
		logincode.NewAuthority(db.DB, cfg.LoginCodeTTL()),
		time.Duration(cfg.Audit.RetentionDays)*24*time.Hour,
		time.Duration(cfg.LoginCodes.SweepAfterExpiry)*time.Minute,
		log,
	)

	registry := queue.NewHandlersRegistry()
	registry.Register(queue.TypeLoginCodeEmail,
		logincode.MailHandler(logincode.NewSMTPSender(cfg.Mail), log, time.Now))
	jobs.Register(registry)

	redisOpt := queue.RedisOpt(cfg.Redis)
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Queue.Concurrency,
		Queues:          queue.Priorities(),
		ShutdownTimeout: shutdownTimeout,
		Logger:          asynqLogger{log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			// Payloads carry login codes; only the type is logged.
			log.Error("task failed", "type", task.Type(), "error", err)
		}),
	})
	if err := srv.Start(registry.Mux()); err != nil {
		return fmt.Errorf("starting task server: %w", err)
	}
	defer srv.Shutdown()

	loc := cfg.Location()
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: loc, Logger: asynqLogger{log}})
	if err := maintenance.Schedule(scheduler, cfg.Audit.RetentionDays); err != nil {
		return fmt.Errorf("registering maintenance schedule: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer scheduler.Shutdown()

	log.Info("gymaccess-worker started",
		"redis", cfg.Redis.Addr,
		"concurrency", cfg.Queue.Concurrency,
		"task_types", registry.Types(),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping...")
	return nil
}

// getConfigPath returns the configuration file path.
// Checks GYMACCESS_CONFIG environment variable first, then uses default.
func getConfigPath() string {
	if path := os.Getenv("GYMACCESS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// asynqLogger routes asynq's internal logging through the service logger.
type asynqLogger struct {
	log *logging.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
