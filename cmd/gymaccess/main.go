// gymaccess - access control core for gym check-in scanners
//
// This is the main entry point of the access service. It decides QR and
// NFC credentials presented at door scanners, runs the member login code
// flow, and serves the per-tenant admin API and live access feed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mariokehl/gymportal-access/internal/access"
	"github.com/mariokehl/gymportal-access/internal/api"
	"github.com/mariokehl/gymportal-access/internal/audit"
	"github.com/mariokehl/gymportal-access/internal/entitlement"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/database"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/influxdb"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/logging"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/mqtt"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/queue"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/redis"
	"github.com/mariokehl/gymportal-access/internal/logincode"
	"github.com/mariokehl/gymportal-access/internal/maintenance"
	"github.com/mariokehl/gymportal-access/internal/member"
	"github.com/mariokehl/gymportal-access/internal/qrcode"
	"github.com/mariokehl/gymportal-access/internal/scanner"
	"github.com/mariokehl/gymportal-access/internal/signing"
	"github.com/mariokehl/gymportal-access/internal/tenant"
	_ "github.com/mariokehl/gymportal-access/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// startupHealthTimeout bounds the health check run after wiring.
const startupHealthTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting gymaccess",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, cfg.Service.Name, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
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
	log.Info("database ready", "path", cfg.Database.Path)

	checks := map[string]api.HealthChecker{"database": db}

	// Redis backs the login code limiter and the task queue.
	redisClient, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to Redis: %w", err)
	}
	defer func() {
		log.Info("closing Redis connection")
		if closeErr := redisClient.Close(); closeErr != nil {
			log.Error("error closing Redis", "error", closeErr)
		}
	}()
	checks["redis"] = redisClient
	log.Info("Redis connected", "addr", cfg.Redis.Addr)

	// Audit backend
	attempts, closeAudit, err := openAuditRepository(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer closeAudit()
	if hc, ok := attempts.(api.HealthChecker); ok {
		checks["audit"] = hc
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Repositories and credential services
	tenants := tenant.NewSQLiteRepository(db.DB)
	members := member.NewSQLiteRepository(db.DB)
	scanners := scanner.NewRepository(db.DB)
	store := entitlement.NewStore(db.DB)
	keys := signing.NewStore(db.DB, cfg.KeyGracePeriod())
	qrWindow := time.Duration(cfg.Access.QRValidityMinutes) * time.Minute
	codec := qrcode.NewCodec(keys, tenants, qrWindow)

	metrics := api.NewMetrics(version)
	hub := api.NewHub(cfg.WebSocket, log)

	// Recorder and its observers. Closed after the API server so in-flight
	// validations can still record.
	recorder := audit.NewRecorder(attempts, log, cfg.Audit.BufferSize,
		audit.WithObserver(metrics),
		audit.WithObserver(hub),
	)
	defer func() {
		log.Info("flushing access attempts", "pending", recorder.Pending())
		recorder.Close()
	}()
	if mqttClient != nil {
		recorder.AddObserver(newEventPublisher(mqttClient, log))
	}
	if influxClient != nil {
		recorder.AddObserver(influxObserver{client: influxClient})
	}
	metrics.GaugeFunc("audit_dropped_attempts", "Access attempts dropped by the recorder.",
		func() float64 { return float64(recorder.Dropped()) })
	metrics.GaugeFunc("audit_pending_attempts", "Access attempts waiting to be written.",
		func() float64 { return float64(recorder.Pending()) })
	metrics.GaugeFunc("feed_clients", "Connected live feed clients.",
		func() float64 { return float64(hub.ClientCount()) })
	metrics.GaugeFunc("feed_evicted_clients", "Live feed clients disconnected for falling behind.",
		func() float64 { return float64(hub.Evicted()) })

	gate := scanner.NewGate(scanners, cfg.Access.LockoutThreshold, cfg.LockoutDuration(),
		scanner.WithLockoutHook(func(tenantID string, deviceNumber int, until time.Time) {
			log.Warn("scanner locked after repeated token mismatches",
				"tenant_id", tenantID,
				"device_number", deviceNumber,
				"locked_until", until,
			)
			metrics.ObserveLockout(tenantID, deviceNumber, until)
			if influxClient != nil {
				influxClient.WriteLockout(tenantID, deviceNumber, time.Now())
			}
		}),
	)

	validator := access.NewValidator(access.Deps{
		Gate:         gate,
		Codec:        codec,
		Tenants:      tenants,
		Members:      members,
		Configs:      store,
		Entitlements: entitlement.NewResolver(store, members),
		Recorder:     recorder,
	})

	if mqttClient != nil {
		if subErr := mqttClient.Subscribe(mqtt.Topics{}.AllScannerHeartbeats(), byte(cfg.MQTT.QoS), //nolint:gosec // qos validated 0-2
			scanner.HeartbeatHandler(scanners)); subErr != nil {
			log.Warn("failed to subscribe to scanner heartbeats", "error", subErr)
		}
	}

	// Login codes
	authority := logincode.NewAuthority(db.DB, cfg.LoginCodeTTL())
	limiter := logincode.NewLimiter(redisClient.Client, logincode.LimiterConfig{
		SendLimit:    cfg.LoginCodes.SendLimit,
		SendWindow:   time.Duration(cfg.LoginCodes.SendWindow) * time.Minute,
		SendPenalty:  time.Duration(cfg.LoginCodes.SendPenalty) * time.Minute,
		VerifyLimit:  cfg.LoginCodes.VerifyLimit,
		VerifyWindow: time.Duration(cfg.LoginCodes.VerifyWindow) * time.Minute,
	})
	sessions := logincode.NewSessions(cfg.Security.JWT.Secret,
		time.Duration(cfg.Security.JWT.AccessTokenTTL)*time.Minute)

	jobs := maintenance.NewJobs(attempts, authority,
		time.Duration(cfg.Audit.RetentionDays)*24*time.Hour,
		time.Duration(cfg.LoginCodes.SweepAfterExpiry)*time.Minute,
		log,
	)

	var mailer logincode.Mailer
	if cfg.Queue.Enabled {
		queueClient := queue.NewClient(cfg.Redis)
		defer func() {
			if closeErr := queueClient.Close(); closeErr != nil {
				log.Error("error closing queue client", "error", closeErr)
			}
		}()
		mailer = queueClient
		// Catch up on retention after downtime; the worker schedule takes over from here.
		if enqErr := queueClient.EnqueuePurgeAccessAttempts(ctx, cfg.Audit.RetentionDays); enqErr != nil {
			log.Warn("failed to enqueue startup purge", "error", enqErr)
		}
		log.Info("task queue enabled; email delivery and maintenance run in gymaccess-worker")
	} else {
		mailer = newInlineMailer(logincode.NewSMTPSender(cfg.Mail), log)
		runner := maintenance.NewRunner(jobs, time.Duration(cfg.Queue.MaintenanceInterval)*time.Minute)
		runner.Start(ctx)
		defer runner.Stop()
		log.Info("task queue disabled; sending email and running maintenance in-process")
	}

	loginCodes := logincode.NewService(logincode.ServiceDeps{
		Authority: authority,
		Limiter:   limiter,
		Members:   members,
		Tenants:   tenants,
		Mailer:    mailer,
		Sessions:  sessions,
		Logger:    log,
		OnEvent:   metrics.ObserveLoginCode,
	})

	// Start API server
	apiServer, err := api.New(api.Deps{
		Config:           cfg.API,
		WS:               cfg.WebSocket,
		Security:         cfg.Security,
		Logger:           log,
		Validator:        validator,
		Codec:            codec,
		Signing:          keys,
		Tenants:          tenants,
		Members:          members,
		Scanners:         scanners,
		Entitlements:     store,
		Attempts:         attempts,
		LoginCodes:       loginCodes,
		Sessions:         sessions,
		Metrics:          metrics,
		Hub:              hub,
		HealthChecks:     checks,
		DefaultQRWindow:  qrWindow,
		StatisticsWindow: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
		Version:          version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	healthCtx, cancel := context.WithTimeout(ctx, startupHealthTimeout)
	defer cancel()
	if err := healthCheck(healthCtx, checks); err != nil {
		log.Warn("startup health check failed", "error", err)
	}

	log.Info("gymaccess started successfully")

	// Wait for shutdown signal
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

// openAuditRepository returns the configured audit backend and its closer.
func openAuditRepository(ctx context.Context, cfg *config.Config, db *database.DB, log *logging.Logger) (audit.Repository, func(), error) {
	if cfg.Audit.Backend != "postgres" {
		return audit.NewSQLiteRepository(db.DB), func() {}, nil
	}

	pool, err := audit.NewPostgresPool(ctx, cfg.Audit)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to audit Postgres: %w", err)
	}
	repo := audit.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info("audit backend connected", "backend", "postgres")
	return repo, func() {
		log.Info("closing audit Postgres pool")
		pool.Close()
	}, nil
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, hc := range checks {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
