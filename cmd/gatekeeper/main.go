// Gatekeeper - authentication and session service
//
// This is the main entry point for the gatekeeper daemon. It issues and
// verifies access tokens, keeps refresh sessions in SQLite or Redis, mints
// API keys and exposes all of it over a JSON HTTP API.
//
// Optional integrations:
//   - Redis as the refresh-record store
//   - MQTT for security events and remote session revocation
//   - InfluxDB for authentication outcome metrics
//   - WebSocket stream of security events for administrators
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gatekeeper/internal/api"
	"github.com/nerrad567/gatekeeper/internal/audit"
	"github.com/nerrad567/gatekeeper/internal/auth"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/config"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/database"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/influxdb"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/logging"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/mqtt"
	"github.com/nerrad567/gatekeeper/internal/infrastructure/redis"
	"github.com/nerrad567/gatekeeper/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// mqttRevokeReason labels revocations requested over MQTT without a reason.
const mqttRevokeReason = "mqtt_command"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting gatekeeper",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	healthChecks := map[string]api.HealthCheckFunc{
		"database": db.HealthCheck,
	}

	// Refresh-record store
	var tokens auth.TokenRepository
	switch cfg.Security.RefreshStore {
	case config.RefreshStoreRedis:
		rdb, redisErr := redis.Connect(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to Redis: %w", redisErr)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := rdb.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		tokens = auth.NewRedisTokenRepository(rdb.UniversalClient, cfg.Redis.KeyPrefix)
		healthChecks["redis"] = rdb.HealthCheck
		log.Info("refresh store: redis", "address", cfg.Redis.Address, "db", cfg.Redis.DB)
	default:
		tokens = auth.NewTokenRepository(db.DB)
		log.Info("refresh store: sqlite")
	}

	users := auth.NewUserRepository(db.DB)
	var apiKeys auth.APIKeyRepository
	if cfg.Security.APIKeys.Enabled {
		apiKeys = auth.NewAPIKeyRepository(db.DB)
	} else {
		log.Info("API keys disabled")
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
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		healthChecks["mqtt"] = mqttClient.HealthCheck
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
		healthChecks["influxdb"] = influxClient.HealthCheck
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Audit trail. The writer drains after the API server has stopped.
	auditRepo := audit.NewSQLiteRepository(db.DB)
	auditWriter := audit.NewWriter(auditRepo, audit.DefaultQueueSize, log.Logger)
	auditCtx, stopAudit := context.WithCancel(context.Background())
	go auditWriter.Run(auditCtx)
	defer func() {
		stopAudit()
		<-auditWriter.Done()
		log.Info("audit writer stopped")
	}()

	var publishers []api.SecurityEventPublisher
	if mqttClient != nil {
		publishers = append(publishers, mqttClient)
	}

	// Admin event stream (optional)
	var hub *api.Hub
	if cfg.API.WebSocket.Enabled {
		hub = api.NewHub(cfg.API.WebSocket, log)
		go hub.Run(ctx)
		publishers = append(publishers, hub)
		log.Info("security event stream enabled")
	}
	events := api.NewSecurityEvents(log, auditWriter, publishers...)

	codec, err := auth.NewCodec(auth.CodecConfig{
		AccessSecret:  cfg.Security.JWT.AccessSecret,
		RefreshSecret: cfg.Security.JWT.RefreshSecret,
		AccessTTL:     cfg.Security.JWT.AccessTTL(),
		RefreshTTL:    cfg.Security.JWT.RefreshTTL(),
		Issuer:        cfg.Security.JWT.Issuer,
	})
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}

	authenticator := auth.NewAuthenticator(auth.AuthenticatorDeps{
		Codec:   codec,
		Users:   users,
		APIKeys: apiKeys,
		Logger:  log.Logger,
	})
	refresher := auth.NewRefresher(auth.RefresherDeps{
		Codec:  codec,
		Users:  users,
		Tokens: tokens,
		Events: events,
		Logger: log.Logger,
		Rotate: cfg.Security.JWT.RotateRefreshTokens,
	})

	if mqttClient != nil {
		if subErr := mqttClient.SubscribeRevokeSessions(revokeSessionsFunc(refresher, log)); subErr != nil {
			return fmt.Errorf("subscribing to revoke-sessions: %w", subErr)
		}
		log.Info("listening for session revocation commands",
			"topic", mqttClient.Topics().RevokeSessionsCommand(),
		)
	}

	password, err := auth.SeedAdmin(ctx, users, cfg.Security.BootstrapAdminEmail, log.Logger)
	if err != nil {
		return fmt.Errorf("seeding admin: %w", err)
	}
	if password != "" {
		// Shown once on the console; never written to the log.
		fmt.Fprintf(os.Stderr, "\nBootstrap admin password: %s\nChange it after first login.\n\n", password)
	}

	sweeper := auth.NewSweeper(tokens, apiKeys, cfg.Security.Interval(), log.With("component", "sweeper").Logger)
	if influxClient != nil {
		sweeper.SetReporter(influxClient)
	}
	go sweeper.Run(ctx)

	deps := api.Deps{
		Config:        cfg.API,
		Service:       cfg.Service,
		Security:      cfg.Security,
		Logger:        log,
		DB:            db.DB,
		Authenticator: authenticator,
		Refresher:     refresher,
		Users:         users,
		APIKeys:       apiKeys,
		Events:        events,
		Audit:         auditWriter,
		AuditRepo:     auditRepo,
		Hub:           hub,
		HealthChecks:  healthChecks,
		Version:       version,
	}
	if influxClient != nil {
		deps.Metrics = influxClient
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. Audit writer drain
	// 3. InfluxDB, MQTT and Redis (if enabled)
	// 4. Database

	log.Info("gatekeeper stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GATEKEEPER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GATEKEEPER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// revokeSessionsFunc handles revoke-sessions commands received over MQTT.
func revokeSessionsFunc(refresher *auth.Refresher, log *logging.Logger) mqtt.RevokeSessionsFunc {
	return func(ctx context.Context, cmd mqtt.RevokeSessionsCommand) error {
		reason := cmd.Reason
		if reason == "" {
			reason = mqttRevokeReason
		}
		n, err := refresher.RevokeAll(ctx, cmd.UserID, reason)
		if err != nil {
			return fmt.Errorf("revoking sessions for %s: %w", cmd.UserID, err)
		}
		log.Info("sessions revoked by command", "user_id", cmd.UserID, "reason", reason, "revoked", n)
		return nil
	}
}
