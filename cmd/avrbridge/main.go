// AVR Bridge - Pioneer receiver integration for Gray Logic
//
// This is the main entry point for the avrbridge daemon. It connects to one
// Pioneer AV receiver over its telnet-style control link (with the optional
// HTTP command endpoint as a fallback) and exposes it on:
//   - the Gray Logic MQTT bus (state, discovery, commands, health)
//   - a REST + WebSocket API with Prometheus metrics
//
// State changes are also recorded in SQLite, and optionally InfluxDB and Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/api"
	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/bridge"
	"github.com/nerrad567/gray-logic-avr/internal/history"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/cache"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-avr/internal/preferences"
	"github.com/nerrad567/gray-logic-avr/internal/scheduler"
	"github.com/nerrad567/gray-logic-avr/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// startupTimeout bounds the status endpoint probe and the initial health check.
const startupTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting avrbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := config.Path()
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

	// Database, migrations and repositories
	db, err := database.Open(cfg.Database)
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

	prefs := preferences.NewRepository(db.DB)
	if err := loadPreferences(ctx, prefs, cfg.Preferences.LegacyFile, log); err != nil {
		return err
	}
	historyRepo := history.NewRepository(db.DB)

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var stateRecorder *influxdb.Recorder
	if cfg.InfluxDB.Enabled {
		stateRecorder, err = influxdb.Open(cfg.InfluxDB, func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := stateRecorder.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Redis state cache (optional)
	var redisClient *cache.Client
	var stateCache *cache.StateCache
	if cfg.Redis.Enabled {
		redisClient, err = cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer func() {
			log.Info("closing Redis connection")
			if closeErr := redisClient.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		stateCache = cache.NewStateCache(redisClient, cfg.Redis.TTL)
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
	} else {
		log.Info("Redis cache disabled")
	}

	// Receiver client
	avrClient := avr.NewClient(clientOptions(cfg.AVR))
	avrClient.SetLogger(log.Component("avr"))
	defer func() {
		log.Info("closing receiver connection")
		if closeErr := avrClient.Close(); closeErr != nil {
			log.Error("error closing receiver connection", "error", closeErr)
		}
	}()

	// Bridge. Started before the client so the first events are not missed.
	b, err := bridge.New(bridgeOptions(cfg, avrClient, mqttClient, historyRepo, prefs, stateRecorder, stateCache, log))
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		b.Stop()
	}()

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing state")
		go b.Resync()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	err = avrClient.Start(startCtx)
	cancelStart()
	if err != nil {
		return fmt.Errorf("starting receiver client: %w", err)
	}
	log.Info("receiver client started",
		"host", avrClient.Host(),
		"port", avrClient.Port(),
		"web", avrClient.WebAvailability().String(),
	)

	// Scheduler
	sched, err := scheduler.New(scheduler.Options{
		Refresh:    cfg.AVR.Schedule.Refresh,
		Rediscover: cfg.AVR.Schedule.Rediscover,
		Retention:  time.Duration(cfg.Database.HistoryRetentionDays) * 24 * time.Hour,
		Target:     avrClient,
		History:    historyRepo,
		Logger:     log.Component("scheduler"),
	})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		log.Info("stopping scheduler")
		sched.Stop()
	}()
	for _, e := range sched.Entries() {
		log.Info("job scheduled", "job", e.Name, "spec", e.Spec, "next", e.Next)
	}

	// HTTP API
	apiDeps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Bridge:   b,
		Receiver: avrClient,
		History:  historyRepo,
		Database: db,
		MQTT:     mqttClient,
		Version:  version,
	}
	if stateCache != nil {
		apiDeps.Cache = stateCache
	}
	apiServer, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	checkCtx, cancelCheck := context.WithTimeout(ctx, startupTimeout)
	err = healthCheck(checkCtx, db, mqttClient, stateRecorder, redisClient)
	cancelCheck()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, scheduler, bridge (publishes
	// "stopping"), receiver, Redis, InfluxDB, MQTT (publishes offline), database.

	log.Info("avrbridge stopped")
	return nil
}

// loadPreferences imports the legacy visibility file (if any) and logs how
// many preferences are stored.
func loadPreferences(ctx context.Context, prefs *preferences.Repository, legacyFile string, log *logging.Logger) error {
	imported, err := prefs.ImportLegacy(ctx, legacyFile)
	if err != nil {
		return fmt.Errorf("importing legacy preferences: %w", err)
	}
	if imported > 0 {
		log.Info("legacy input preferences imported", "path", legacyFile, "count", imported)
	}

	stored, err := prefs.List(ctx)
	if err != nil {
		return fmt.Errorf("listing input preferences: %w", err)
	}
	log.Info("input preferences loaded", "count", len(stored))
	return nil
}

// clientOptions maps the avr config section onto client options.
func clientOptions(cfg config.AVRConfig) avr.ClientOptions {
	return avr.ClientOptions{
		Host:              cfg.Host,
		Port:              cfg.Port,
		ConnectTimeout:    cfg.ConnectTimeout,
		RetryInterval:     cfg.RetryInterval,
		KeepaliveInterval: cfg.KeepaliveInterval,
		CommandDelay:      cfg.CommandDelay,
		MaxVolumePercent:  cfg.MaxVolumePercent,
		Web: avr.WebOptions{
			Enabled: cfg.Web.Enabled,
			BaseURL: cfg.Web.BaseURL,
			Timeout: cfg.Web.Timeout,
		},
	}
}

// bridgeOptions assembles bridge options. Optional sinks are only set when
// configured so the bridge never holds a typed nil.
func bridgeOptions(
	cfg *config.Config,
	client *avr.Client,
	mqttClient *mqtt.Client,
	historyRepo *history.Repository,
	prefs *preferences.Repository,
	stateRecorder *influxdb.Recorder,
	stateCache *cache.StateCache,
	log *logging.Logger,
) bridge.Options {
	opts := bridge.Options{
		DeviceID:    cfg.AVR.DeviceID,
		Version:     version,
		Controller:  client,
		MQTT:        &mqttBridgeAdapter{client: mqttClient},
		History:     historyRepo,
		Preferences: prefs,
		Logger:      log.Component("bridge"),
	}
	if stateRecorder != nil {
		opts.Metrics = stateRecorder
	}
	if stateCache != nil {
		opts.Cache = stateCache
	}
	return opts
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - stateRecorder: InfluxDB recorder to check (may be nil if disabled)
//   - redisClient: Redis client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, stateRecorder *influxdb.Recorder, redisClient *cache.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if stateRecorder != nil {
		if err := stateRecorder.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if redisClient != nil {
		if err := redisClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	// The receiver is not checked: the link reconnects in the background and
	// commands queue until it is up.

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
