package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"k8s.io/utils/clock"

	"github.com/FredrikElliot/ha-nimly-manager/internal/adapter/driven/lock"
	sqliteadapter "github.com/FredrikElliot/ha-nimly-manager/internal/adapter/driven/sqlite"
	"github.com/FredrikElliot/ha-nimly-manager/internal/application"
	"github.com/FredrikElliot/ha-nimly-manager/internal/config"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
	"github.com/FredrikElliot/ha-nimly-manager/internal/metrics"
)

// app holds the wired core shared by every subcommand.
type app struct {
	cfg     *config.Config
	loader  *config.Loader
	logger  *slog.Logger
	metrics *metrics.Metrics

	db          *sqliteadapter.DB
	lock        driven.LockAdapter
	credentials *application.CredentialService
	settings    *application.SettingsProvider
	scheduler   *application.ExpiryScheduler
	requests    *application.RequestHandler

	closers []func()
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newApp loads configuration and wires storage, the lock adapter and the
// application services. Callers must call close.
func newApp(ctx context.Context, cfgFile string) (_ *app, err error) {
	// 1. Load configuration (fail fast on invalid values).
	loader := config.NewLoader(cfgFile, nil)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"lock_model", cfg.Lock.Model,
		"lock_adapter", cfg.Lock.Adapter,
		"capacity", cfg.Lock.Capacity,
	)

	a := &app{
		cfg:     cfg,
		loader:  loader,
		logger:  logger,
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// 2. Open database (dual reader/writer with WAL mode).
	a.db, err = sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if closeErr := a.db.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	})
	logger.Info("database opened", "path", cfg.DBPath)

	// 3. Run migrations on writer connection.
	version, err := sqliteadapter.RunMigrations(a.db.Writer)
	if err != nil {
		return nil, err
	}
	logger.Info("migrations complete", "schema_version", version)

	// 4. Connect the lock and bound every command with the retry policy.
	hw, err := a.connectLock(ctx)
	if err != nil {
		return nil, err
	}
	a.lock = lock.NewRetrying(hw, cfg.RetryPolicy(), clock.RealClock{}, logger, a.metrics)

	// 5. Wire the application services.
	a.credentials = application.NewCredentialService(
		sqliteadapter.NewCredentialRepo(a.db),
		a.lock,
		cfg.SlotLayout(),
		clock.RealClock{},
		logger,
	)
	a.settings = application.NewSettingsProvider(cfg.ExpirySettings())
	a.scheduler = application.NewExpiryScheduler(a.credentials, a.settings, clock.RealClock{}, logger, a.metrics)
	a.requests = application.NewRequestHandler(a.credentials, a.scheduler, a.settings)

	return a, nil
}

func (a *app) connectLock(ctx context.Context) (driven.LockAdapter, error) {
	switch a.cfg.Lock.Adapter {
	case config.AdapterMemory:
		a.logger.Warn("using the in-memory lock simulator, no hardware is programmed")
		return lock.NewMemory(), nil
	case config.AdapterMQTT:
		client, err := lock.Dial(ctx, a.cfg.MQTTOptions(), a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { client.Disconnect(250) })
		a.logger.Info("lock connected", "broker", a.cfg.MQTT.Broker, "topic", a.cfg.MQTT.Topic)
		return lock.NewZ2M(client, a.cfg.MQTT.Topic, byte(a.cfg.MQTT.QoS), a.logger), nil
	default:
		return nil, fmt.Errorf("unsupported lock adapter %q", a.cfg.Lock.Adapter)
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
