package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pyrite-env/pyrite/pkg/cache"
	"github.com/pyrite-env/pyrite/pkg/config"
	"github.com/pyrite-env/pyrite/pkg/envstate"
	"github.com/pyrite-env/pyrite/pkg/pip"
	"github.com/pyrite-env/pyrite/pkg/pypi"
	"github.com/pyrite-env/pyrite/pkg/resolver"
	"github.com/pyrite-env/pyrite/pkg/stores"
	"github.com/pyrite-env/pyrite/pkg/syncengine"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
	"github.com/pyrite-env/pyrite/pkg/transaction"
)

// Daemon assembles and runs the full service: telemetry, store,
// resolver, sync engine, transaction manager, socket server, and
// filesystem watcher.
type Daemon struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	service   *Service
	server    *Server
	watcher   *Watcher
}

// New builds a daemon from configuration. Call Run to start it.
func New(cfg *config.Config, version string) (*Daemon, error) {
	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	backend, err := cacheBackend(cfg)
	if err != nil {
		return nil, err
	}
	graphCache := cache.NewGraphCache(backend, cfg.Cache.TTL, tel.Logger, tel.Metrics)

	provider := pypi.NewProvider(pypi.Config{
		BaseURL:        cfg.Resolver.IndexURL,
		RequestTimeout: cfg.Resolver.RequestTimeout,
	}, tel.Logger)

	res := resolver.New(provider, graphCache, tel.Logger, tel.Metrics, resolver.Config{
		MaxDepth: cfg.Resolver.MaxDepth,
	})

	engine := syncengine.New(tel.Logger, tel.Metrics)

	// Wheel builds can be slow; this bounds a runaway pip, not a normal
	// install.
	executor := pip.NewExecutor(pip.Config{
		EnvironmentsDir: environmentsDir(cfg),
		IndexURL:        cfg.Resolver.IndexURL,
		CommandTimeout:  10 * time.Minute,
	}, tel.Logger)

	d := &Daemon{cfg: cfg, telemetry: tel, store: store}

	statuses := &statusRecorder{store: store, logger: tel.Logger}
	manager := transaction.NewManager(store, executor, statuses, store, tel.Logger, tel.Metrics, tel.Events, transaction.Config{
		MaxRetries:     cfg.Transaction.MaxRetries,
		RetryBaseDelay: cfg.Transaction.RetryBaseDelay,
		RetryMaxDelay:  cfg.Transaction.RetryMaxDelay,
	})

	service := NewService(store, res, engine, manager, executor, tel.Logger, tel.Metrics, tel.Tracer, version)

	watcher, err := NewWatcher(environmentsDir(cfg), func(environment, path string) {
		service.MarkExternalChange(environment)
		if err := tel.Events.PublishExternalChange(environment, path); err != nil {
			tel.Logger.WithError(err).Debug("Failed to publish external change event")
		}
	}, tel.Logger)
	if err != nil {
		return nil, err
	}
	service.SetWatcher(watcher)

	d.service = service
	d.watcher = watcher
	d.server = NewServer(cfg.Daemon.SocketPath, service, tel.Logger)
	return d, nil
}

// Run initializes storage and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	logger := d.telemetry.Logger

	if err := d.store.Init(ctx); err != nil {
		return err
	}
	if err := d.store.Migrate(ctx); err != nil {
		return err
	}

	if err := d.telemetry.StartMetricsServer(); err != nil {
		return err
	}

	records, err := d.store.ListEnvironments(ctx)
	if err != nil {
		return err
	}
	byStatus := make(map[string]int)
	for _, rec := range records {
		byStatus[string(rec.Status)]++
	}
	for status, count := range byStatus {
		d.telemetry.Metrics.SetEnvironmentCount(status, float64(count))
	}
	for _, rec := range records {
		if err := d.watcher.Watch(rec.Metadata.Name); err != nil {
			logger.WithError(err).WithEnvironment(rec.Metadata.Name).
				Warn("External change detection unavailable")
		}
	}

	if err := d.server.Listen(); err != nil {
		return err
	}

	go d.watcher.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.server.Serve(ctx)
	}()

	logger.Info("Daemon started")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		return d.shutdown()
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("Server stopped")
		}
		if shutdownErr := d.shutdown(); err == nil {
			return shutdownErr
		}
		return err
	}
}

func (d *Daemon) shutdown() error {
	timeout := d.cfg.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if err := d.server.Close(); err != nil {
		firstErr = err
	}
	if err := d.watcher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// environmentsDir is where the managed virtual environments live.
func environmentsDir(cfg *config.Config) string {
	return filepath.Join(cfg.Daemon.DataDir, "envs")
}

// cacheBackend selects the configured resolution cache backend.
func cacheBackend(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend, err := cache.NewRedisCache(ctx, cfg.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		return backend, nil
	case "none":
		return cache.NewNullCache(), nil
	default:
		return cache.NewMemoryCache(), nil
	}
}

// statusRecorder persists degradation reported by the transaction
// manager.
type statusRecorder struct {
	store  stores.Store
	logger *telemetry.Logger
}

func (r *statusRecorder) MarkDegraded(ctx context.Context, environment, reason string) error {
	r.logger.WithEnvironment(environment).Error(fmt.Sprintf("Environment degraded: %s", reason))
	return r.store.UpdateEnvironmentStatus(ctx, environment, envstate.StatusDegraded)
}

var _ transaction.StatusSink = (*statusRecorder)(nil)
