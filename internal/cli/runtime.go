package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/inapp/internal/bridge/natsbus"
	"github.com/roach88/inapp/internal/config"
	"github.com/roach88/inapp/internal/engine"
	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/storage"
	"github.com/roach88/inapp/internal/storage/postgres"
	"github.com/roach88/inapp/internal/storage/redis"
	"github.com/roach88/inapp/internal/storage/sqlite"
	"github.com/roach88/inapp/internal/telemetry"
)

// closableStorage is a storage backend that owns a connection.
type closableStorage interface {
	storage.Storage
	io.Closer
}

// runtime bundles everything a command needs: the loaded host
// configuration, an engine configured from it and the resources to release.
type runtime struct {
	cfg      *config.HostConfig
	engine   *engine.Engine
	store    closableStorage
	bus      *natsbus.Bus
	tracing  *telemetry.Tracing
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// runtimeOptions selects the optional parts of a runtime.
type runtimeOptions struct {
	withBus bool
}

// loadConfig reads the host configuration from path, or returns the
// defaults when path is empty.
func loadConfig(path string) (*config.HostConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the command logger on w. Debug output is enabled in
// verbose mode.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openStorage opens the backend named by cfg.Driver.
func openStorage(ctx context.Context, cfg config.StorageConfig) (closableStorage, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return storage.NewMemory(), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverRedis:
		var opts []redis.Option
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Prefix))
		}
		s, err := redis.Open(cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newRuntime loads configuration, opens storage and builds a configured
// engine. Failures are returned as ExitErrors with ExitCommandError.
func newRuntime(ctx context.Context, opts *RootOptions, logOut io.Writer, ro runtimeOptions) (*runtime, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, setupError(ErrCodeConfig, "failed to load config", err)
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   newLogger(logOut, opts.Verbose),
		registry: prometheus.NewRegistry(),
	}
	rt.metrics = metrics.New(rt.registry)

	rt.store, err = openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, setupError(ErrCodeStorage, "failed to open storage", err)
	}

	rt.tracing, err = telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		rt.Close(ctx)
		return nil, setupError(ErrCodeConfig, "failed to set up tracing", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(rt.logger),
		engine.WithMetrics(rt.metrics),
		engine.WithTracer(rt.tracing.Tracer("inapp")),
		engine.WithProviderIsolation(cfg.Engine.ProviderIsolation),
	}
	if ro.withBus && cfg.Bus.NATSURL != "" {
		rt.bus, err = natsbus.Connect(cfg.Bus.NATSURL,
			natsbus.WithSubjectPrefix(cfg.Bus.SubjectPrefix),
			natsbus.WithLogger(rt.logger),
		)
		if err != nil {
			rt.Close(ctx)
			return nil, setupError(ErrCodeBus, "failed to connect to bus", err)
		}
		engineOpts = append(engineOpts, engine.WithBus(rt.bus))
	}

	rt.engine = engine.New(rt.store, engineOpts...)
	if _, err := rt.engine.Configure(ctx, cfg.Engine.Config); err != nil {
		rt.Close(ctx)
		return nil, setupError(ErrCodeConfig, "failed to configure engine", err)
	}
	return rt, nil
}

// Close releases the engine, bus, storage and tracing in that order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.bus != nil {
		errs = append(errs, rt.bus.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.tracing != nil {
		errs = append(errs, rt.tracing.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// publisher connects a bus for publishing analytics payloads without
// building an engine.
func publisher(cfg *config.HostConfig, logger *slog.Logger) (*natsbus.Bus, error) {
	if cfg.Bus.NATSURL == "" {
		return nil, setupError(ErrCodeBus, "bus.natsURL is not configured", nil)
	}
	bus, err := natsbus.Connect(cfg.Bus.NATSURL,
		natsbus.WithSubjectPrefix(cfg.Bus.SubjectPrefix),
		natsbus.WithLogger(logger),
	)
	if err != nil {
		return nil, setupError(ErrCodeBus, "failed to connect to bus", err)
	}
	return bus, nil
}
