package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lifeguard-sh/lifeguard/internal/backend"
	"github.com/lifeguard-sh/lifeguard/internal/config"
	"github.com/lifeguard-sh/lifeguard/internal/events"
	"github.com/lifeguard-sh/lifeguard/internal/logging"
	"github.com/lifeguard-sh/lifeguard/internal/manager"
	"github.com/lifeguard-sh/lifeguard/internal/metrics"
	"github.com/lifeguard-sh/lifeguard/internal/monitor"
	"github.com/lifeguard-sh/lifeguard/internal/pool"
	"github.com/lifeguard-sh/lifeguard/internal/resource"
	"github.com/lifeguard-sh/lifeguard/internal/server"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewWithLevel(cfg.LogLevel)
	logger.Info().Str("resources_file", cfg.ResourcesFile).Msg("lifeguard starting")

	specs, err := config.LoadDefinitions(cfg.ResourcesFile)
	if err != nil {
		return fmt.Errorf("load resource definitions: %w", err)
	}

	metricsCollector := metrics.New()
	sink, err := buildSink(cfg, logger, metricsCollector)
	if err != nil {
		return err
	}

	mgr := manager.New(logger, manager.Config{
		StartTimeout:    cfg.StartTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ProbeOnQuery:    cfg.ProbeOnQuery,
		Monitor: monitor.Config{
			Interval:         cfg.HealthInterval,
			Jitter:           cfg.HealthJitter,
			FailureThreshold: cfg.FailureThreshold,
			BackoffBase:      cfg.BackoffBase,
			BackoffCap:       cfg.BackoffCap,
			MaxRetries:       cfg.MaxRetries,
		},
	}, sink, metricsCollector)

	for _, spec := range specs {
		res, err := buildResource(spec, cfg, sink, logger)
		if err != nil {
			return fmt.Errorf("resource %s: %w", spec.ID, err)
		}
		if err := mgr.Register(res); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := mgr.StartAll(ctx)
	for _, failure := range started.Failed {
		logger.Error().Err(failure.Err).Str("resource", failure.ID).Msg("resource failed to start")
	}
	logger.Info().
		Int("succeeded", len(started.Succeeded)).
		Int("failed", len(started.Failed)).
		Msg("startup complete")

	server.Start(ctx, logger, mgr, metricsCollector, cfg.HTTPPort)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	stopped := mgr.StopAll(context.Background())
	for _, failure := range stopped.Failed {
		logger.Error().Err(failure.Err).Str("resource", failure.ID).Msg("resource failed to stop cleanly")
	}
	logger.Info().
		Int("succeeded", len(stopped.Succeeded)).
		Int("failed", len(stopped.Failed)).
		Msg("shutdown complete")

	if len(stopped.Failed) > 0 {
		return fmt.Errorf("%d resources did not stop cleanly", len(stopped.Failed))
	}
	return nil
}

// buildSink fans events out to the log and any configured external sinks.
func buildSink(cfg config.Config, logger zerolog.Logger, m *metrics.Metrics) (events.Sink, error) {
	sinks := []events.Sink{events.NewLogSink(logger)}

	if cfg.WebhookURL != "" {
		webhook, err := events.NewWebhookSink(logger, cfg.WebhookURL, "")
		if err != nil {
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		sinks = append(sinks, webhook)
	}
	sinks = append(sinks, events.NewSlackSink(logger, cfg.SlackWebhookURL))

	return events.NewCountingSink(events.NewMultiSink(sinks...), m), nil
}

func buildResource(spec config.ResourceSpec, cfg config.Config, sink events.Sink, logger zerolog.Logger) (*resource.Resource, error) {
	resCfg := resource.Config{
		StartTimeout: spec.StartTimeout.Std(),
		ProbeTimeout: spec.ProbeTimeout.Std(),
	}
	if resCfg.StartTimeout <= 0 {
		resCfg.StartTimeout = cfg.StartTimeout
	}
	if resCfg.ProbeTimeout <= 0 {
		resCfg.ProbeTimeout = cfg.ProbeTimeout
	}

	var be resource.Backend
	switch spec.Kind {
	case "database":
		pg := backend.NewPostgres(spec.Database.DSN)
		be = pg
		if spec.Pool != nil {
			resCfg.Pool = &pool.Config{
				MinSize:        spec.Pool.MinSize,
				MaxSize:        spec.Pool.MaxSize,
				IdleTTL:        spec.Pool.IdleTTL.Std(),
				SweepInterval:  spec.Pool.SweepInterval.Std(),
				AcquireTimeout: spec.Pool.AcquireTimeout.Std(),
			}
			resCfg.Dial = pg.Dial()
		}
	case "api":
		api, err := backend.NewHTTPAPI(spec.API.BaseURL, spec.API.HealthPath, spec.API.Timeout.Std(), logger)
		if err != nil {
			return nil, err
		}
		be = api
	case "file":
		be = backend.NewFileStore(spec.File.Path)
	case "cache":
		be = backend.NewMemcache(spec.Cache.MaxEntries, spec.Cache.DefaultTTL.Std())
	default:
		return nil, fmt.Errorf("unsupported kind %s", spec.Kind)
	}

	if spec.Pool != nil && spec.Kind != "database" {
		logger.Warn().Str("resource", spec.ID).Str("kind", spec.Kind).Msg("pool section ignored for non-database resource")
	}

	return resource.New(spec.ID, spec.Kind, be, resCfg, sink, logger), nil
}
