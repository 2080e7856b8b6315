package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/datavision/easystore/internal/logger"
	"github.com/datavision/easystore/internal/telemetry"
	"github.com/datavision/easystore/pkg/config"
	"github.com/datavision/easystore/pkg/metastore"
	"github.com/datavision/easystore/pkg/metrics"
	promsink "github.com/datavision/easystore/pkg/metrics/prometheus"
	"github.com/datavision/easystore/pkg/naming"
	"github.com/datavision/easystore/pkg/objstore"
	"github.com/datavision/easystore/pkg/objstore/s3"
	"github.com/datavision/easystore/pkg/ops"
	"github.com/datavision/easystore/pkg/packer"
	"github.com/datavision/easystore/pkg/packer/recovery"
	"github.com/datavision/easystore/pkg/sharding"
	"github.com/datavision/easystore/pkg/source"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Easy Store pod",
	Long: `Start an Easy Store pod: the packing loop over this pod's shard block,
the periodic crash recovery sweeper, and the operational HTTP server.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/easystore/config.yaml.

Examples:
  # Start with default config
  des start

  # Start with custom config file
  des start --config /etc/easystore/config.yaml

  # Start with environment variable overrides
  DES_LOGGING_LEVEL=DEBUG des start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Cancelled on SIGINT/SIGTERM; everything below shuts down through it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "easystore",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "easystore",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Easy Store starting",
		"version", Version,
		"pod", cfg.PodName,
		"ordinal", cfg.PodOrdinal,
		"pods", cfg.PodCount)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	var (
		sink     metrics.Sink
		registry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		s := promsink.NewSink(nil)
		sink = s
		registry = s.Registry()
		logger.Info("Metrics enabled", "port", cfg.Ops.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	readiness := metrics.NewReadiness(3 * cfg.Packer.LeaseTTL)
	readiness.Expect(metrics.ComponentMetastore, metrics.ComponentObjstore)

	store, err := metastore.New(&cfg.Metastore)
	if err != nil {
		return fmt.Errorf("failed to open metastore: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("Metastore connected", "type", cfg.Metastore.Type)

	objects, err := s3.Open(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	logger.Info("Object store connected",
		"endpoint", cfg.S3.Endpoint,
		"region", cfg.S3.Region,
		"bucket", cfg.Packer.ArchiveBucket)

	providers := make([]*source.Provider, 0, len(cfg.Sources))
	defer func() {
		for _, p := range providers {
			_ = p.Close()
		}
	}()
	for i := range cfg.Sources {
		p, err := source.New(cfg.Sources[i], objects, cfg.PodName)
		if err != nil {
			return fmt.Errorf("failed to open source %q: %w", cfg.Sources[i].Name, err)
		}
		providers = append(providers, p)
		if err := p.Ping(ctx); err != nil {
			logger.Warn("Source unreachable at startup", "source", p.Name(), "error", err)
		} else {
			logger.Info("Source connected", "source", p.Name())
		}
	}
	if len(providers) == 0 {
		logger.Warn("No sources configured; the packer will idle")
	}

	generator, err := naming.New(naming.Config{
		Prefix: naming.ContainerPrefix,
		NodeID: cfg.NodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to create name generator: %w", err)
	}

	fileSources := make([]packer.FileSource, len(providers))
	resetters := make([]recovery.ClaimResetter, len(providers))
	for i, p := range providers {
		fileSources[i] = p
		resetters[i] = p
	}

	pk, err := packer.New(cfg.Packer, store, objects, fileSources, generator,
		packer.WithOwner(cfg.PodName),
		packer.WithSink(sink),
		packer.WithReadiness(readiness))
	if err != nil {
		return fmt.Errorf("failed to create packer: %w", err)
	}

	sweeper := recovery.New(cfg.Recovery, store, objects, resetters,
		recovery.WithSink(sink))

	assignment, err := sharding.Assign(cfg.PodOrdinal, cfg.PodCount, cfg.Packer.ShardBits)
	if err != nil {
		return fmt.Errorf("failed to compute shard assignment: %w", err)
	}
	logger.Info("Shard block assigned",
		"first", assignment.Shards[0],
		"last", assignment.Shards[len(assignment.Shards)-1],
		"count", len(assignment.Shards))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pk.Run(gctx, assignment)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		probeLoop(gctx, readiness, store, objects, cfg.Packer.ArchiveBucket)
		return nil
	})
	if configPath := resolvedConfigPath(); configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(next *config.Config) {
				if next.Logging.Level != cfg.Logging.Level {
					logger.SetLevel(next.Logging.Level)
					logger.Info("Log level changed", "level", next.Logging.Level)
					cfg.Logging.Level = next.Logging.Level
				}
			})
		})
	}
	if cfg.Ops.Enabled {
		opsServer := ops.NewServer(cfg.Ops, readiness, registry)
		logger.Info("Ops server configured", "port", cfg.Ops.Port)
		g.Go(func() error {
			return opsServer.Start(gctx)
		})
	}

	logger.Info("Pod is running. Press Ctrl+C to stop.")

	err = g.Wait()
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Pod stopped with error", "error", err)
		return err
	}
	logger.Info("Pod stopped gracefully")
	return nil
}

// resolvedConfigPath returns the config file the pod was started from, or
// empty when running on pure defaults with no file to watch.
func resolvedConfigPath() string {
	if path := GetConfigFile(); path != "" {
		return path
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return ""
}

// probeLoop keeps the metastore and object store readiness components fresh.
// A Head on a key that does not exist still proves the endpoint, the bucket
// and the credentials, so ErrNotFound counts as healthy.
func probeLoop(ctx context.Context, r *metrics.Readiness, store *metastore.Store, objects objstore.Store, bucket string) {
	const probeInterval = 30 * time.Second

	probe := func() {
		if err := store.Ping(ctx); err != nil {
			r.MarkFailed(metrics.ComponentMetastore, err)
		} else {
			r.MarkOK(metrics.ComponentMetastore)
		}

		_, err := objects.Head(ctx, bucket, ".des-probe")
		if err != nil && !errors.Is(err, objstore.ErrNotFound) {
			r.MarkFailed(metrics.ComponentObjstore, err)
		} else {
			r.MarkOK(metrics.ComponentObjstore)
		}
	}

	probe()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
