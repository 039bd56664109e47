package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/workcoord/pkg/config"
	"github.com/cuemby/workcoord/pkg/consumer"
	"github.com/cuemby/workcoord/pkg/coordinator"
	"github.com/cuemby/workcoord/pkg/ids"
	"github.com/cuemby/workcoord/pkg/instance"
	"github.com/cuemby/workcoord/pkg/log"
	"github.com/cuemby/workcoord/pkg/metrics"
	"github.com/cuemby/workcoord/pkg/perspective"
	"github.com/cuemby/workcoord/pkg/publisher"
	"github.com/cuemby/workcoord/pkg/storage"
	"github.com/cuemby/workcoord/pkg/streams"
	"github.com/cuemby/workcoord/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coordinator",
	Short:   "Work Coordinator - lease-based outbox/inbox/perspective work queue engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"coordinator version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML configuration file (defaults are used if omitted)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator service: heartbeat, flush loop, publisher, consumer, perspective runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func loadConfig() (config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.Database.DSN == "" {
		return storage.NewMemStore(os.TempDir())
	}
	return storage.NewPostgresStore(ctx, cfg.Database.DSN, cfg.Database.Schema)
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("coordinator: open store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", func() (bool, string) {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return false, err.Error()
		}
		return true, "connected"
	})

	in := instance.New(store, instance.Config{
		ServiceName: cfg.ServiceName,
		StaleCutoff: cfg.StaleCutoff(),
	})
	if err := in.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: register instance: %w", err)
	}
	defer in.Stop()
	metrics.RegisterComponent("instance", func() (bool, string) {
		if !in.Healthy() {
			return false, "heartbeat stale"
		}
		return true, "registered"
	})

	registry := streams.New(store, in.ID(), streams.Config{
		PartitionCount: cfg.PartitionCount,
		StaleCutoff:    cfg.StaleCutoff(),
	})
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start stream registry: %w", err)
	}
	defer registry.Stop()

	broker := transport.NewInProcessBroker()
	defer broker.Close()
	if err := broker.Initialize(ctx); err != nil {
		return fmt.Errorf("coordinator: initialize transport: %w", err)
	}
	metrics.RegisterComponent("transport", func() (bool, string) {
		if broker.Closed() {
			return false, "broker closed"
		}
		return true, "initialized"
	})

	opts := coordinator.Options{
		InstanceID:         in.ID(),
		LeaseSeconds:       cfg.LeaseSeconds,
		PartitionCount:     cfg.PartitionCount,
		StaleCutoffSeconds: cfg.StaleCutoffSeconds,
		BatchSize:          cfg.BatchSize,
		DebugMode:          cfg.DebugMode,
	}

	pub := publisher.New(coordinator.New(store, opts), broker, publisher.Config{MaxAttempts: cfg.MaxAttempts})
	pub.Start(ctx)
	defer pub.Stop()

	con := consumer.New(store, opts, broker, consumer.Config{
		Destination: "events",
		HandlerName: "default",
		MaxAttempts: cfg.MaxAttempts,
	}, echoReceptor, nil, registry)
	if err := con.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start consumer: %w", err)
	}
	defer con.Stop()

	persp := perspective.New(store, coordinator.New(store, opts), identityProjection, perspective.Config{Name: "default"})
	persp.Start(ctx)
	defer persp.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics and health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("metrics server error")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server did not shut down cleanly")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// echoReceptor is the default receptor wired by `coordinator serve` when
// no embedding application has replaced it: it acknowledges receipt and
// produces no side-effecting outbox messages. Real deployments of this
// library provide their own Receptor.
func echoReceptor(ctx context.Context, payload []byte, hops []ids.Hop) ([]storage.OutboxInsert, error) {
	return nil, nil
}

// identityProjection is the default Projection wired by `coordinator
// serve`: it leaves the model untouched. Real deployments provide their
// own projection logic per perspective.
func identityProjection(ctx context.Context, streamID string, model []byte, event storage.EventRecord) ([]byte, error) {
	return model, nil
}
