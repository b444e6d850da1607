// routemesh is the resilient failover routing node and data replicator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/routemesh/routemesh/internal/api"
	"github.com/routemesh/routemesh/internal/cache"
	"github.com/routemesh/routemesh/internal/config"
	"github.com/routemesh/routemesh/internal/mesh"
	"github.com/routemesh/routemesh/internal/metrics"
	"github.com/routemesh/routemesh/internal/region"
	"github.com/routemesh/routemesh/internal/replicate"
	"github.com/routemesh/routemesh/internal/router"
	"github.com/routemesh/routemesh/internal/store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routemesh",
		Short: "RouteMesh - failover request router and multi-source replicator",
		Long: `RouteMesh routes requests across regional backends with automatic
failover, falling back to a local response cache and a UDP peer mesh when
regions are unreachable. It also replicates data from multiple independent
sources with cross-validation and conflict resolution.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "routemesh.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing node",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	replicateCmd := &cobra.Command{
		Use:   "replicate <data-type>",
		Short: "Fetch and reconcile one datum from the configured sources",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplicate,
	}
	replicateCmd.Flags().StringToString("param", nil, "Query parameters passed to each source (key=value)")
	rootCmd.AddCommand(replicateCmd)

	gapsCmd := &cobra.Command{
		Use:   "gaps",
		Short: "Detect and fill gaps in replicated data",
	}
	gapsDetectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Report gaps in the replica record timeline",
		RunE:  runGaps(false),
	}
	gapsFillCmd := &cobra.Command{
		Use:   "fill <data-type>",
		Short: "Re-replicate data for each detected gap",
		Args:  cobra.ExactArgs(1),
		RunE:  runGaps(true),
	}
	for _, c := range []*cobra.Command{gapsDetectCmd, gapsFillCmd} {
		c.Flags().Duration("interval", time.Minute, "Expected interval between records")
		c.Flags().String("table", "replica_records", "Table to scan")
		c.Flags().String("column", "replicated_at", "Timestamp column to scan")
	}
	gapsFillCmd.Flags().StringToString("param", nil, "Query parameters passed to each source (key=value)")
	gapsCmd.AddCommand(gapsDetectCmd, gapsFillCmd)
	rootCmd.AddCommand(gapsCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("routemesh %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, *config.ParsedDurations, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel == "info" && cfg.LogLevel != "" {
		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	durations, err := cfg.Durations()
	if err != nil {
		return nil, nil, err
	}
	return cfg, durations, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, durations, err := loadConfig()
	if err != nil {
		return err
	}

	m := metrics.InitMetrics(cfg.NodeID)

	regions := region.FromConfig(cfg.Regions)
	tracker := region.NewTracker(regions, cfg.MaxFailures,
		durations.HealthCheckTimeout, durations.HealthCheckInterval, m)
	responseCache := cache.New(cfg.Cache.MaxSize, durations.CacheTTL, m)

	registry := mesh.NewRegistry(cfg.Mesh.MaxPeers, m)
	broadcastAddr := cfg.Mesh.BroadcastAddr
	if broadcastAddr == "none" {
		broadcastAddr = ""
	}
	transport := mesh.NewTransport(mesh.Config{
		NodeID:            cfg.NodeID,
		DiscoveryPort:     cfg.Mesh.DiscoveryPort,
		MeshPort:          cfg.Mesh.MeshPort,
		BroadcastAddr:     broadcastAddr,
		SeedPeers:         cfg.Mesh.SeedPeers,
		HeartbeatInterval: durations.HeartbeatInterval,
	}, registry, responseCache)
	if err := transport.Start(); err != nil {
		return fmt.Errorf("start mesh transport: %w", err)
	}
	defer func() { _ = transport.Close() }()

	rt := router.New(tracker, responseCache, transport,
		durations.HealthCheckTimeout, durations.MeshQueryTimeout, m)

	server := api.NewServer(cfg.NodeID, rt, tracker, registry, responseCache)
	if err := server.Start(cfg.Listen); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}
	defer func() { _ = server.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tracker.RunHealthChecks(ctx)
	go transport.RunAnnounce(ctx)
	go transport.RunReaper(ctx)

	log.Info().
		Str("node_id", cfg.NodeID).
		Str("listen", cfg.Listen).
		Int("regions", len(regions)).
		Int("discovery_port", cfg.Mesh.DiscoveryPort).
		Int("mesh_port", transport.MeshPort()).
		Msg("routemesh node started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down...")
	cancel()
	return nil
}

// buildReplicator assembles a replicator from config: configured HTTP sources
// plus PostgreSQL persistence when a DSN is set, an in-memory store otherwise.
func buildReplicator(ctx context.Context, cfg *config.Config, durations *config.ParsedDurations) (*replicate.Replicator, func(), error) {
	var recordStore store.RecordStore
	cleanup := func() {}

	if dsn := cfg.Replication.PostgresDSN; dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		recordStore = pg
		cleanup = pg.Close
	} else {
		recordStore = store.NewMemoryStore()
	}

	r := replicate.New(replicate.Options{
		Strategy:     cfg.Replication.Strategy,
		MaxVariance:  cfg.Replication.MaxVariance,
		MinSources:   cfg.Replication.MinSources,
		FetchTimeout: durations.FetchTimeout,
	}, recordStore, nil)

	client := &http.Client{Timeout: durations.FetchTimeout}
	if err := replicate.RegisterConfigured(r, client, cfg.Replication.Sources); err != nil {
		cleanup()
		return nil, nil, err
	}
	return r, cleanup, nil
}

func runReplicate(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, durations, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Replication.Sources) == 0 {
		return fmt.Errorf("no replication sources configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r, cleanup, err := buildReplicator(ctx, cfg, durations)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := r.Replicate(ctx, args[0], flagParams(cmd))
	if err != nil {
		return err
	}

	fmt.Printf("value:         %g\n", outcome.Value)
	fmt.Printf("strategy:      %s\n", outcome.Strategy)
	fmt.Printf("sources:       %d (%v)\n", len(outcome.Samples), outcome.Sources())
	fmt.Printf("mean:          %g\n", outcome.Mean)
	fmt.Printf("max deviation: %.4f\n", outcome.MaxDeviation)
	if outcome.Conflict {
		fmt.Println("conflict:      yes (deviation exceeded max variance)")
	}
	return nil
}

// flagParams converts repeated --param key=value flags into fetch params,
// parsing numeric values.
func flagParams(cmd *cobra.Command) map[string]any {
	raw, _ := cmd.Flags().GetStringToString("param")
	params := make(map[string]any, len(raw))
	for k, v := range raw {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params[k] = f
		} else {
			params[k] = v
		}
	}
	return params
}

func runGaps(fill bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		setupLogging()

		cfg, durations, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Replication.PostgresDSN == "" {
			return fmt.Errorf("gap scanning requires replication.postgres_dsn")
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		table, _ := cmd.Flags().GetString("table")
		column, _ := cmd.Flags().GetString("column")

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		r, cleanup, err := buildReplicator(ctx, cfg, durations)
		if err != nil {
			return err
		}
		defer cleanup()

		gaps, err := r.DetectGaps(ctx, table, column, interval)
		if err != nil {
			return err
		}
		if len(gaps) == 0 {
			fmt.Println("no gaps detected")
			return nil
		}

		for _, g := range gaps {
			fmt.Printf("gap: %s -> %s (%.0fs)\n",
				g.PreviousTime.Format(time.RFC3339),
				g.CurrentTime.Format(time.RFC3339),
				g.GapSeconds)
		}

		if !fill {
			return nil
		}
		if len(cfg.Replication.Sources) == 0 {
			return fmt.Errorf("gap filling requires configured replication sources")
		}
		filled := r.FillGaps(ctx, args[0], gaps, flagParams(cmd))
		fmt.Printf("filled %d of %d gaps\n", filled, len(gaps))
		return nil
	}
}
