package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/billetlabs/billet/pkg/api"
	"github.com/billetlabs/billet/pkg/cloud"
	"github.com/billetlabs/billet/pkg/config"
	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/ports"
	"github.com/billetlabs/billet/pkg/reconciler"
	"github.com/billetlabs/billet/pkg/scheduler"
	"github.com/billetlabs/billet/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a control plane node",
	Long: `Run a Billet control plane node.

The node serves the HTTP API, campaigns for the scheduler and
reconciler leases, and (when cluster.bind_addr is configured)
participates in the replicated coordination store. With an empty
cluster section it runs standalone, which is the usual shape for
development and single-region deployments.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "billet.yaml", "Configuration file")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("server")
	api.Version = Version

	// Construction runs stores-out: documents, then the event broker that
	// archives into them, then the coordination store everything else
	// reads and writes through.
	docs, err := storage.NewDocStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}

	broker := events.NewBroker(docs)
	broker.Start()

	mgr, err := manager.New(manager.Config{
		NodeID:   cfg.Node.ID,
		BindAddr: cfg.Cluster.BindAddr,
		DataDir:  cfg.Storage.DataDir,
	})
	if err != nil {
		return fmt.Errorf("open coordination store: %w", err)
	}

	if cfg.Cluster.Bootstrap {
		if err := mgr.Bootstrap(); err != nil {
			return err
		}
	} else if len(cfg.Cluster.JoinAddrs) > 0 {
		if err := mgr.Join(cfg.Cluster.JoinAddrs, cfg.API.InternalToken); err != nil {
			return err
		}
	}

	if cfg.API.InternalToken != "" {
		mgr.Tokens().Admit(cfg.API.InternalToken, manager.RoleController)
	}

	state := manager.NewState(mgr.KV(), docs, broker, ports.NewAllocator(mgr.KV()))

	if err := state.SeedTemplates(cfg.WorkerTemplates()); err != nil {
		return fmt.Errorf("seed worker templates: %w", err)
	}
	if cfg.DefinitionsDir != "" {
		defs, err := config.LoadDefinitionManifests(cfg.DefinitionsDir)
		if err != nil {
			return err
		}
		if err := state.SeedDefinitions(cmd.Context(), defs); err != nil {
			return err
		}
	}

	provider, err := buildProvider(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build cloud provider: %w", err)
	}

	collector := manager.NewMetricsCollector(mgr, state)
	collector.Start()

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	sched := scheduler.New(state, mgr.KV(), scheduler.Config{
		NodeID:   cfg.Node.ID,
		LeaseTTL: cfg.Scheduler.LeaseTTL.Std(),
		Tick:     cfg.Scheduler.Tick.Std(),
		LeadTime: cfg.Scheduler.LeadTime.Std(),
	})
	recon := reconciler.New(state, mgr.KV(), provider, reconciler.Config{
		NodeID:              cfg.Node.ID,
		LeaseTTL:            cfg.Scheduler.LeaseTTL.Std(),
		Tick:                cfg.Controller.Tick.Std(),
		ScaleDownGrace:      cfg.Controller.ScaleDownGrace.Std(),
		TotalLeadTime:       cfg.Controller.TotalLeadTime.Std(),
		DrainTimeoutDefault: cfg.Controller.DrainTimeoutDefault.Std(),
		TelemetryInterval:   cfg.Telemetry.PollInterval.Std(),
		ArchivedAfter:       cfg.Retention.ArchivedAfter.Std(),
		PurgeAfter:          cfg.Retention.PurgeAfter.Std(),
		EventRetention:      cfg.Retention.Events.Std(),
		TagPrefix:           cfg.Cloud.TagPrefix,
	})

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		_ = sched.Run(loopCtx)
	}()
	go func() {
		defer loops.Done()
		_ = recon.Run(loopCtx)
	}()

	apiSrv := api.NewServer(state, mgr, broker)
	opsSrv := api.NewHealthServer(state, mgr, broker)

	errCh := make(chan error, 2)
	go func() {
		if err := apiSrv.Start(cfg.API.ListenAddr); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := opsSrv.Start(cfg.API.MetricsListenAddr); err != nil {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	logger.Info().
		Str("node_id", cfg.Node.ID).
		Str("listen_addr", cfg.API.ListenAddr).
		Str("metrics_addr", cfg.API.MetricsListenAddr).
		Bool("replicated", mgr.Replicated()).
		Str("provider", cfg.Cloud.Provider).
		Msg("control plane running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed, shutting down")
	}

	// Teardown winds down the control loops first, then the broker so its
	// shutdown sentinel closes every stream and the SSE handlers return;
	// only then can the HTTP servers drain inside their deadline. The
	// document store closes last because every publish archives into it.
	stopLoops()
	loops.Wait()
	collector.Stop()
	broker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown")
	}
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("ops server shutdown")
	}

	if err := mgr.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("coordination store shutdown")
	}
	if err := docs.Close(); err != nil {
		logger.Warn().Err(err).Msg("document store close")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func buildProvider(ctx context.Context, cfg *config.Config) (cloud.Provider, error) {
	switch cfg.Cloud.Provider {
	case "fake":
		return cloud.NewFake(), nil
	default:
		return cloud.NewAWSProvider(ctx, cfg.Cloud)
	}
}
