package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ewiger/picostack/internal/api"
	"github.com/ewiger/picostack/internal/hypervisor"
	"github.com/ewiger/picostack/internal/lifecycle"
	"github.com/ewiger/picostack/internal/logging"
	"github.com/ewiger/picostack/internal/metrics"
	"github.com/ewiger/picostack/internal/ports"
	"github.com/ewiger/picostack/internal/registry"
	"github.com/ewiger/picostack/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop and the HTTP API",
	Long: `Run reclaims orphaned hypervisor processes, then ticks every
tick_interval: clone, start, stop and destroy instances, then check that
running instances still have a live process. The HTTP API serves on
api_addr unless it is empty.`,
	RunE: runDaemon,
}

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run a single reconciliation step (no heartbeat)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(nil, func(o *lifecycle.Orchestrator) error {
			return o.Step(cmd.Context())
		})
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Move running instances without a live process to terminating",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(nil, func(o *lifecycle.Orchestrator) error {
			return o.Heartbeat(cmd.Context())
		})
	},
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Kill hypervisor processes left behind by stopped instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOrchestrator(nil, func(o *lifecycle.Orchestrator) error {
			n, err := o.Reclaim(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d process(es)\n", n)
			return nil
		})
	},
}

// superviseCmd is the detached wrapper entry point started by Spawn.
var superviseCmd = &cobra.Command{
	Use:                "supervise --pidfile FILE --report FILE [--lock-timeout D] -- COMMAND",
	Short:              "Run a hypervisor command under a locked pidfile",
	Hidden:             true,
	DisableFlagParsing: true,
	Run: func(cmd *cobra.Command, args []string) {
		// The wrapper's stderr is the instance report; keep it to warnings.
		log := logging.New(logging.Config{Level: slog.LevelWarn, Output: os.Stderr}).WithComponent("wrapper")
		wa, err := supervisor.ParseWrapperArgs(args)
		if err != nil {
			log.Error("bad wrapper arguments", "err", err)
			os.Exit(supervisor.ExitUsage)
		}
		os.Exit(supervisor.RunWrapper(wa, log.Logger))
	},
}

// withOrchestrator opens the registry, builds an orchestrator and runs fn.
// reg may be nil for one-shot commands.
func withOrchestrator(reg prometheus.Registerer, fn func(*lifecycle.Orchestrator) error) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer db.Close()

	o, err := newOrchestrator(db, metrics.New(reg))
	if err != nil {
		return err
	}
	return fn(o)
}

func newOrchestrator(db *registry.DB, m *metrics.Registry) (*lifecycle.Orchestrator, error) {
	platform, err := hypervisor.ParsePlatform(cfg.Platform)
	if err != nil {
		return nil, err
	}
	alloc, err := ports.New(cfg.FirstPort, cfg.LastPort, db)
	if err != nil {
		return nil, err
	}
	builder, err := hypervisor.NewBuilder(platform, cfg.Executable(cfg.Platform), alloc)
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Options{
		SpawnTries:   cfg.SpawnTries,
		PollInterval: cfg.SpawnPollInterval,
		LockTimeout:  cfg.LockTimeout,
		Logger:       logger.WithComponent("supervisor").Logger,
	})
	if err != nil {
		return nil, err
	}
	return lifecycle.New(lifecycle.Options{
		Config:     cfg,
		Store:      db,
		Builder:    builder,
		Supervisor: sup,
		Metrics:    m,
		Logger:     logger.WithComponent("lifecycle").Logger,
	}), nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer db.Close()

	o, err := newOrchestrator(db, metrics.New(reg))
	if err != nil {
		return err
	}

	logger.Info("picostack starting",
		"state_dir", cfg.StateDir,
		"platform", cfg.Platform,
		"ports", fmt.Sprintf("[%d, %d)", cfg.FirstPort, cfg.LastPort),
		"tick", cfg.TickInterval)

	var server *api.Server
	if cfg.APIAddr != "" {
		server = api.NewServer(db, reg, logger.WithComponent("api").Logger)
		if err := server.Start(cfg.APIAddr); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	err = o.Run(ctx, cfg.TickInterval)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := server.Stop(shutdownCtx); serr != nil {
			logger.Warn("api shutdown", "err", serr)
		}
	}
	logger.Info("picostack stopped")
	if ctx.Err() != nil {
		return nil
	}
	return err
}
