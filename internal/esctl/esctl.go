// Package esctl implements the evaluation server's operator CLI surface:
// run, destroy, get_workers_status, add_worker, del_worker, enable_worker,
// exit_worker.
package esctl

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CNITV/cms/internal/config"
	"github.com/CNITV/cms/internal/contest"
	"github.com/CNITV/cms/internal/dispatcher"
	"github.com/CNITV/cms/internal/evalserver"
	"github.com/CNITV/cms/internal/metrics"
	"github.com/CNITV/cms/internal/queue"
	"github.com/CNITV/cms/internal/rpc"
	"github.com/CNITV/cms/internal/store"
	"github.com/CNITV/cms/internal/workerclient"
	"github.com/CNITV/cms/internal/workerpool"
	"github.com/CNITV/cms/pkg/types"
)

var log = slog.Default()

var (
	configFile string
	serverAddr string
)

// BuildCLI assembles the esctl root command and its subcommands.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "esctl",
		Short:   "Operator CLI for the evaluation server",
		Version: "1.0.0",
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	root.PersistentFlags().StringVar(&serverAddr, "server", "", "evaluation server RPC base URL (default: derived from config)")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildDestroyCommand())
	root.AddCommand(buildGetWorkersStatusCommand())
	root.AddCommand(buildAddWorkerCommand())
	root.AddCommand(buildDelWorkerCommand())
	root.AddCommand(buildEnableWorkerCommand())
	root.AddCommand(buildExitWorkerCommand())

	return root
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// rpcClient builds an internal/rpc.Client against either the explicit
// --server override or the evaluation_server address in the config file.
func rpcClient() (*rpc.Client, error) {
	if serverAddr != "" {
		return rpc.NewClient(serverAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return rpc.NewClient("http://" + cfg.BindAddress()), nil
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the evaluation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return RunServer(cfg)
		},
	}
}

func buildDestroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Trigger a graceful shutdown (self_destruct)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rpcClient()
			if err != nil {
				return err
			}
			return client.SelfDestruct(cmd.Context())
		},
	}
}

func buildGetWorkersStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get_workers_status",
		Short: "Print the status of every registered worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rpcClient()
			if err != nil {
				return err
			}
			status, err := client.GetWorkersStatus(cmd.Context())
			if err != nil {
				return err
			}
			for id, s := range status {
				job := "-"
				if s.Job != nil {
					job = *s.Job
				}
				fmt.Printf("worker %s: %s:%d job=%s errors=%d\n", id, s.Host, s.Port, job, s.ErrorCount)
			}
			return nil
		},
	}
}

func parseWorkerArgs(args []string) (int, string, int, error) {
	var id, port int
	var host string
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		return 0, "", 0, fmt.Errorf("invalid worker id %q: %w", args[0], err)
	}
	if len(args) > 1 {
		host = args[1]
	}
	if len(args) > 2 {
		if _, err := fmt.Sscanf(args[2], "%d", &port); err != nil {
			return 0, "", 0, fmt.Errorf("invalid port %q: %w", args[2], err)
		}
	}
	return id, host, port, nil
}

func buildAddWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add_worker n host port",
		Short: "Register a new INACTIVE worker",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, host, port, err := parseWorkerArgs(args)
			if err != nil {
				return err
			}
			client, err := rpcClient()
			if err != nil {
				return err
			}
			return client.AddWorker(cmd.Context(), id, host, port)
		},
	}
}

func buildDelWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "del_worker n",
		Short: "Remove a DISABLED worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _, _, err := parseWorkerArgs(args)
			if err != nil {
				return err
			}
			client, err := rpcClient()
			if err != nil {
				return err
			}
			return client.DelWorker(cmd.Context(), id)
		},
	}
}

func buildEnableWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable_worker n",
		Short: "Re-enable a DISABLED worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _, _, err := parseWorkerArgs(args)
			if err != nil {
				return err
			}
			client, err := rpcClient()
			if err != nil {
				return err
			}
			return client.EnableWorker(cmd.Context(), id)
		},
	}
}

func buildExitWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exit_worker host port reason",
		Short: "Best-effort ask a worker to shut down directly",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var port int
			if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			addr := types.Address{Host: args[0], Port: port}
			wc := workerclient.NewClient(10 * time.Second)
			return wc.ShutDown(cmd.Context(), addr, args[2])
		},
	}
}

// sampleMetrics periodically snapshots queue length and worker pool state
// into collector's gauges. It has no stop condition and keeps sampling
// until the process exits.
func sampleMetrics(collector *metrics.Collector, disp *dispatcher.Dispatcher) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		collector.SetQueueLength(disp.QueueLength())
		inactive, busy, disabled := disp.WorkerCounts()
		collector.SetWorkerCounts(inactive, busy, disabled)
		collector.SetBombPrimed(disp.BombPrimed())
	}
}

// RunServer wires the full evaluation server system from cfg and blocks
// until the shutdown barrier drains or an OS signal arrives. Shared by
// the `esctl run` subcommand and the standalone cmd/evalserver binary.
func RunServer(cfg *config.Config) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(sigCtx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	q := queue.New()
	pool := workerpool.New()
	for i, addr := range cfg.WorkerAddresses() {
		if err := pool.AddWorker(types.WorkerID(i), addr); err != nil {
			return fmt.Errorf("failed to register worker %d: %w", i, err)
		}
	}

	wc := workerclient.NewClient(cfg.RPCTimeout)
	disp := dispatcher.New(q, pool, wc, cfg.RPCTimeout)

	econf := evalserver.DefaultConfig()
	if cfg.Retry.MaxCompilationTentatives > 0 {
		econf.MaxCompilationTentatives = cfg.Retry.MaxCompilationTentatives
	}
	if cfg.Retry.MaxEvaluationTentatives > 0 {
		econf.MaxEvaluationTentatives = cfg.Retry.MaxEvaluationTentatives
	}

	server := evalserver.New(st, contest.New(), disp, econf)
	if err := server.Startup(sigCtx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		disp.SetMetrics(collector)
		server.SetMetrics(collector)
		go sampleMetrics(collector, disp)
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	rpcServer := rpc.NewServer(server)
	httpServer := &http.Server{Addr: cfg.BindAddress(), Handler: rpcServer.Handler()}
	go func() {
		log.Info("starting RPC server", "addr", cfg.BindAddress())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("RPC server error", "error", err)
		}
	}()

	// The dispatcher loop and timeout supervisor run against their own
	// context, independent of the signal context: self_destruct still has
	// to be processed and the shutdown barrier still has to drain after a
	// signal arrives, so they must outlive sigCtx.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	go disp.Run(dispatchCtx)
	go disp.RunTimeoutSupervisor(dispatchCtx, cfg.WorkerTimeoutCheckTime, cfg.WorkerTimeout)

	select {
	case <-disp.Done():
		// self_destruct arrived over RPC and the barrier has drained.
		log.Info("shutdown barrier drained, all workers idle")
	case <-sigCtx.Done():
		log.Info("shutdown signal received, triggering self_destruct")
		if err := server.SelfDestruct(context.Background()); err != nil {
			log.Error("self_destruct failed", "error", err)
		}

		select {
		case <-disp.Done():
			log.Info("shutdown barrier drained, all workers idle")
		case <-time.After(cfg.WorkerTimeout + cfg.WorkerTimeoutCheckTime):
			log.Warn("shutdown barrier timed out waiting for workers to idle")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}
