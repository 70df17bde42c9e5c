package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/client"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/driver"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/provider"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/cuemby/foreman/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - Distributed orchestration for parallel coding-agent sessions",
	Long: `Foreman coordinates fleets of isolated coding-agent executors.

A driver holds the task queue, worker registry, and session registry;
workers execute tasks in pooled agent processes or one-shot containers
and report progress back over HTTP.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("endpoint", "http://127.0.0.1:8080", "Driver API endpoint")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(driverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sessionCmd)
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: false})
}

func apiClient(cmd *cobra.Command) *client.Client {
	endpoint, _ := cmd.Flags().GetString("endpoint")
	return client.New(endpoint, 30*time.Second)
}

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Run the Foreman driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadDriver(configPath)
		if err != nil {
			return err
		}

		var store *storage.Store
		if cfg.DataDir != "" {
			store, err = storage.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("failed to open checkpoint store: %v", err)
			}
		}

		d := driver.New(driver.Config{
			DriverID:           cfg.DriverID,
			MaxConcurrentTasks: cfg.MaxConcurrentTasks,
			TaskTimeout:        cfg.TaskTimeout(),
			HealthInterval:     cfg.HealthInterval(),
			RequestTimeout:     cfg.AggregationTimeout(),
			RetryFailedTasks:   cfg.Retries(),
			Scheduler: scheduler.Config{
				Strategy:            scheduler.Strategy(cfg.Scheduler.LoadBalancingStrategy),
				PriorityWeights:     cfg.Scheduler.Weights(),
				CategoryAffinities:  cfg.Scheduler.Affinities(),
				RetryAttempts:       cfg.Scheduler.RetryAttempts,
				RetryDelay:          cfg.Scheduler.RetryDelay(),
				EnableDecomposition: cfg.Decomposition(),
				EnableMerging:       cfg.Merging(),
			},
		}, store)

		server := driver.NewServer(d, driver.ServerConfig{
			Addr:       cfg.Addr(),
			CORSOrigin: cfg.CORSOrigin,
		})

		d.Start()
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		fmt.Printf("Driver %s listening on %s\n", cfg.DriverID, cfg.Addr())
		waitForSignal(errCh)

		server.Stop()
		d.Stop()
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Foreman worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadWorker(configPath)
		if err != nil {
			return err
		}

		providerCfg := provider.Config{
			DefaultMode:   types.ExecutionMode(cfg.ExecutionMode),
			MaxConcurrent: cfg.MaxConcurrentTasks,
		}
		if pp := cfg.ProcessPool; pp != nil {
			providerCfg.Process = &provider.ProcessPoolConfig{
				MaxProcesses:   pp.MaxProcesses,
				AgentPath:      pp.AgentPath,
				WorkspaceRoot:  pp.WorkspaceRoot,
				ReuseProcesses: pp.ReuseProcesses,
				ProcessTimeout: time.Duration(pp.ProcessTimeoutSeconds) * time.Second,
			}
		}
		if cc := cfg.Container; cc != nil {
			docker, err := dockerclient.NewClientWithOpts(
				dockerclient.FromEnv,
				dockerclient.WithAPIVersionNegotiation(),
			)
			if err != nil {
				return fmt.Errorf("failed to create docker client: %v", err)
			}
			limits, err := cc.ResourceLimits.Parse()
			if err != nil {
				return err
			}
			autoRemove := cc.AutoRemove == nil || *cc.AutoRemove
			providerCfg.Container = &provider.ContainerPoolConfig{
				Client:     docker,
				Image:      cc.Image,
				Credential: cc.Credential,
				Env:        cc.Env,
				Resources:  limits,
				AutoRemove: autoRemove,
			}
		}

		p, err := provider.New(providerCfg)
		if err != nil {
			return err
		}

		wk := worker.New(worker.Config{
			ID:                  cfg.WorkerID,
			SupportedCategories: cfg.TaskCategories(),
			MaxConcurrentTasks:  cfg.MaxConcurrentTasks,
		}, p)
		server := worker.NewServer(wk, cfg.Addr())

		if cfg.DriverEndpoint != "" {
			if err := registerWithDriver(cfg, wk); err != nil {
				fmt.Printf("Warning: failed to register with driver: %v\n", err)
			}
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		fmt.Printf("Worker %s listening on %s\n", wk.ID(), cfg.Addr())
		waitForSignal(errCh)

		server.Stop()
		return nil
	},
}

// registerWithDriver announces the worker to the driver at startup.
func registerWithDriver(cfg *config.WorkerConfig, wk *worker.Worker) error {
	api := client.New(cfg.DriverEndpoint, cfg.RequestTimeout())
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	defer cancel()

	host := cfg.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return api.RegisterWorker(ctx, &types.WorkerInfo{
		ID:           wk.ID(),
		Endpoint:     fmt.Sprintf("http://%s:%d", host, cfg.Port),
		Status:       types.WorkerStatusIdle,
		Capabilities: wk.Capabilities(),
	})
}

func waitForSignal(errCh <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		}
	}
}

func init() {
	driverCmd.Flags().String("config", "", "Driver config file (YAML)")
	workerCmd.Flags().String("config", "", "Worker config file (YAML)")
}
