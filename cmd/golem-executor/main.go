package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/golemcloud/golem-sub021/pkg/api"
	"github.com/golemcloud/golem-sub021/pkg/config"
	"github.com/golemcloud/golem-sub021/pkg/executor"
	"github.com/golemcloud/golem-sub021/pkg/log"
	"github.com/golemcloud/golem-sub021/pkg/metrics"
	"github.com/golemcloud/golem-sub021/pkg/runtime"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "golem-executor",
	Short: "Golem executor - durable WebAssembly worker host",
	Long: `The Golem executor hosts durable WebAssembly workers: every
non-deterministic effect is journaled to a per-worker oplog, and a worker
lost to a crash or shard reassignment is reconstructed anywhere by
replaying its log.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"golem-executor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (YAML)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSONOutput,
		})
		metrics.Register()

		// The engine core does not compile components; production
		// builds plug a WebAssembly engine in here.
		exec, err := executor.New(cfg, runtime.EchoSandboxFactory)
		if err != nil {
			return err
		}
		exec.Start()

		server := api.NewServer(exec)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return server.Start(cfg.Server.ListenAddr)
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Errorf("API shutdown failed", err)
			}
			return exec.Close()
		})

		log.Info("Executor running; press Ctrl+C to stop")
		return group.Wait()
	},
}
