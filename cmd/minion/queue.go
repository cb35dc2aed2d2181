package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jjs-dev/minion/internal/logging"
	"github.com/jjs-dev/minion/internal/queue"
	"github.com/jjs-dev/minion/sandbox/linux"
)

func queueCmd() *cobra.Command {
	var concurrency int64
	var rps float64

	cmd := &cobra.Command{
		Use:   "queue [dir]",
		Short: "Watch a directory for *.job.yaml files and run each as a sandboxed job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if len(args) == 1 {
				cfg.QueueDir = args[0]
			}

			if err := os.MkdirAll(cfg.QueueDir, 0755); err != nil {
				return fmt.Errorf("create queue dir: %w", err)
			}

			backend, err := linux.NewBackend(linux.BackendConfig{
				MaxConcurrentSandboxes: concurrency,
				CgroupfsRoot:           cfg.CgroupfsRoot,
				DriverPreference:       cfg.DriverPreference,
			})
			if err != nil {
				return fmt.Errorf("select resource driver: %w", err)
			}
			defer backend.Close()

			w := &queue.Watcher{
				Dir:           cfg.QueueDir,
				Backend:       backend,
				Logger:        logging.Log,
				IsolationRoot: cfg.IsolationRoot,
				Concurrency:   concurrency,
				RatePerSecond: rps,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logging.Info("queue watcher starting", "dir", cfg.QueueDir)
			return w.Run(ctx)
		},
	}

	cmd.Flags().Int64Var(&concurrency, "concurrency", 8, "max simultaneously running jobs")
	cmd.Flags().Float64Var(&rps, "rate", 4, "max new jobs accepted per second")
	return cmd
}
