// Command minion runs a single untrusted program inside a strongly
// isolated sandbox (namespaces, cgroups, seccomp, rlimits) and reports
// its exit status and resource usage, or watches a directory for
// batches of such jobs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jjs-dev/minion/internal/config"
	"github.com/jjs-dev/minion/internal/logging"
)

var configPath string

func main() {
	// The zygote re-exec (see sandbox/linux/zygote_host.go) invokes this
	// same binary as `minion __zygote <encoded-config>`. Intercept it
	// before cobra ever sees argv — RunZygoteGuest never returns.
	if len(os.Args) >= 3 && os.Args[1] == "__zygote" {
		runZygoteGuest(os.Args[2])
		return
	}

	root := &cobra.Command{
		Use:           "minion",
		Short:         "sandbox runner for untrusted programs",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/minion/config.yaml)")

	root.AddCommand(
		runCmd(),
		queueCmd(),
		doctorCmd(),
		historyCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(cfg.LogLevel, ""); err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logging: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
