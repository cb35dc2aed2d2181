package main

import (
	"fmt"
	"text/tabwriter"

	"os"

	"github.com/spf13/cobra"

	"github.com/jjs-dev/minion/sandbox/linux"
)

// doctorCmd reports which resource driver this host can actually
// enforce and why the others were rejected. Grounded on the teacher's
// cmd/wt/doctor.go diagnostic-table style (tabwriter, "not reachable"
// vs "reachable at" phrasing), generalized from agent/API-key checks
// to resource-driver smoke checks.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check which resource driver this host supports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			report := linux.Doctor()

			fmt.Println("minion doctor")
			fmt.Println()

			fmt.Println("Resource drivers:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, name := range []string{"cgroupv2", "cgroupv1", "rlimit"} {
				if name == report.AvailableDriver {
					fmt.Fprintf(w, "  %s\tusable (selected)\n", name)
					continue
				}
				if msg, rejected := report.CandidateErrors[name]; rejected {
					fmt.Fprintf(w, "  %s\trejected: %s\n", name, msg)
				} else {
					fmt.Fprintf(w, "  %s\tnot probed\n", name)
				}
			}
			w.Flush()
			fmt.Println()

			for _, n := range report.Notes {
				fmt.Println(n)
			}

			fmt.Println()
			fmt.Println("Config:")
			fmt.Printf("  isolation_root:   %s\n", cfg.IsolationRoot)
			fmt.Printf("  queue_dir:        %s\n", cfg.QueueDir)
			fmt.Printf("  history_db_path:  %s\n", cfg.HistoryDBPath)
			fmt.Printf("  log_level:        %s\n", cfg.LogLevel)

			return nil
		},
	}
}
