package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jjs-dev/minion/internal/store"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently completed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			st, err := store.Open(cfg.HistoryDBPath)
			if err != nil {
				return fmt.Errorf("open history db: %w", err)
			}
			defer st.Close()

			records, err := st.ListRecent(limit)
			if err != nil {
				return fmt.Errorf("list recent jobs: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("no jobs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SANDBOX\tPROGRAM\tOUTCOME\tEXIT\tSUBMITTED")
			for _, r := range records {
				exit := "-"
				if r.ExitCode != nil {
					exit = fmt.Sprintf("%d", *r.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.SandboxID, r.Argv0, r.Outcome, exit, r.SubmittedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max jobs to show")
	return cmd
}
