package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRunsCmd(root *rootOptions) *cobra.Command {
	var logdir string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List training runs recorded in the run registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := OpenRunRegistry(filepath.Join(logdir, "runs.db"))
			if err != nil {
				return err
			}
			defer reg.Close()

			runs, err := reg.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODEL\tTASK\tSTATUS\tEPOCHS\tBEST\tSTARTED")
			for _, r := range runs {
				best := "-"
				if r.BestMetric != 0 {
					best = fmt.Sprintf("%.4f", r.BestMetric)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID[:8], r.Name, r.Model, r.TaskType, r.Status,
					r.Epochs, best, r.Started.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&logdir, "logdir", "logs", "log directory containing the run registry")
	return cmd
}
