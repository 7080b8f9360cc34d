package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/lineage"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var status string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in backend order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}

			jobs := a.dashboard.Snapshot()
			if status != "" {
				want := domain.ParseStatus(status)
				filtered := jobs[:0]
				for _, job := range jobs {
					if job.Status == want {
						filtered = append(filtered, job)
					}
				}
				jobs = filtered
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending|running|completed|failed)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}

func printJobs(out io.Writer, jobs []domain.Job) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSTATUS\tCREATED\tRETRY FROM\tRETRIES\tLINEAGE")
	for _, job := range jobs {
		retryFrom := job.RetryFrom
		if retryFrom == "" {
			retryFrom = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			job.ID,
			job.ModelName,
			job.Status,
			job.CreatedAt.UTC().Format(time.DateTime),
			retryFrom,
			job.RetryCount,
			lineage.Classify(job),
		)
	}
	return w.Flush()
}
