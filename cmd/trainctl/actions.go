package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSubmitCmd(a *app) *cobra.Command {
	var model, dataset, params string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new training job",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.dashboard.Submit(cmd.Context(), a.token, model, dataset, params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model name")
	cmd.Flags().StringVar(&dataset, "dataset", "", "Dataset URL")
	cmd.Flags().StringVar(&params, "params", "{}", "Training parameters as a JSON object")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("dataset")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a completed or failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}

			id, err := a.dashboard.Retry(cmd.Context(), a.token, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retried %s as %s\n", args[0], id)
			return nil
		},
	}
}

func newLogCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "log <job-id>",
		Short: "Show the error log of a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}

			log, err := a.dashboard.ErrorLog(cmd.Context(), a.token, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %s failed at %s\n\n", log.JobID, log.FailedAt.UTC().Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintln(out, strings.TrimRight(log.ErrorLog, "\n"))
			return nil
		},
	}
}

func newLineageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <job-id>",
		Short: "Show where a job was retried from and what was retried from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}

			report, err := a.dashboard.Lineage(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job:       %s (%s)\n", report.JobID, report.Class)
			if len(report.Ancestry) > 0 {
				fmt.Fprintf(out, "Ancestry:  %s\n", strings.Join(report.Ancestry, " <- "))
			}
			if len(report.Children) > 0 {
				fmt.Fprintf(out, "Retries:   %s\n", strings.Join(report.Children, ", "))
			}
			for _, edge := range report.Archived {
				fmt.Fprintf(out, "Archived:  %s -> %s\n", edge.ParentID, edge.ChildID)
			}
			return nil
		},
	}
}
