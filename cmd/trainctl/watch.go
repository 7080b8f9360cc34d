package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuongbtq/training-dashboard/internal/domain"
	"github.com/cuongbtq/training-dashboard/internal/events"
	"github.com/spf13/cobra"
)

// changePrinter writes one line per observed change
type changePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *changePrinter) hook(_ context.Context, previous, current []domain.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().Format(time.TimeOnly)
	for _, change := range events.Diff(previous, current) {
		switch change.Type {
		case events.TypeDiscovered:
			fmt.Fprintf(p.out, "%s  + %s %s (%s)\n", now, change.JobID, change.ModelName, change.To)
		case events.TypeStatusChanged:
			fmt.Fprintf(p.out, "%s  ~ %s %s -> %s\n", now, change.JobID, change.From, change.To)
		case events.TypeEvicted:
			fmt.Fprintf(p.out, "%s  - %s\n", now, change.JobID)
		}
	}
}

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the job service and print changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			printer := &changePrinter{out: cmd.OutOrStdout()}

			// the first tick reports every job as discovered
			a.dashboard.AddRefreshHook(printer.hook)
			a.dashboard.StartSync(ctx)
			defer a.dashboard.StopSync()

			<-ctx.Done()

			status := a.dashboard.SyncStatus()
			fmt.Fprintf(cmd.ErrOrStderr(), "Stopped, %d ticks dropped\n", status.DroppedTicks)
			if status.LastError != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Last sync error: %v\n", status.LastError)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&a.interval, "interval", 5*time.Second, "Poll interval")
	return cmd
}
