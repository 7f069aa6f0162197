package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"ripline/internal/ipc"
	"ripline/internal/queue"
)

const followPollInterval = 500 * time.Millisecond

func newQueueFollowCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "follow <job-id>",
		Short: "Show live progress for a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				id, err := resolveJobID(client, args[0])
				if err != nil {
					return err
				}
				return followJob(cmd.Context(), client, id, cmd.OutOrStdout(), interval)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", followPollInterval, "Polling interval")
	return cmd
}

// followJob renders a progress bar per stage and returns once the job reaches
// a terminal status. A failed job is reported as an error.
func followJob(ctx context.Context, client *ipc.Client, id string, out io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = followPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var bar *progressbar.ProgressBar
	var stage queue.Status
	for {
		resp, err := client.Job(id)
		if err != nil {
			return err
		}
		job := resp.Job
		if job.Status != stage {
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(out)
			}
			bar = nil
			stage = job.Status
			if job.Status.IsActive() {
				bar = newStageBar(out, job)
			}
		}
		if bar != nil {
			_ = bar.Set(int(job.Progress * 100))
		}
		if job.Status.IsTerminal() {
			return reportFinished(out, job)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStageBar(out io.Writer, job *queue.Job) *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(fmt.Sprintf("%-10s %s", formatStatusLabel(string(job.Status)), jobTitle(job))),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
	)
}

func reportFinished(out io.Writer, job *queue.Job) error {
	switch job.Status {
	case queue.StatusCompleted:
		fmt.Fprintf(out, "Job %s completed (%d files in %s)\n", shortID(job.ID), len(job.OutputFiles), job.OutputDir)
		return nil
	case queue.StatusCancelled:
		fmt.Fprintf(out, "Job %s cancelled\n", shortID(job.ID))
		return nil
	default:
		return fmt.Errorf("job %s failed: %s", shortID(job.ID), job.Error)
	}
}
