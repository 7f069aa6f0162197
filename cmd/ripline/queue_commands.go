package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ripline/internal/ipc"
	"ripline/internal/queue"
)

var jobListHeaders = []string{"ID", "Title", "Status", "Progress", "Created", "Fingerprint"}

var jobListAligns = []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueCancelAllCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueFollowCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stats()
				if err != nil {
					return err
				}
				rows := buildQueueStatusRows(resp.Stats)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Jobs(statuses)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Jobs)
				}
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(jobListHeaders, buildJobListRows(resp.Jobs), jobListAligns))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by job status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output jobs as JSON")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				id, err := resolveJobID(client, args[0])
				if err != nil {
					return err
				}
				resp, err := client.Job(id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Job)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, jobDetailRows(resp.Job), nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output job as JSON")
	return cmd
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel pending jobs",
		Long:  "Cancel pending jobs. Jobs that are extracting or converting run to completion.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				var failed []string
				for _, arg := range args {
					id, err := resolveJobID(client, arg)
					if err != nil {
						fmt.Fprintln(out, err)
						failed = append(failed, arg)
						continue
					}
					if _, err := client.Cancel(id); err != nil {
						fmt.Fprintf(out, "Job %s not cancelled: %v\n", shortID(id), err)
						failed = append(failed, arg)
						continue
					}
					fmt.Fprintf(out, "Job %s cancelled\n", shortID(id))
				}
				if len(failed) > 0 {
					return fmt.Errorf("%d of %d jobs not cancelled", len(failed), len(args))
				}
				return nil
			})
		},
	}
}

func newQueueCancelAllCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every pending job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CancelAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d pending jobs\n", resp.Count)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var finished bool
	cmd := &cobra.Command{
		Use:   "clear [job-id...]",
		Short: "Remove finished jobs and their scratch data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if finished && len(args) > 0 {
				return errors.New("specify job ids or --finished, not both")
			}
			if !finished && len(args) == 0 {
				return errors.New("specify job ids to clear or pass --finished")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				if finished {
					resp, err := client.ClearFinished()
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d finished jobs\n", resp.Count)
					return nil
				}
				for _, arg := range args {
					id, err := resolveJobID(client, arg)
					if err != nil {
						return err
					}
					if _, err := client.Clear(id); err != nil {
						return fmt.Errorf("clear job %s: %w", shortID(id), err)
					}
					fmt.Fprintf(out, "Job %s removed\n", shortID(id))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&finished, "finished", false, "Remove every completed, failed and cancelled job")
	return cmd
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the job database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DatabaseHealth()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Database: %s\n", resp.DBPath)
				if resp.Error != "" {
					return fmt.Errorf("database check failed: %s", resp.Error)
				}
				fmt.Fprintf(out, "Jobs stored: %d\n", resp.Jobs)
				return nil
			})
		},
	}
}

// resolveJobID expands a unique id prefix, as printed by `queue list`, into
// the full job id.
func resolveJobID(client *ipc.Client, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("job id is required")
	}
	resp, err := client.Jobs(nil)
	if err != nil {
		return "", err
	}
	var matches []*queue.Job
	for _, job := range resp.Jobs {
		if job.ID == arg {
			return job.ID, nil
		}
		if strings.HasPrefix(job.ID, arg) {
			matches = append(matches, job)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("job %s not found", arg)
	case 1:
		return matches[0].ID, nil
	default:
		return "", fmt.Errorf("job id %s is ambiguous (%d matches)", arg, len(matches))
	}
}
