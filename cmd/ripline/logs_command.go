package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"ripline/internal/ipc"
	"ripline/internal/logging"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	var jobID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display recent daemon log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				filter := strings.TrimSpace(jobID)
				if filter != "" {
					resolved, err := resolveJobID(client, filter)
					if err != nil {
						return err
					}
					filter = resolved
				}

				resp, err := client.LogTail(ipc.LogTailRequest{Limit: 4096, JobID: filter})
				if err != nil {
					return fmt.Errorf("tail logs: %w", err)
				}
				events := resp.Events
				if lines > 0 && len(events) > lines {
					events = events[len(events)-lines:]
				}
				if !follow && len(events) == 0 {
					fmt.Fprintln(out, "No log entries available")
					return nil
				}
				if err := printLogEvents(out, events, asJSON); err != nil {
					return err
				}

				since := resp.Next
				for follow {
					if err := cmd.Context().Err(); err != nil {
						return nil
					}
					resp, err := client.LogTail(ipc.LogTailRequest{
						Since:      since,
						Follow:     true,
						WaitMillis: 1000,
						JobID:      filter,
					})
					if err != nil {
						return fmt.Errorf("tail logs: %w", err)
					}
					if resp == nil {
						return errors.New("log tail response missing")
					}
					if err := printLogEvents(out, resp.Events, asJSON); err != nil {
						return err
					}
					since = resp.Next
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new events")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of recent events to show (0 for all buffered)")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show events for this job")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON lines")
	return cmd
}

func printLogEvents(out io.Writer, events []logging.LogEvent, asJSON bool) error {
	for _, evt := range events {
		if asJSON {
			if err := writeJSONLine(out, evt); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, formatLogEvent(evt))
	}
	return nil
}

func formatLogEvent(evt logging.LogEvent) string {
	var b strings.Builder
	b.WriteString(evt.Timestamp.Local().Format("2006-01-02 15:04:05"))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%-5s", strings.ToUpper(evt.Level))
	if evt.Component != "" {
		fmt.Fprintf(&b, " [%s]", evt.Component)
	}
	if evt.JobID != "" {
		fmt.Fprintf(&b, " job=%s", shortID(evt.JobID))
	}
	b.WriteByte(' ')
	b.WriteString(evt.Message)

	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, evt.Fields[k])
	}
	return b.String()
}
