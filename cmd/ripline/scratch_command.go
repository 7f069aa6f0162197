package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ripline/internal/config"
	"ripline/internal/logging"
	"ripline/internal/queue"
	"ripline/internal/staging"
)

func newScratchCommand(ctx *commandContext) *cobra.Command {
	scratchCmd := &cobra.Command{
		Use:   "scratch",
		Short: "Inspect and clean per-job scratch directories",
	}

	scratchCmd.AddCommand(newScratchListCommand(ctx))
	scratchCmd.AddCommand(newScratchCleanCommand(ctx))

	return scratchCmd
}

func newScratchListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scratch directories and the jobs that own them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			scratchDir := strings.TrimSpace(cfg.Paths.ScratchDir)
			dirs, err := staging.ListDirectories(scratchDir)
			if err != nil {
				return fmt.Errorf("list scratch directories: %w", err)
			}
			owners := ctx.jobsByID(cmd.Context(), cfg)

			var totalSize int64
			for _, dir := range dirs {
				totalSize += dir.Size
			}
			if asJSON {
				if dirs == nil {
					dirs = []staging.DirInfo{}
				}
				return writeJSON(cmd, map[string]any{
					"scratch_dir":      scratchDir,
					"directories":      dirs,
					"total_size_bytes": totalSize,
				})
			}

			out := cmd.OutOrStdout()
			if len(dirs) == 0 {
				fmt.Fprintln(out, "No scratch directories found")
				return nil
			}
			fmt.Fprintf(out, "Scratch directory: %s\n\n", scratchDir)
			rows := make([][]string, 0, len(dirs))
			for _, dir := range dirs {
				owner := "orphaned"
				if job, ok := owners[dir.Name]; ok {
					owner = fmt.Sprintf("%s (%s)", jobTitle(job), job.Status)
				}
				rows = append(rows, []string{
					shortID(dir.Name),
					owner,
					formatAge(time.Since(dir.ModTime)),
					humanize.IBytes(uint64(dir.Size)),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Job", "Owner", "Age", "Size"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
			))
			fmt.Fprintf(out, "Total: %d directories, %s\n", len(dirs), humanize.IBytes(uint64(totalSize)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output directories as JSON")
	return cmd
}

func newScratchCleanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove orphaned and expired scratch directories",
		Long: `Remove scratch directories that no job owns, plus directories of finished
jobs older than pipeline.scratch_retention_hours.

The daemon runs the same pass on every start, so this command only works
while the daemon is stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if client, err := ctx.dialClient(); err == nil {
				_ = client.Close()
				return errors.New("daemon is running; stop it first or restart it to clean scratch")
			}

			store, err := queue.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			jobs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			result := cleanScratch(cmd.Context(), cfg, store, jobs)
			out := cmd.OutOrStdout()
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  Error: %s: %v\n", e.Path, e.Error)
			}
			fmt.Fprintf(out, "Removed %d scratch directories\n", len(result.Removed))
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d scratch directories could not be removed", len(result.Errors))
			}
			return nil
		},
	}
}

// cleanScratch applies the daemon's retention policy and clears the scratch
// reference of every job whose directory was removed.
func cleanScratch(ctx context.Context, cfg *config.Config, store *queue.Store, jobs []*queue.Job) staging.CleanResult {
	pinned := make(map[string]bool)
	live := make(map[string]bool)
	for _, job := range jobs {
		switch {
		case !job.Status.IsTerminal():
			pinned[job.ID] = true
		case job.ScratchDir != "":
			live[job.ID] = true
		}
	}
	result := staging.Clean(ctx, cfg.Paths.ScratchDir, staging.Policy{
		Pinned: func(name string) bool { return pinned[name] },
		Live:   func(name string) bool { return live[name] },
		MaxAge: time.Duration(cfg.Pipeline.ScratchRetentionHours) * time.Hour,
	}, logging.NewNop())

	removed := make(map[string]bool, len(result.Removed))
	for _, path := range result.Removed {
		removed[path] = true
	}
	for _, job := range jobs {
		if job.ScratchDir != "" && removed[job.ScratchDir] {
			job.ScratchDir = ""
			_ = store.Save(ctx, job)
		}
	}
	return result
}

// jobsByID loads jobs from the daemon when it is reachable and from the job
// database otherwise. Failures yield an empty map.
func (c *commandContext) jobsByID(ctx context.Context, cfg *config.Config) map[string]*queue.Job {
	var jobs []*queue.Job
	if client, err := c.dialClient(); err == nil {
		if resp, err := client.Jobs(nil); err == nil {
			jobs = resp.Jobs
		}
		_ = client.Close()
	} else if store, err := queue.Open(cfg); err == nil {
		jobs, _ = store.List(ctx)
		_ = store.Close()
	}
	byID := make(map[string]*queue.Job, len(jobs))
	for _, job := range jobs {
		byID[job.ID] = job
	}
	return byID
}

func formatAge(d time.Duration) string {
	d = d.Truncate(time.Minute)
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
