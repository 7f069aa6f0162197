package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ripline/internal/config"
	"ripline/internal/conversion"
	"ripline/internal/ipc"
	"ripline/internal/pipeline"
	"ripline/internal/queue"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		outputDir   string
		device      string
		discTitle   string
		fingerprint string
		titles      []int
		codec       string
		quality     int
		container   string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue [source]",
		Short: "Queue a disc for extraction and conversion",
		Long: `Queue a disc for extraction and conversion.

With no source the disc in the configured drive (or --device) is mounted and
queued. A source path may point at a mounted disc or a copied VIDEO_TS/BDMV
tree.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pipeline.EnqueueRequest{
				Device:      strings.TrimSpace(device),
				DiscTitle:   strings.TrimSpace(discTitle),
				Fingerprint: strings.TrimSpace(fingerprint),
				Titles:      titles,
			}
			if len(args) == 1 {
				source, err := config.ExpandPath(args[0])
				if err != nil {
					return fmt.Errorf("resolve source: %w", err)
				}
				req.SourcePath = source
			}
			if outputDir != "" {
				expanded, err := config.ExpandPath(outputDir)
				if err != nil {
					return fmt.Errorf("resolve output dir: %w", err)
				}
				req.OutputDir = expanded
			}
			if profile := buildProfileOverride(ctx.configValue(), cmd, codec, quality, container); profile != nil {
				req.Profile = profile
			}

			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Enqueue(req)
				if err != nil {
					return err
				}
				job := resp.Job
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Queued job %s: %s -> %s\n", shortID(job.ID), jobTitle(job), job.OutputDir)
				if !wait {
					return nil
				}
				return followJob(cmd.Context(), client, job.ID, out, followPollInterval)
			})
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory (default: paths.output_dir)")
	cmd.Flags().StringVar(&device, "device", "", "Drive holding the disc (default: drive.device)")
	cmd.Flags().StringVar(&discTitle, "title", "", "Display title for the job")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "Override the computed disc fingerprint")
	cmd.Flags().IntSliceVarP(&titles, "titles", "t", nil, "Title or playlist numbers to extract (default: all above the minimum length)")
	cmd.Flags().StringVar(&codec, "codec", "", "Video codec override")
	cmd.Flags().IntVar(&quality, "quality", 0, "Encoder quality override")
	cmd.Flags().StringVar(&container, "container", "", "Output container override")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Follow job progress until it finishes")
	return cmd
}

// buildProfileOverride starts from the configured conversion profile and
// applies any flags the user set. It returns nil when no flag was set so the
// daemon applies its own defaults.
func buildProfileOverride(cfg *config.Config, cmd *cobra.Command, codec string, quality int, container string) *queue.Profile {
	flags := cmd.Flags()
	if !flags.Changed("codec") && !flags.Changed("quality") && !flags.Changed("container") {
		return nil
	}
	profile := &queue.Profile{}
	if cfg != nil {
		*profile = conversion.DefaultProfile(cfg)
	}
	if flags.Changed("codec") {
		profile.Codec = strings.TrimSpace(codec)
	}
	if flags.Changed("quality") {
		profile.Quality = quality
	}
	if flags.Changed("container") {
		profile.Container = strings.TrimSpace(container)
	}
	return profile
}
