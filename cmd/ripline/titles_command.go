package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ripline/internal/config"
	"ripline/internal/disc"
	"ripline/internal/logging"
)

func newTitlesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	var all bool

	cmd := &cobra.Command{
		Use:   "titles [source]",
		Short: "List the titles or playlists on a disc",
		Long: `List the titles or playlists on a disc without queueing it.

Titles marked as selected are the ones an enqueue without --titles extracts.
With no source the disc in drive.device is inspected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			root, err := resolveDiscRoot(cmd.Context(), cfg, args)
			if err != nil {
				return err
			}
			media, err := disc.Open(root)
			if err != nil {
				return err
			}
			titles := media.Titles()
			selected, _ := disc.SelectTitles(media, cfg.MinTitleDuration(), nil)
			picked := make(map[int]bool, len(selected))
			for _, t := range selected {
				picked[t.Number] = true
			}

			if asJSON {
				type titleView struct {
					disc.TitleInfo
					Selected bool `json:"selected"`
				}
				views := make([]titleView, 0, len(titles))
				for _, t := range titles {
					if all || picked[t.Number] {
						views = append(views, titleView{TitleInfo: t, Selected: picked[t.Number]})
					}
				}
				return writeJSON(cmd, map[string]any{
					"kind":   media.Kind,
					"root":   media.Root,
					"titles": views,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s at %s\n", media.Kind, media.Root)
			rows := buildTitleRows(titles, picked, all)
			if len(rows) == 0 {
				fmt.Fprintf(out, "No titles longer than %s (use --all to list every title)\n", cfg.MinTitleDuration())
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Title", "Length", "Chapters", "Angles", "Size", "Selected"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output titles as JSON")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include titles shorter than pipeline.min_title_seconds")
	return cmd
}

func resolveDiscRoot(ctx context.Context, cfg *config.Config, args []string) (string, error) {
	if len(args) == 1 {
		return config.ExpandPath(args[0])
	}
	device := strings.TrimSpace(cfg.Drive.Device)
	if device == "" {
		return "", fmt.Errorf("no source given and drive.device is not configured")
	}
	mountCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	root, _, err := disc.EnsureMounted(mountCtx, device, logging.NewNop())
	if err != nil {
		return "", fmt.Errorf("mount %s: %w", device, err)
	}
	return root, nil
}

func buildTitleRows(titles []disc.TitleInfo, picked map[int]bool, all bool) [][]string {
	rows := make([][]string, 0, len(titles))
	for _, t := range titles {
		if !all && !picked[t.Number] {
			continue
		}
		size := "-"
		if t.Sectors > 0 {
			size = humanize.IBytes(t.Sectors * 2048)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", t.Number),
			formatLength(t.Length()),
			fmt.Sprintf("%d", t.Chapters),
			fmt.Sprintf("%d", t.Angles),
			size,
			yesNo(picked[t.Number]),
		})
	}
	return rows
}

func formatLength(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
