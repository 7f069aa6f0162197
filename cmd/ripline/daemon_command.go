package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ripline/internal/daemonrun"
)

// newDaemonRunCommand is what `ripline start` launches in the background.
// Service managers can run it directly, or use riplined.
func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options
	cmd := &cobra.Command{
		Use:         "daemon",
		Short:       "Run the ripline daemon in the foreground (internal)",
		Hidden:      true,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationSkipConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				if path := ctx.configPath(); path != "" {
					return fmt.Errorf("daemon config %s: %w", path, err)
				}
				return fmt.Errorf("daemon config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level for this run")
	cmd.Flags().BoolVar(&opts.Development, "development", false, "Include source locations in log output")
	return cmd
}
