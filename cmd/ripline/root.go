package main

import (
	"github.com/spf13/cobra"
)

const (
	groupDaemon = "daemon"
	groupDiscs  = "discs"
	groupTools  = "tools"
)

func newRootCommand() *cobra.Command {
	var socketFlag string
	var configFlag string

	ctx := newCommandContext(&socketFlag, &configFlag)

	rootCmd := &cobra.Command{
		Use:   "ripline",
		Short: "Optical disc extraction and conversion pipeline",
		Long: `ripline reads protected DVD and Blu-ray discs into per-job scratch
directories and converts them while the next disc is being read.

Most commands talk to the background daemon; start it with ` + "`ripline start`" + `.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Path to the ripline daemon socket (env "+envSocket+")")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (env "+envConfig+")")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupDaemon, Title: "Daemon:"},
		&cobra.Group{ID: groupDiscs, Title: "Discs and jobs:"},
		&cobra.Group{ID: groupTools, Title: "Maintenance:"},
	)
	add := func(group string, cmds ...*cobra.Command) {
		for _, cmd := range cmds {
			cmd.GroupID = group
			rootCmd.AddCommand(cmd)
		}
	}

	add(groupDaemon, newDaemonCommands(ctx)...)
	add(groupDaemon, newDaemonRunCommand(ctx), newLogsCommand(ctx))
	add(groupDiscs, newEnqueueCommand(ctx), newTitlesCommand(ctx), newQueueCommand(ctx))
	add(groupTools, newScratchCommand(ctx), newTestNotifyCommand(ctx), newConfigCommand(ctx))

	return rootCmd
}
