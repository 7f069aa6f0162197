package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ripline/internal/ipc"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the daemon",
		Long: `Ask the daemon to publish a test message to notifications.ntfy_topic.

The daemon sends it with its own configuration, so this also confirms that a
running daemon picked up notification changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					return fmt.Errorf("test notification: %w", err)
				}
				out := cmd.OutOrStdout()
				message := resp.Message
				if message == "" {
					message = "Notification not sent"
					if resp.Sent {
						message = "Test notification sent"
					}
				}
				fmt.Fprintln(out, message)
				if strict && !resp.Sent {
					return errors.New("notification was not delivered")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when the notification is not delivered")
	return cmd
}
